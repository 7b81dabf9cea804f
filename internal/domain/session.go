package domain

import "time"

// ImagingSession is one subject/session directory discovered under the data root.
// The scan command maintains these as the dataset inventory.
type ImagingSession struct {
	Subject   string
	Session   string
	Path      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Key returns the canonical "sub-<subject>_ses-<session>" identifier
func (s ImagingSession) Key() string {
	if s.Session == "" {
		return "sub-" + s.Subject
	}
	return "sub-" + s.Subject + "_ses-" + s.Session
}
