package domain

import "time"

// RunStatus represents the execution state of a procedure run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Terminal returns true if the status is a final state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunSkipped:
		return true
	}
	return false
}

// Run represents a single execution attempt of a procedure
type Run struct {
	ID         string
	Procedure  string
	Version    string
	Subject    string
	Session    string
	Status     RunStatus
	ExitCode   int
	OutputDir  string
	LogPath    string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
}

// Duration returns the elapsed run time, zero if not started
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// Label returns a human-readable identifier like "qsiprep sub-01/ses-202401"
func (r *Run) Label() string {
	label := r.Procedure
	if r.Subject != "" {
		label += " sub-" + r.Subject
		if r.Session != "" {
			label += "/ses-" + r.Session
		}
	}
	return label
}
