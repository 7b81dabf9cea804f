package daemon

import (
	"path/filepath"
	"strings"
)

// Export identifies a settled incoming session directory ready for
// automated conversion.
type Export struct {
	Subject string
	Session string
	Dir     string
}

// ParseExport maps an incoming directory to a conversion target.
// Automated intake accepts only names of the exact form
// <subject>_<YYYYMMDD>_<HHMM>; the session is the date and time joined,
// the facility rule for session identifiers. Anything else is left for
// manual conversion rather than guessed at.
func ParseExport(dir string) (Export, bool) {
	parts := strings.Split(filepath.Base(dir), "_")
	if len(parts) != 3 {
		return Export{}, false
	}
	subject, date, clock := parts[0], parts[1], parts[2]
	if subject == "" || !allDigits(date) || len(date) != 8 || !allDigits(clock) || len(clock) != 4 {
		return Export{}, false
	}
	return Export{
		Subject: subject,
		Session: date + clock,
		Dir:     dir,
	}, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
