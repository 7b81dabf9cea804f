package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Execer runs an external command, streaming its output into the run log.
type Execer interface {
	Exec(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// Stager mirrors the subset of a BIDS dataset a container run needs
// into the work directory. Containers then mount the staged copy
// instead of the shared dataset.
type Stager struct {
	Rsync    string   // rsync binary; "rsync" when empty
	Source   string   // dataset root to copy from
	WorkDir  string   // scratch root
	DestName string   // directory name under <work>/<run>, e.g. "bids"
	Subjects []string // subject labels whose sub-* trees are copied
	Extras   []string // dataset-level files copied alongside (participants.tsv, README, ...)
}

// Stage copies the declared subset into <work>/<runName>/<DestName> and
// returns that directory. Copies preserve attributes and follow
// symlinks (rsync -azPL).
func (s *Stager) Stage(ctx context.Context, ex Execer, runName string) (string, error) {
	dest := filepath.Join(s.WorkDir, runName, s.DestName)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	rsync := s.Rsync
	if rsync == "" {
		rsync = "rsync"
	}
	for _, subject := range s.Subjects {
		src := filepath.Join(s.Source, "sub-"+subject)
		if _, _, err := ex.Exec(ctx, rsync, "-azPL", src, dest); err != nil {
			return "", fmt.Errorf("staging sub-%s: %w", subject, err)
		}
	}
	for _, name := range s.Extras {
		if _, _, err := ex.Exec(ctx, rsync, "-azPL", filepath.Join(s.Source, name), dest); err != nil {
			return "", fmt.Errorf("staging %s: %w", name, err)
		}
	}
	return dest, nil
}

// Cleanup removes a staged directory tree after a successful run.
func Cleanup(staged string) error {
	if staged == "" {
		return nil
	}
	return os.RemoveAll(staged)
}

// Stem returns a log file name stripped of directory and extension, the
// per-run folder name staged inputs live under.
func Stem(logPath string) string {
	base := filepath.Base(logPath)
	return base[:len(base)-len(filepath.Ext(base))]
}
