package docker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FindLicense resolves the FreeSurfer license file: the explicit path
// when given, otherwise $FREESURFER_HOME/license.txt. The returned path
// is known to exist.
func FindLicense(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("freesurfer license %s: %w", explicit, err)
		}
		return explicit, nil
	}
	home := os.Getenv("FREESURFER_HOME")
	if home == "" {
		return "", errors.New("freesurfer license not configured and FREESURFER_HOME is not set")
	}
	path := filepath.Join(home, "license.txt")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("freesurfer license %s: %w", path, err)
	}
	return path, nil
}
