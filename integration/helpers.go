//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.toml")
}

// WriteDWISeries lays out a minimal DWI series (data, mask, bval, bvec)
// under a sub-/ses- directory and returns the file paths in that order.
func WriteDWISeries(t *testing.T, root, subject, session string) (data, mask, bval, bvec string) {
	t.Helper()
	dir := filepath.Join(root, "sub-"+subject, "ses-"+session, "dwi")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating series directory: %v", err)
	}
	stem := "sub-" + subject + "_ses-" + session + "_dir-AP_dwi"
	data = filepath.Join(dir, stem+".nii.gz")
	mask = filepath.Join(dir, stem+"_mask.nii.gz")
	bval = filepath.Join(dir, stem+".bval")
	bvec = filepath.Join(dir, stem+".bvec")
	for _, p := range []string{data, mask, bval, bvec} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", p, err)
		}
	}
	return data, mask, bval, bvec
}
