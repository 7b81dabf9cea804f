// Package bids provides helpers for BIDS-organized imaging datasets:
// subject/session entity parsing, session discovery, sidecar naming,
// output path templating and file queries against the
// sub-*/ses-*/<datatype> layout.
package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entities holds the subject and optional session identifiers encoded in a
// BIDS path. Values carry no sub-/ses- prefix.
type Entities struct {
	Subject string
	Session string
}

// Key returns the prefixed identifier used for directories and labels,
// e.g. "sub-01_ses-202406091801", or "sub-01" when no session is set
func (e Entities) Key() string {
	if e.Session == "" {
		return "sub-" + e.Subject
	}
	return "sub-" + e.Subject + "_ses-" + e.Session
}

// RunName joins the bare identifiers with an underscore, the form used to
// name derivative runs, e.g. "DH080922_202211101731"
func (e Entities) RunName() string {
	if e.Session == "" {
		return e.Subject
	}
	return e.Subject + "_" + e.Session
}

// ParseEntities extracts subject and session identifiers from the first
// sub-* and ses-* segments of path. The subject segment is required; the
// session is optional and left empty when absent.
func ParseEntities(path string) (Entities, error) {
	var e Entities
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if e.Subject == "" && strings.HasPrefix(part, "sub-") {
			e.Subject = entityValue(part)
		}
		if e.Session == "" && strings.HasPrefix(part, "ses-") {
			e.Session = entityValue(part)
		}
	}
	if e.Subject == "" {
		return Entities{}, fmt.Errorf("no sub-* segment in path %q", path)
	}
	return e, nil
}

// entityValue strips the entity key, keeping everything after the last dash
func entityValue(segment string) string {
	parts := strings.Split(segment, "-")
	return parts[len(parts)-1]
}

// Sessions lists the bare session identifiers found as ses-* directories
// under <root>/sub-<subject>, sorted by name
func Sessions(root, subject string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "sub-"+subject))
	if err != nil {
		return nil, fmt.Errorf("reading subject directory: %w", err)
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "ses-") {
			sessions = append(sessions, entityValue(entry.Name()))
		}
	}
	return sessions, nil
}

// SidecarPath derives the path of a sidecar accompanying a NIfTI image:
// the .nii.gz (or .nii) suffix replaced by ext, leading dot included.
// SidecarPath("dwi.nii.gz", ".json") == "dwi.json".
func SidecarPath(nii, ext string) string {
	base := strings.TrimSuffix(nii, ".gz")
	base = strings.TrimSuffix(base, ".nii")
	return base + ext
}
