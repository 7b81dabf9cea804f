package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DatatypeDir returns the datatype directory for a subject and optional
// session, e.g. <root>/sub-01/ses-A/dwi
func DatatypeDir(root, subject, session, datatype string) string {
	if session == "" {
		return filepath.Join(root, "sub-"+subject, datatype)
	}
	return filepath.Join(root, "sub-"+subject, "ses-"+session, datatype)
}

// FilePrefix returns the leading entity chunk of BIDS file names for a
// subject and optional session, e.g. "sub-01_ses-A_"
func FilePrefix(subject, session string) string {
	if session == "" {
		return "sub-" + subject + "_"
	}
	return "sub-" + subject + "_ses-" + session + "_"
}

// Query selects files from a BIDS datatype directory by suffix, extension
// and entity values. Zero-valued fields are unconstrained.
type Query struct {
	Datatype  string // dwi, anat, fmap
	Suffix    string // dwi, T1w, epi
	Direction string // dir-<value> entity, e.g. AP
	Ce        string // ce-<value> entity, e.g. corrected
	Extension string // nii.gz, bval, bvec, json
}

// Find returns the matching file paths, sorted by name. Only the datatype
// directory of the given subject and session is searched; a missing
// directory yields no matches.
func (q Query) Find(root, subject, session string) ([]string, error) {
	dir := DatatypeDir(root, subject, session, q.Datatype)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	prefix := FilePrefix(subject, session)
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !q.matchSuffix(name) {
			continue
		}
		if q.Direction != "" && !hasEntity(name, "dir", q.Direction) {
			continue
		}
		if q.Ce != "" && !hasEntity(name, "ce", q.Ce) {
			continue
		}
		matches = append(matches, filepath.Join(dir, name))
	}
	return matches, nil
}

// FindOne returns the single matching file and errors when zero or
// several files match
func (q Query) FindOne(root, subject, session string) (string, error) {
	matches, err := q.Find(root, subject, session)
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		dir := DatatypeDir(root, subject, session, q.Datatype)
		return "", fmt.Errorf("expected exactly one %s file in %s, found %d", q.label(), dir, len(matches))
	}
	return matches[0], nil
}

func (q Query) matchSuffix(name string) bool {
	if q.Suffix != "" {
		return strings.HasSuffix(name, "_"+q.Suffix+"."+q.Extension)
	}
	if q.Extension != "" {
		return strings.HasSuffix(name, "."+q.Extension)
	}
	return true
}

func (q Query) label() string {
	var parts []string
	if q.Direction != "" {
		parts = append(parts, "dir-"+q.Direction)
	}
	if q.Ce != "" {
		parts = append(parts, "ce-"+q.Ce)
	}
	if q.Suffix != "" || q.Extension != "" {
		s := q.Suffix
		if q.Extension != "" {
			s += "." + q.Extension
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return q.Datatype
	}
	return strings.Join(parts, " ")
}

// hasEntity reports whether name carries the key-value entity. BIDS
// entities are underscore-delimited, so a match requires both bounds.
func hasEntity(name, key, value string) bool {
	return strings.Contains(name, "_"+key+"-"+value+"_")
}
