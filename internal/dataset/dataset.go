// Package dataset inventories a BIDS data root: the sub-*/ses-*
// directories found there become imaging sessions, kept in the run
// store so sweeps and the dashboard can enumerate the dataset without
// rescanning the filesystem.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yalab-neuro/neuroproc/internal/domain"
)

// Scan walks root and returns one ImagingSession per sub-*/ses-*
// directory pair, ordered by subject then session. A subject directory
// without ses-* children yields a single session-less entry.
func Scan(root string) ([]*domain.ImagingSession, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading data root: %w", err)
	}

	now := time.Now()
	var sessions []*domain.ImagingSession
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") {
			continue
		}
		subject := strings.TrimPrefix(entry.Name(), "sub-")
		subjectDir := filepath.Join(root, entry.Name())

		children, err := os.ReadDir(subjectDir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", subjectDir, err)
		}
		found := false
		for _, child := range children {
			if !child.IsDir() || !strings.HasPrefix(child.Name(), "ses-") {
				continue
			}
			found = true
			sessions = append(sessions, &domain.ImagingSession{
				Subject:   subject,
				Session:   strings.TrimPrefix(child.Name(), "ses-"),
				Path:      filepath.Join(subjectDir, child.Name()),
				FirstSeen: now,
				LastSeen:  now,
			})
		}
		if !found {
			sessions = append(sessions, &domain.ImagingSession{
				Subject:   subject,
				Path:      subjectDir,
				FirstSeen: now,
				LastSeen:  now,
			})
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Subject != sessions[j].Subject {
			return sessions[i].Subject < sessions[j].Subject
		}
		return sessions[i].Session < sessions[j].Session
	})
	return sessions, nil
}

// SessionStore is the inventory slice of the run store.
type SessionStore interface {
	UpsertSession(sess *domain.ImagingSession) error
}

// Sync scans root and upserts every discovered session into store.
// Returns the scanned sessions.
func Sync(root string, store SessionStore) ([]*domain.ImagingSession, error) {
	sessions, err := Scan(root)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if err := store.UpsertSession(sess); err != nil {
			return nil, fmt.Errorf("recording %s: %w", sess.Key(), err)
		}
	}
	return sessions, nil
}
