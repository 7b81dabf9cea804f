package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yalab-neuro/neuroproc/internal/domain"
)

func makeBIDSTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{
		"sub-01/ses-202406091801/dwi",
		"sub-01/ses-202407020930/dwi",
		"sub-02/ses-202406101115/anat",
		"sub-99", // subject without sessions
		"derivatives/qsiprep",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// stray file at the root must be ignored
	if err := os.WriteFile(filepath.Join(root, "participants.tsv"), []byte("participant_id\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestScan(t *testing.T) {
	root := makeBIDSTree(t)

	sessions, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{
		"sub-01_ses-202406091801",
		"sub-01_ses-202407020930",
		"sub-02_ses-202406101115",
		"sub-99",
	}
	if len(sessions) != len(want) {
		t.Fatalf("session count = %d, want %d", len(sessions), len(want))
	}
	for i, key := range want {
		if sessions[i].Key() != key {
			t.Errorf("sessions[%d] = %s, want %s", i, sessions[i].Key(), key)
		}
	}

	if sessions[0].Path != filepath.Join(root, "sub-01", "ses-202406091801") {
		t.Errorf("Path = %q, want session directory", sessions[0].Path)
	}
	if sessions[0].FirstSeen.IsZero() || sessions[0].LastSeen.IsZero() {
		t.Error("seen timestamps not set")
	}
}

func TestScan_MissingRoot(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Scan() of a missing root should fail")
	}
}

type fakeSessionStore struct {
	upserts []*domain.ImagingSession
}

func (f *fakeSessionStore) UpsertSession(sess *domain.ImagingSession) error {
	f.upserts = append(f.upserts, sess)
	return nil
}

func TestSync(t *testing.T) {
	root := makeBIDSTree(t)
	store := &fakeSessionStore{}

	sessions, err := Sync(root, store)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(store.upserts) != len(sessions) {
		t.Errorf("upserts = %d, want %d", len(store.upserts), len(sessions))
	}
}
