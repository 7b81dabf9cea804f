package procedure

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMarkerPath(t *testing.T) {
	spec := &fakeSpec{name: "dicom2bids"}
	got := MarkerPath("/data/logs", spec)
	want := filepath.Join("/data/logs", "dicom2bids-0.0.1.done.json")
	if got != want {
		t.Errorf("MarkerPath() = %q, want %q", got, want)
	}
}

func TestMarker_RoundTrip(t *testing.T) {
	spec := newFakeSpec(t)
	path := MarkerPath(t.TempDir(), spec)

	if err := WriteMarker(path, spec); err != nil {
		t.Fatalf("WriteMarker() error = %v", err)
	}

	m, err := ReadMarker(path)
	if err != nil {
		t.Fatalf("ReadMarker() error = %v", err)
	}
	if m == nil {
		t.Fatal("ReadMarker() = nil, want marker")
	}
	if m.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
	if m.OutputDir() != spec.OutputDir {
		t.Errorf("OutputDir() = %q, want %q", m.OutputDir(), spec.OutputDir)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "\n      \"timestamp\"") {
		t.Errorf("marker not indented by six spaces:\n%s", raw)
	}
}

func TestReadMarker_Missing(t *testing.T) {
	m, err := ReadMarker(filepath.Join(t.TempDir(), "nope.done.json"))
	if err != nil {
		t.Errorf("ReadMarker() error = %v, want nil for missing file", err)
	}
	if m != nil {
		t.Errorf("ReadMarker() = %v, want nil", m)
	}
}

func TestReadMarker_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.done.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMarker(path); err == nil {
		t.Error("ReadMarker() error = nil, want parse error")
	}
}
