package bids

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadBVals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwi.bval")
	if err := os.WriteFile(path, []byte("0 5 1000 2000\n0 1000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	vals, err := ReadBVals(path)
	if err != nil {
		t.Fatalf("ReadBVals() error = %v", err)
	}
	want := []float64{0, 5, 1000, 2000, 0, 1000}
	if len(vals) != len(want) {
		t.Fatalf("ReadBVals() = %v, want %v", vals, want)
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("ReadBVals()[%d] = %v, want %v", i, vals[i], want[i])
		}
	}
}

func TestReadBVals_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwi.bval")
	if err := os.WriteFile(path, []byte("0 what 1000"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBVals(path); err == nil {
		t.Error("ReadBVals() error = nil, want parse error")
	}
}

func TestReadBVals_Missing(t *testing.T) {
	if _, err := ReadBVals(filepath.Join(t.TempDir(), "missing.bval")); err == nil {
		t.Error("ReadBVals() error = nil, want error for missing file")
	}
}

func TestB0Counting(t *testing.T) {
	bvals := []float64{0, 5, 1000, 50, 2000, 0}

	if got := CountB0s(bvals, 50); got != 4 {
		t.Errorf("CountB0s() = %d, want 4", got)
	}
	idx := B0Indices(bvals, 50)
	want := []int{0, 1, 3, 5}
	if len(idx) != len(want) {
		t.Fatalf("B0Indices() = %v, want %v", idx, want)
	}
	for i := range want {
		if idx[i] != want[i] {
			t.Errorf("B0Indices()[%d] = %d, want %d", i, idx[i], want[i])
		}
	}
	if got := CountB0s([]float64{1000, 2000}, 50); got != 0 {
		t.Errorf("CountB0s() = %d, want 0", got)
	}
}
