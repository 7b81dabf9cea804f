package dicom2bids

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/workflow"
)

func TestCmdline(t *testing.T) {
	in := t.TempDir()
	heuristic := filepath.Join(in, "heuristic.py")
	if err := os.WriteFile(heuristic, []byte("# rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New()
	p.InputDir = in
	p.OutputDir = "/data/bids"
	p.Subject = "003006"
	p.Session = "202406091801"
	p.HeuristicFile = heuristic

	got, err := p.Cmdline()
	if err != nil {
		t.Fatalf("Cmdline() = %v", err)
	}
	want := "heudiconv --bids -c dcm2niix -f " + heuristic +
		" --files " + in + "/*/*.dcm -o /data/bids --overwrite -ss 202406091801 -s 003006"
	if got != want {
		t.Errorf("Cmdline()\n got %q\nwant %q", got, want)
	}
}

func TestSessionID(t *testing.T) {
	tests := []struct {
		name     string
		inputDir string
		session  string
		infer    bool
		want     string
	}{
		{
			name:     "inferred from facility export name",
			inputDir: "/incoming/YA_lab_Yaniv_General_20240609_1801",
			infer:    true,
			want:     "202406091801",
		},
		{
			name:     "explicit session wins",
			inputDir: "/incoming/YA_lab_Yaniv_General_20240609_1801",
			session:  "01",
			infer:    true,
			want:     "01",
		},
		{
			name:     "inference disabled",
			inputDir: "/incoming/YA_lab_Yaniv_General_20240609_1801",
			infer:    false,
			want:     "",
		},
		{
			name:     "short name joins everything",
			inputDir: "/incoming/session1",
			infer:    true,
			want:     "session1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			p.InputDir = tt.inputDir
			p.Session = tt.session
			p.InferSession = tt.infer
			if got := p.SessionID(); got != tt.want {
				t.Errorf("SessionID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	in := t.TempDir()
	heuristic := filepath.Join(in, "heuristic.py")
	if err := os.WriteFile(heuristic, []byte("# rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New()
	p.InputDir = in
	p.OutputDir = "/data/bids"
	p.Subject = "01"
	p.HeuristicFile = heuristic
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	p.InputDir = filepath.Join(in, "gone")
	if err := p.Validate(); !errors.Is(err, procedure.ErrMissingInput) {
		t.Errorf("Validate() with missing input = %v, want ErrMissingInput", err)
	}

	p.InputDir = in
	p.Subject = ""
	if err := p.Validate(); !errors.Is(err, procedure.ErrMissingInput) {
		t.Errorf("Validate() without subject = %v, want ErrMissingInput", err)
	}
}

// writeNIfTI assembles a little-endian NIfTI-1 file with int16 voxels.
func writeNIfTI(t *testing.T, path string, dim [8]int16, vals []int16) {
	t.Helper()
	hdr := make([]byte, 348)
	binary.LittleEndian.PutUint32(hdr[0:], 348)
	for i, d := range dim {
		binary.LittleEndian.PutUint16(hdr[40+2*i:], uint16(d))
	}
	binary.LittleEndian.PutUint16(hdr[70:], 4)  // int16
	binary.LittleEndian.PutUint16(hdr[72:], 16) // bits per voxel
	binary.LittleEndian.PutUint32(hdr[108:], math.Float32bits(352))
	copy(hdr[344:], "n+1\x00")
	raw := append(hdr, 0, 0, 0, 0)
	for _, v := range vals {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		raw = append(raw, b[:]...)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// fieldmapFixture lays out a converted session with PA and AP DWI series.
func fieldmapFixture(t *testing.T, bval string, sidecar map[string]any) string {
	t.Helper()
	root := t.TempDir()
	dwi := filepath.Join(root, "sub-01", "ses-A", "dwi")
	if err := os.MkdirAll(dwi, 0o755); err != nil {
		t.Fatal(err)
	}

	// Three-volume PA series, 2x2x1 voxels each.
	writeNIfTI(t, filepath.Join(dwi, "sub-01_ses-A_dir-PA_dwi.nii.gz"),
		[8]int16{4, 2, 2, 1, 3, 1, 1, 1},
		[]int16{
			10, 20, 30, 40,
			100, 100, 100, 100,
			30, 40, 50, 60,
		})
	if err := os.WriteFile(filepath.Join(dwi, "sub-01_ses-A_dir-PA_dwi.bval"), []byte(bval), 0o644); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dwi, "sub-01_ses-A_dir-PA_dwi.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	writeNIfTI(t, filepath.Join(dwi, "sub-01_ses-A_dir-AP_dwi.nii.gz"),
		[8]int16{4, 2, 2, 1, 1, 1, 1, 1},
		[]int16{1, 2, 3, 4})
	return root
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFieldmapGraph(t *testing.T) {
	root := fieldmapFixture(t, "0 1000 5\n", map[string]any{
		"PhaseEncodingDirection": "j",
		"TotalReadoutTime":       0.05,
	})
	ent := bids.Entities{Subject: "01", Session: "A"}

	graph := FieldmapGraph(root, ent, 50.0, false, discard())
	st := workflow.NewState()
	if err := graph.Run(context.Background(), st); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if got := st.Int("n_b0"); got != 2 {
		t.Errorf("n_b0 = %d, want 2", got)
	}

	fmapDir := filepath.Join(root, "sub-01", "ses-A", "fmap")
	epiNii := filepath.Join(fmapDir, "sub-01_ses-A_acq-dwi_dir-PA_epi.nii.gz")
	if _, err := os.Stat(epiNii); err != nil {
		t.Fatalf("EPI image not written: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(fmapDir, "sub-01_ses-A_acq-dwi_dir-PA_epi.json"))
	if err != nil {
		t.Fatalf("EPI sidecar not written: %v", err)
	}
	var meta struct {
		IntendedFor            []string `json:"IntendedFor"`
		PhaseEncodingDirection string   `json:"PhaseEncodingDirection"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	wantRel := filepath.Join("ses-A", "dwi", "sub-01_ses-A_dir-AP_dwi.nii.gz")
	if len(meta.IntendedFor) != 1 || meta.IntendedFor[0] != wantRel {
		t.Errorf("IntendedFor = %v, want [%s]", meta.IntendedFor, wantRel)
	}
	if meta.PhaseEncodingDirection != "j" {
		t.Errorf("PhaseEncodingDirection = %q, want j", meta.PhaseEncodingDirection)
	}
}

func TestFieldmapGraph_NoB0s(t *testing.T) {
	root := fieldmapFixture(t, "1000 2000 3000\n", map[string]any{
		"PhaseEncodingDirection": "j",
		"TotalReadoutTime":       0.05,
	})
	ent := bids.Entities{Subject: "01", Session: "A"}

	err := FieldmapGraph(root, ent, 50.0, false, discard()).Run(context.Background(), workflow.NewState())
	if err == nil || !strings.Contains(err.Error(), "no b0 volumes") {
		t.Fatalf("Run() = %v, want no-b0 error", err)
	}

	// With the fallback enabled the first volume is used instead.
	if err := FieldmapGraph(root, ent, 50.0, true, discard()).Run(context.Background(), workflow.NewState()); err != nil {
		t.Errorf("Run() with fallback = %v", err)
	}
}

func TestFieldmapGraph_MissingSidecarFields(t *testing.T) {
	root := fieldmapFixture(t, "0 1000 5\n", map[string]any{
		"PhaseEncodingDirection": "j",
	})
	ent := bids.Entities{Subject: "01", Session: "A"}

	err := FieldmapGraph(root, ent, 50.0, false, discard()).Run(context.Background(), workflow.NewState())
	if err == nil || !strings.Contains(err.Error(), "PhaseEncodingDirection or TotalReadoutTime") {
		t.Errorf("Run() = %v, want missing-field error", err)
	}
}

func TestFieldmapGraph_AmbiguousPA(t *testing.T) {
	root := fieldmapFixture(t, "0 1000 5\n", map[string]any{
		"PhaseEncodingDirection": "j",
		"TotalReadoutTime":       0.05,
	})
	dwi := filepath.Join(root, "sub-01", "ses-A", "dwi")
	writeNIfTI(t, filepath.Join(dwi, "sub-01_ses-A_acq-multib_dir-PA_dwi.nii.gz"),
		[8]int16{4, 2, 2, 1, 1, 1, 1, 1},
		[]int16{1, 2, 3, 4})
	ent := bids.Entities{Subject: "01", Session: "A"}

	err := FieldmapGraph(root, ent, 50.0, false, discard()).Run(context.Background(), workflow.NewState())
	if err == nil || !strings.Contains(err.Error(), "expected exactly one") {
		t.Errorf("Run() = %v, want exactly-one error", err)
	}
}

func TestConfigCarriesOutputDir(t *testing.T) {
	p := New()
	p.InputDir = "/incoming/S_20240609_1801"
	p.OutputDir = "/data/bids"
	p.Subject = "01"

	cfg := p.Config()
	if cfg["output_directory"] != "/data/bids" {
		t.Errorf("config output_directory = %v, want /data/bids", cfg["output_directory"])
	}
	if cfg["session_id"] != "202406091801" {
		t.Errorf("config session_id = %v, want 202406091801", cfg["session_id"])
	}
	if cfg["logging_directory"] != nil {
		t.Errorf("config logging_directory = %v, want nil", cfg["logging_directory"])
	}
}
