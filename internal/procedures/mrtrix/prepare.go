package mrtrix

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/nifti"
	"github.com/yalab-neuro/neuroproc/internal/workflow"
)

// rawDataFiles maps located BIDS series to the file names comis-cortical
// expects under raw_data/.
var rawDataFiles = []struct {
	field string // state key of the located series
	name  string // file name under raw_data/
	out   string // state key of the copied file
}{
	{"t1w", "mprage.nii.gz", "mprage"},
	{"dwi_ap_bval", "bvals", "bvals"},
	{"dwi_ap_bvec", "bvecs", "bvecs"},
	{"dwi_ap", "dif_AP.nii.gz", "dif_ap"},
	{"dwi_pa", "dif_PA.nii.gz", "dif_pa"},
}

// pedVectors maps BIDS PhaseEncodingDirection codes to the unit vectors
// eddy's acquisition table uses.
var pedVectors = map[string]string{
	"i":  "1 0 0",
	"i-": "-1 0 0",
	"j":  "0 1 0",
	"j-": "0 -1 0",
	"k":  "0 0 1",
	"k-": "0 0 -1",
}

func prepareDirectories(sessionDir string, st *workflow.State) error {
	raw := filepath.Join(sessionDir, "raw_data")
	config := filepath.Join(sessionDir, "config_files")
	for _, dir := range []string{raw, config} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	st.Set("raw_data", raw)
	st.Set("config_files", config)
	return nil
}

// locateSeries resolves the five input series from the dataset: the
// bias-corrected T1w, the AP DWI with its gradient tables, and the PA
// DWI. Each must match exactly one file.
func locateSeries(root string, ent bids.Entities, st *workflow.State) error {
	for _, q := range []struct {
		field string
		query bids.Query
	}{
		{"t1w", bids.Query{Datatype: "anat", Suffix: "T1w", Ce: "corrected", Extension: "nii.gz"}},
		{"dwi_ap", bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "AP", Extension: "nii.gz"}},
		{"dwi_ap_bval", bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "AP", Extension: "bval"}},
		{"dwi_ap_bvec", bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "AP", Extension: "bvec"}},
		{"dwi_pa", bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "PA", Extension: "nii.gz"}},
	} {
		path, err := q.query.FindOne(root, ent.Subject, ent.Session)
		if err != nil {
			return err
		}
		st.Set(q.field, path)
	}

	for _, s := range []struct{ field, nii string }{
		{"ap_json", st.Path("dwi_ap")},
		{"pa_json", st.Path("dwi_pa")},
	} {
		sidecar := bids.SidecarPath(s.nii, ".json")
		if _, err := os.Stat(sidecar); err != nil {
			return fmt.Errorf("missing DWI sidecar %s: %w", sidecar, err)
		}
		st.Set(s.field, sidecar)
	}
	return nil
}

func copyRawData(st *workflow.State) error {
	raw := st.Path("raw_data")
	for _, f := range rawDataFiles {
		src := st.Path(f.field)
		dst := filepath.Join(raw, f.name)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
		st.Set(f.out, dst)
	}
	return nil
}

// writeAcquisitionTables produces datain.txt and index.txt under
// config_files/. A configuration file names prebuilt tables to copy;
// without one the tables are derived from the DWI sidecars.
func writeAcquisitionTables(configFile string, st *workflow.State) error {
	dir := st.Path("config_files")
	datain := filepath.Join(dir, "datain.txt")
	index := filepath.Join(dir, "index.txt")

	if configFile != "" {
		if err := copyConfiguredTables(configFile, datain, index); err != nil {
			return err
		}
	} else {
		if err := generateDatain(st.Path("ap_json"), st.Path("pa_json"), datain); err != nil {
			return err
		}
		if err := generateIndex(st.Path("dwi_ap"), index); err != nil {
			return err
		}
	}
	st.Set("datain", datain)
	st.Set("index", index)
	return nil
}

// copyConfiguredTables copies the acquisition tables a JSON configuration
// file points at. Keys are matched case-insensitively; datain and index
// are both required.
func copyConfiguredTables(configFile, datainOut, indexOut string) error {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	entries := make(map[string]any)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing %s: %w", configFile, err)
	}
	lowered := make(map[string]any, len(entries))
	for k, v := range entries {
		lowered[strings.ToLower(k)] = v
	}

	for _, t := range []struct{ key, dst string }{
		{"datain", datainOut},
		{"index", indexOut},
	} {
		v, ok := lowered[t.key]
		if !ok {
			return fmt.Errorf("key %q not found in configuration file", t.key)
		}
		src, ok := v.(string)
		if !ok {
			return fmt.Errorf("configuration key %q must be a file path", t.key)
		}
		if err := copyFile(src, t.dst); err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
	}
	return nil
}

// generateDatain derives datain.txt from the AP and PA sidecars: one line
// per phase-encoding direction, unit vector then total readout time.
func generateDatain(apJSON, paJSON, out string) error {
	var lines []string
	for _, sidecar := range []string{apJSON, paJSON} {
		line, err := datainLine(sidecar)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return os.WriteFile(out, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

func datainLine(sidecar string) (string, error) {
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return "", err
	}
	var meta struct {
		PhaseEncodingDirection string
		TotalReadoutTime       *float64
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", fmt.Errorf("parsing %s: %w", sidecar, err)
	}
	vec, ok := pedVectors[meta.PhaseEncodingDirection]
	if !ok {
		return "", fmt.Errorf("%s: unknown PhaseEncodingDirection %q", sidecar, meta.PhaseEncodingDirection)
	}
	if meta.TotalReadoutTime == nil {
		return "", fmt.Errorf("%s is missing TotalReadoutTime", sidecar)
	}
	return vec + " " + strconv.FormatFloat(*meta.TotalReadoutTime, 'g', -1, 64), nil
}

// generateIndex writes index.txt assigning every AP volume to the first
// datain line.
func generateIndex(apNii, out string) error {
	img, err := nifti.Load(apNii)
	if err != nil {
		return err
	}
	entries := make([]string, img.Volumes())
	for i := range entries {
		entries[i] = "1"
	}
	return os.WriteFile(out, []byte(strings.Join(entries, " ")+"\n"), 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
