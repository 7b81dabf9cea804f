package dicom2bids

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/nifti"
	"github.com/yalab-neuro/neuroproc/internal/workflow"
)

// FieldmapGraph wires the PA→EPI derivation: find the single dir-PA DWI
// series and an AP target, write a single-volume EPI fieldmap as the
// mean of the PA b0 volumes (or a copy when the series is 3D), and
// write its JSON sidecar with IntendedFor pointing at the AP series.
func FieldmapGraph(root string, ent bids.Entities, b0Threshold float64, allowFirstAsB0 bool, log *slog.Logger) *workflow.Graph {
	session := ent.Session
	if session == "" {
		session = "nosess"
	}
	return &workflow.Graph{
		Name: fmt.Sprintf("make_pa_epi_%s_%s", ent.Subject, session),
		Nodes: []workflow.Node{
			{Name: "discover", Run: func(ctx context.Context, st *workflow.State) error {
				return discoverSeries(root, ent, st)
			}},
			{Name: "count_b0s", Run: func(ctx context.Context, st *workflow.State) error {
				bvals, err := bids.ReadBVals(st.Path("pa_bval"))
				if err != nil {
					return err
				}
				n := bids.CountB0s(bvals, b0Threshold)
				st.Set("n_b0", n)
				log.Info("counted b0 volumes in PA series", "n_b0", n)
				return nil
			}},
			{Name: "write_mean_b0_epi", Run: func(ctx context.Context, st *workflow.State) error {
				return writeMeanB0(st, b0Threshold, allowFirstAsB0)
			}},
			{Name: "write_epi_json", Run: func(ctx context.Context, st *workflow.State) error {
				return writeEPISidecar(st.Path("pa_json"), st.Path("ap_rel"), st.Path("epi_json"), st)
			}},
		},
		Edges: []workflow.Edge{
			{From: "discover", To: "count_b0s", Field: "pa_bval"},
			{From: "discover", To: "write_mean_b0_epi", Field: "pa_nii"},
			{From: "count_b0s", To: "write_mean_b0_epi", Field: "n_b0"},
			{From: "discover", To: "write_epi_json", Field: "pa_json"},
		},
	}
}

// discoverSeries locates the PA and AP DWI files and decides where the
// EPI pair will be written. Exactly one PA series must exist.
func discoverSeries(root string, ent bids.Entities, st *workflow.State) error {
	paQuery := bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "PA", Extension: "nii.gz"}
	paNii, err := paQuery.FindOne(root, ent.Subject, ent.Session)
	if err != nil {
		return err
	}
	paJSON := bids.SidecarPath(paNii, ".json")
	if _, err := os.Stat(paJSON); err != nil {
		return fmt.Errorf("missing PA DWI sidecar %s: %w", paJSON, err)
	}

	apQuery := bids.Query{Datatype: "dwi", Suffix: "dwi", Direction: "AP", Extension: "nii.gz"}
	apMatches, err := apQuery.Find(root, ent.Subject, ent.Session)
	if err != nil {
		return err
	}
	if len(apMatches) == 0 {
		return fmt.Errorf("no AP DWI found under %s", bids.DatatypeDir(root, ent.Subject, ent.Session, "dwi"))
	}
	subjectDir := filepath.Join(root, "sub-"+ent.Subject)
	apRel, err := filepath.Rel(subjectDir, apMatches[0])
	if err != nil {
		return err
	}

	fmapDir := bids.DatatypeDir(root, ent.Subject, ent.Session, "fmap")
	if err := os.MkdirAll(fmapDir, 0o755); err != nil {
		return err
	}
	epiBase := bids.FilePrefix(ent.Subject, ent.Session) + "acq-dwi_dir-PA_epi"

	st.Set("pa_nii", paNii)
	st.Set("pa_json", paJSON)
	st.Set("pa_bval", bids.SidecarPath(paNii, ".bval"))
	st.Set("pa_bvec", bids.SidecarPath(paNii, ".bvec"))
	st.Set("ap_rel", apRel)
	st.Set("epi_nii", filepath.Join(fmapDir, epiBase+".nii.gz"))
	st.Set("epi_json", filepath.Join(fmapDir, epiBase+".json"))
	return nil
}

// writeMeanB0 writes the EPI image: a byte copy for 3D input, the mean
// of the b0 volumes when any exist, or the first volume as a fallback.
func writeMeanB0(st *workflow.State, b0Threshold float64, allowFirstAsB0 bool) error {
	paNii := st.Path("pa_nii")
	epiOut := st.Path("epi_nii")

	img, err := nifti.Load(paNii)
	if err != nil {
		return err
	}
	if img.NDim() == 3 {
		raw, err := os.ReadFile(paNii)
		if err != nil {
			return err
		}
		if err := os.WriteFile(epiOut, raw, 0o644); err != nil {
			return err
		}
		st.Set("epi_nii_out", epiOut)
		return nil
	}

	bvals, err := bids.ReadBVals(st.Path("pa_bval"))
	if err != nil {
		return err
	}
	if len(bvals) != img.Volumes() {
		return fmt.Errorf("bvals length (%d) != nvols (%d) for %s", len(bvals), img.Volumes(), paNii)
	}

	indices := bids.B0Indices(bvals, b0Threshold)
	var epi *nifti.Image
	switch {
	case len(indices) > 0:
		epi, err = img.MeanVolumes(indices)
	case allowFirstAsB0:
		epi, err = img.ExtractVolume(0)
	default:
		return fmt.Errorf("no b0 volumes found in PA series %s", paNii)
	}
	if err != nil {
		return err
	}
	if err := epi.Save(epiOut); err != nil {
		return err
	}
	st.Set("epi_nii_out", epiOut)
	return nil
}

// writeEPISidecar derives the EPI JSON from the PA sidecar, adding
// IntendedFor. The distortion-correction fields must be present.
func writeEPISidecar(paJSON, apRel, epiJSONOut string, st *workflow.State) error {
	raw, err := os.ReadFile(paJSON)
	if err != nil {
		return err
	}
	meta := make(map[string]any)
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("parsing %s: %w", paJSON, err)
	}
	meta["IntendedFor"] = []string{apRel}

	if meta["PhaseEncodingDirection"] == nil || meta["TotalReadoutTime"] == nil {
		return fmt.Errorf("PA sidecar %s is missing PhaseEncodingDirection or TotalReadoutTime", paJSON)
	}

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(epiJSONOut, out, 0o644); err != nil {
		return err
	}
	st.Set("epi_json_out", epiJSONOut)
	return nil
}
