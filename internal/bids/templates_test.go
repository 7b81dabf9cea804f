package bids

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	got := Expand("sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-preproc_T1w.nii.gz", "01", "A")
	want := "sub-01/ses-A/anat/sub-01_ses-A_desc-preproc_T1w.nii.gz"
	if got != want {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
}

func TestOutputTemplate_Render(t *testing.T) {
	tmpl := OutputTemplate{
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-brain_mask.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_desc-brain_mask.nii.gz",
	}

	if got := tmpl.Render("01", "A", true); got != "sub-01/ses-A/anat/sub-01_ses-A_desc-brain_mask.nii.gz" {
		t.Errorf("Render(session level) = %q", got)
	}
	if got := tmpl.Render("01", "A", false); got != "sub-01/anat/sub-01_desc-brain_mask.nii.gz" {
		t.Errorf("Render(subject level) = %q", got)
	}

	subjectOnly := OutputTemplate{Subject: "sub-{subject}/mri/brain.mgz"}
	if got := subjectOnly.Render("01", "A", true); got != "sub-01/mri/brain.mgz" {
		t.Errorf("Render() with no session variant = %q, want subject layout", got)
	}
}

func TestSessionLevel(t *testing.T) {
	tests := []struct {
		name     string
		sessions []string
		want     bool
	}{
		{"one session", []string{"A"}, true},
		{"two sessions", []string{"A", "B"}, false},
		{"no sessions", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionLevel(tt.sessions); got != tt.want {
				t.Errorf("SessionLevel(%v) = %v, want %v", tt.sessions, got, tt.want)
			}
		})
	}
}

func TestRenderTable(t *testing.T) {
	table := map[string]OutputTemplate{
		"preprocessed_T1w": {
			Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-preproc_T1w.nii.gz",
			Subject: "sub-{subject}/anat/sub-{subject}_desc-preproc_T1w.nii.gz",
		},
		"fsaverage": {Subject: "fsaverage/mri/brain.mgz"},
	}

	got := RenderTable(table, "/out/smriprep", "01", "A", true)
	if want := filepath.Join("/out/smriprep", "sub-01/ses-A/anat/sub-01_ses-A_desc-preproc_T1w.nii.gz"); got["preprocessed_T1w"] != want {
		t.Errorf("RenderTable()[preprocessed_T1w] = %q, want %q", got["preprocessed_T1w"], want)
	}
	if want := filepath.Join("/out/smriprep", "fsaverage/mri/brain.mgz"); got["fsaverage"] != want {
		t.Errorf("RenderTable()[fsaverage] = %q, want %q", got["fsaverage"], want)
	}
}
