package procedure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// markerTimeLayout is the human-readable timestamp format stored in
// marker files
const markerTimeLayout = "2006-01-02 15:04:05.000000"

// Marker records a completed run for idempotency checks
type Marker struct {
	Timestamp string         `json:"timestamp"`
	Config    map[string]any `json:"config"`
}

// OutputDir returns the output directory recorded in the marker config
func (m *Marker) OutputDir() string {
	v, _ := m.Config["output_directory"].(string)
	return v
}

// MarkerPath returns <logDir>/<name>-<version>.done.json
func MarkerPath(logDir string, s Spec) string {
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.done.json", s.Name(), s.Version()))
}

// ReadMarker loads a marker file. A missing file yields (nil, nil); an
// unreadable one yields the error so callers can choose to ignore it.
func ReadMarker(path string) (*Marker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing marker %s: %w", path, err)
	}
	return &m, nil
}

// WriteMarker records the spec's configuration and the current time
func WriteMarker(path string, s Spec) error {
	m := Marker{
		Timestamp: time.Now().Format(markerTimeLayout),
		Config:    s.Config(),
	}
	data, err := json.MarshalIndent(m, "", "      ")
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	return nil
}
