package bids

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadBVals parses an FSL-format bval file: whitespace-separated values,
// possibly spread over several lines
func ReadBVals(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bval file: %w", err)
	}
	var vals []float64
	for _, field := range strings.Fields(string(raw)) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing bval file %s: %w", path, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// CountB0s returns how many b-values sit at or below threshold
func CountB0s(bvals []float64, threshold float64) int {
	return len(B0Indices(bvals, threshold))
}

// B0Indices returns the volume indices whose b-value sits at or below
// threshold
func B0Indices(bvals []float64, threshold float64) []int {
	var idx []int
	for i, v := range bvals {
		if v <= threshold {
			idx = append(idx, i)
		}
	}
	return idx
}
