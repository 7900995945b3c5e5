package atlas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CellReport is the outcome for one populated cell.
type CellReport struct {
	X      int32      `json:"x"`
	Y      int32      `json:"y"`
	Before int        `json:"before"`
	After  int        `json:"after"`
	Status CellStatus `json:"status"`

	// Vector is absent for cells that were not registered.
	Vector *[3]float64 `json:"vector,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Report summarizes a run: its inputs, the grid and every cell outcome.
type Report struct {
	Before       string       `json:"before"`
	After        string       `json:"after"`
	Transforms   []string     `json:"transforms,omitempty"`
	CellLength   float64      `json:"cellLength"`
	MinPoints    int          `json:"minPoints"`
	Limits       Limits       `json:"limits"`
	Geotransform Geotransform `json:"geotransform"`
	Stats        RunStats     `json:"stats"`
	Cells        []CellReport `json:"cells"`
	Raster       string       `json:"raster,omitempty"`
	GeneratedAt  int64        `json:"generatedAt"`
}

// BuildReport collects the state of a registered grid. Limits must be
// computed. Cells are listed in row-major order.
func BuildReport(g *Grid, minPoints int) (*Report, error) {
	limits, ok := g.Limits()
	if !ok {
		return nil, ErrLimitsNotComputed
	}
	geo, err := GridGeotransform(g)
	if err != nil {
		return nil, err
	}

	r := &Report{
		CellLength:   g.CellLen(),
		MinPoints:    minPoints,
		Limits:       limits,
		Geotransform: geo,
		Stats:        g.stats(),
		Cells:        make([]CellReport, 0, g.Len()),
		GeneratedAt:  time.Now().Unix(),
	}
	for _, c := range g.Cells() {
		cr := CellReport{
			X:      c.X,
			Y:      c.Y,
			Before: len(c.Before),
			After:  len(c.After),
			Status: c.Status,
		}
		if c.HasVector {
			cr.Vector = &[3]float64{c.Vector.X, c.Vector.Y, c.Vector.Z}
		}
		if c.Err != nil {
			cr.Error = c.Err.Error()
		}
		r.Cells = append(r.Cells, cr)
	}
	return r, nil
}

// Registered returns the cells that produced a vector.
func (r *Report) Registered() []CellReport {
	var out []CellReport
	for _, c := range r.Cells {
		if c.Vector != nil {
			out = append(out, c)
		}
	}
	return out
}

// SaveReport writes the report as indented JSON.
func SaveReport(path string, r *Report) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	return nil
}

// LoadReport reads a report written by SaveReport. A missing file returns
// nil, nil.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading report file: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report file: %w", err)
	}
	return &r, nil
}
