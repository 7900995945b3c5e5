package atlas

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// CellStatus records the outcome of the last registration attempt.
type CellStatus int

const (
	CellPending CellStatus = iota
	CellIneligible
	CellRegistered
	CellRegistrationFailed
	CellSingular
)

func (s CellStatus) String() string {
	switch s {
	case CellPending:
		return "pending"
	case CellIneligible:
		return "ineligible"
	case CellRegistered:
		return "registered"
	case CellRegistrationFailed:
		return "failed"
	case CellSingular:
		return "singular"
	default:
		return fmt.Sprintf("CellStatus(%d)", int(s))
	}
}

// MarshalText lets reports carry the status by name.
func (s CellStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *CellStatus) UnmarshalText(text []byte) error {
	for _, st := range []CellStatus{CellPending, CellIneligible, CellRegistered, CellRegistrationFailed, CellSingular} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown cell status %q", text)
}

// Cell holds the points of both scans that fall into one square of the grid
// and, once registered, the displacement estimated from them.
type Cell struct {
	X, Y   int32
	Before []r3.Vector
	After  []r3.Vector

	// Vector is meaningful only when HasVector is true.
	Vector    r3.Vector
	HasVector bool
	Status    CellStatus
	Err       error
}

func newCell(key CellKey) *Cell {
	return &Cell{X: key.X(), Y: key.Y()}
}

// Key returns the cell's packed index.
func (c *Cell) Key() CellKey {
	return NewCellKey(c.X, c.Y)
}

func (c *Cell) add(p r3.Vector, order Order) {
	if order == After {
		c.After = append(c.After, p)
		return
	}
	c.Before = append(c.Before, p)
}

// Eligible reports whether both scans have at least minPoints points.
// A cell always needs at least one point per scan.
func (c *Cell) Eligible(minPoints int) bool {
	if minPoints < 1 {
		minPoints = 1
	}
	return len(c.Before) >= minPoints && len(c.After) >= minPoints
}

// Center returns the planimetric centre of the cell at height z.
func (c *Cell) Center(cellLen, z float64) r3.Vector {
	return r3.Vector{
		X: (float64(c.X) + 0.5) * cellLen,
		Y: (float64(c.Y) + 0.5) * cellLen,
		Z: z,
	}
}

// Register estimates the cell's displacement. Any previous result is
// discarded first, so calling it again recomputes from the same points.
// Ineligible cells return nil; registration and inversion failures are
// recorded on the cell and returned.
func (c *Cell) Register(cellLen float64, minPoints int, reg Registrar, debug bool) error {
	c.Vector = r3.Vector{}
	c.HasVector = false
	c.Err = nil

	if !c.Eligible(minPoints) {
		c.Status = CellIneligible
		return nil
	}

	Logf("Computing for %d/%d", c.X, c.Y)

	fixed := pointsToDense(c.Before)
	moving := pointsToDense(c.After)
	meanZ := stat.Mean(mat.Col(nil, 2, fixed), nil)

	transform, err := reg.Register(fixed, moving)
	if err == nil {
		err = checkTransform(transform)
	}
	if err != nil {
		return c.abort(CellRegistrationFailed, err)
	}

	inverse, err := Invert4(transform)
	if err != nil {
		return c.abort(CellSingular, err)
	}

	center := c.Center(cellLen, meanZ)
	v := TransformVector(inverse, center).Sub(center)
	if !finiteVector(v) {
		return c.abort(CellRegistrationFailed, fmt.Errorf("%w: displacement %v is not finite", ErrInvalidTransform, v))
	}
	c.Vector = v
	c.HasVector = true
	c.Status = CellRegistered

	if debug {
		c.logDebug(inverse)
	}
	return nil
}

func (c *Cell) abort(status CellStatus, err error) error {
	Logf("Aborting for %d/%d", c.X, c.Y)
	c.Status = status
	c.Err = fmt.Errorf("cell %s: %w", c.Key(), err)
	return c.Err
}

// checkTransform rejects registrar results that are not a finite 4x4
// matrix.
func checkTransform(m *mat.Dense) error {
	if m == nil {
		return fmt.Errorf("%w: registrar returned no transform", ErrInvalidTransform)
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("%w: registrar returned %dx%d matrix, want 4x4", ErrInvalidTransform, r, c)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite entry at %d,%d", ErrInvalidTransform, i, j)
			}
		}
	}
	return nil
}

func finiteVector(v r3.Vector) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (c *Cell) logDebug(inverse *mat.Dense) {
	Logf("[DEBUG] cell %s inverse transform:\n%s", c.Key(), FormatMatrix4(inverse))
	for _, p := range c.Before {
		d := TransformVector(inverse, p).Sub(p)
		Logf("[DEBUG] %.3f %.3f %.3f -> %.3f %.3f %.3f", p.X, p.Y, p.Z, d.X, d.Y, d.Z)
	}
}
