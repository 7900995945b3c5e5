package atlas

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

type captureLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLog) logf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func (c *captureLog) contains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func eligibleCell(t *testing.T, n int) *Cell {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	c := newCell(NewCellKey(2, -3))
	c.Before = terrainCloud(r3.Vector{X: 200, Y: -300}, n, 100, rng)
	c.After = terrainCloud(r3.Vector{X: 200, Y: -300}, n, 100, rng)
	return c
}

func TestCell_Eligible(t *testing.T) {
	c := &Cell{Before: make([]r3.Vector, 250), After: make([]r3.Vector, 249)}
	if c.Eligible(250) {
		t.Error("249 after points should be ineligible")
	}
	c.After = append(c.After, r3.Vector{})
	if !c.Eligible(250) {
		t.Error("250/250 should be eligible")
	}
	empty := &Cell{Before: make([]r3.Vector, 5)}
	if empty.Eligible(0) {
		t.Error("a cell with no after points is never eligible")
	}
}

func TestCell_Center(t *testing.T) {
	c := newCell(NewCellKey(-1, 2))
	got := c.Center(100, 7)
	want := r3.Vector{X: -50, Y: 250, Z: 7}
	if got != want {
		t.Errorf("Center = %v, want %v", got, want)
	}
}

func TestCell_RegisterUsesMeanBeforeZ(t *testing.T) {
	defer quietLogs()()
	c := eligibleCell(t, 10)
	for i := range c.Before {
		c.Before[i].Z = float64(i) // mean 4.5
	}
	// Rotation about Z through the origin moves the centre by an amount
	// that does not depend on Z, so use a tilt about X instead.
	tilt := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 0, -1, 0,
		0, 1, 0, 0,
		0, 0, 0, 1,
	})
	if err := c.Register(100, 10, &fixedRegistrar{transform: tilt}, false); err != nil {
		t.Fatal(err)
	}
	inv, _ := Invert4(tilt)
	center := r3.Vector{X: 250, Y: -250, Z: 4.5}
	want := TransformVector(inv, center).Sub(center)
	if !c.Vector.ApproxEqual(want) {
		t.Errorf("vector = %v, want %v", c.Vector, want)
	}
}

func TestCell_RegistrationFailure(t *testing.T) {
	logs := &captureLog{}
	prev := Logf
	SetLogger(logs.logf)
	defer func() { Logf = prev }()

	boom := errors.New("boom")
	c := eligibleCell(t, 10)
	err := c.Register(100, 10, RegistrarFunc(func(_, _ *mat.Dense) (*mat.Dense, error) {
		return nil, boom
	}), false)

	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped registrar error, got %v", err)
	}
	if c.HasVector || c.Status != CellRegistrationFailed {
		t.Errorf("status = %v, HasVector = %v", c.Status, c.HasVector)
	}
	if !logs.contains("Aborting for 2/-3") {
		t.Errorf("expected abort log line, got %v", logs.lines)
	}
}

func TestCell_SingularTransform(t *testing.T) {
	defer quietLogs()()
	c := eligibleCell(t, 10)
	err := c.Register(100, 10, &fixedRegistrar{transform: mat.NewDense(4, 4, nil)}, false)
	if !errors.Is(err, ErrSingularTransform) {
		t.Errorf("expected ErrSingularTransform, got %v", err)
	}
	if c.HasVector || c.Status != CellSingular {
		t.Errorf("status = %v, HasVector = %v", c.Status, c.HasVector)
	}
}

func TestCell_RejectsMalformedTransform(t *testing.T) {
	defer quietLogs()()

	nanShift := Identity4()
	nanShift.Set(0, 3, math.NaN())
	infScale := Identity4()
	infScale.Set(2, 2, math.Inf(1))

	tests := []struct {
		name      string
		transform *mat.Dense
	}{
		{"NaN translation", nanShift},
		{"infinite scale", infScale},
		{"3x3 matrix", mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := eligibleCell(t, 10)
			err := c.Register(100, 10, &fixedRegistrar{transform: tt.transform}, false)
			if !errors.Is(err, ErrInvalidTransform) {
				t.Errorf("expected ErrInvalidTransform, got %v", err)
			}
			if c.HasVector || c.Status != CellRegistrationFailed {
				t.Errorf("status = %v, HasVector = %v, want failed without vector", c.Status, c.HasVector)
			}
		})
	}

	c := eligibleCell(t, 10)
	err := c.Register(100, 10, RegistrarFunc(func(_, _ *mat.Dense) (*mat.Dense, error) {
		return nil, nil
	}), false)
	if !errors.Is(err, ErrInvalidTransform) || c.Status != CellRegistrationFailed {
		t.Errorf("nil transform: err = %v, status = %v", err, c.Status)
	}
}

func TestCell_RegisterClearsPreviousResult(t *testing.T) {
	defer quietLogs()()
	c := eligibleCell(t, 10)
	if err := c.Register(100, 10, IdentityRegistrar, false); err != nil || !c.HasVector {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := c.Register(100, 11, IdentityRegistrar, false); err != nil {
		t.Fatal(err)
	}
	if c.HasVector || c.Status != CellIneligible {
		t.Errorf("raising the threshold should clear the vector, status = %v", c.Status)
	}
}

func TestCell_DebugOutput(t *testing.T) {
	logs := &captureLog{}
	prev := Logf
	SetLogger(logs.logf)
	defer func() { Logf = prev }()

	c := eligibleCell(t, 3)
	if err := c.Register(100, 3, IdentityRegistrar, true); err != nil {
		t.Fatal(err)
	}
	if !logs.contains("Computing for 2/-3") {
		t.Error("missing progress line")
	}
	if !logs.contains("[DEBUG] cell 2/-3 inverse transform") {
		t.Error("missing inverse transform dump")
	}
	// one line per before point, plus progress and matrix lines
	if len(logs.lines) != 2+len(c.Before) {
		t.Errorf("got %d log lines, want %d", len(logs.lines), 2+len(c.Before))
	}
}

func TestCellStatus_String(t *testing.T) {
	text, err := CellSingular.MarshalText()
	if err != nil || string(text) != "singular" {
		t.Errorf("MarshalText = %q, %v", text, err)
	}
}
