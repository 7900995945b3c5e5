package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func TestNewGrid_RejectsBadCellLength(t *testing.T) {
	for _, l := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := NewGrid(l); err == nil {
			t.Errorf("NewGrid(%v) should fail", l)
		}
	}
}

func TestGrid_InsertUsesFloor(t *testing.T) {
	g, err := NewGrid(100)
	if err != nil {
		t.Fatal(err)
	}
	points := []r3.Vector{
		{X: -1, Y: -1},
		{X: 0, Y: 0},
		{X: 99.999, Y: 100},
		{X: -100, Y: -100.5},
	}
	if err := g.Insert(points, Before); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tests := []struct {
		x, y int32
		n    int
	}{
		{-1, -1, 1},
		{0, 0, 1},
		{0, 1, 1},
		{-1, -2, 1},
	}
	for _, tt := range tests {
		c, ok := g.Cell(tt.x, tt.y)
		if !ok {
			t.Errorf("cell %d/%d missing", tt.x, tt.y)
			continue
		}
		if len(c.Before) != tt.n || len(c.After) != 0 {
			t.Errorf("cell %d/%d has %d/%d points, want %d/0", tt.x, tt.y, len(c.Before), len(c.After), tt.n)
		}
	}
	if g.Len() != 4 {
		t.Errorf("Len() = %d, want 4", g.Len())
	}
}

func TestGrid_InsertKeepsOrderAndDuplicates(t *testing.T) {
	g, _ := NewGrid(10)
	a := r3.Vector{X: 1, Y: 1, Z: 1}
	b := r3.Vector{X: 2, Y: 2, Z: 2}
	if err := g.Insert([]r3.Vector{a, b, a}, After); err != nil {
		t.Fatal(err)
	}
	c, _ := g.Cell(0, 0)
	if len(c.After) != 3 || c.After[0] != a || c.After[1] != b || c.After[2] != a {
		t.Errorf("After = %v, want [a b a] in insertion order", c.After)
	}
}

func TestGrid_InsertRejectsNonFinite(t *testing.T) {
	g, _ := NewGrid(10)
	points := []r3.Vector{{X: 1, Y: 1}, {X: math.NaN(), Y: 1}}
	err := g.Insert(points, Before)
	if !errors.Is(err, ErrNonFinitePoint) {
		t.Fatalf("expected ErrNonFinitePoint, got %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("rejected batch should leave grid empty, got %d cells", g.Len())
	}

	err = g.Insert([]r3.Vector{{X: 1e300, Y: 0}}, Before)
	if !errors.Is(err, ErrCellOutOfRange) {
		t.Errorf("expected ErrCellOutOfRange, got %v", err)
	}
}

func TestGrid_CalcLimits(t *testing.T) {
	g, _ := NewGrid(1)
	points := []r3.Vector{
		{X: -2, Y: 3},
		{X: 5, Y: -1},
		{X: 0, Y: 0},
	}
	if err := g.Insert(points, Before); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Limits(); ok {
		t.Error("limits should not be valid before CalcLimits")
	}
	g.CalcLimits()

	limits, ok := g.Limits()
	if !ok {
		t.Fatal("limits should be valid after CalcLimits")
	}
	want := Limits{XOrigin: -2, YOrigin: -1, XSize: 8, YSize: 5}
	if limits != want {
		t.Errorf("limits = %+v, want %+v", limits, want)
	}
}

func TestGrid_CalcLimitsEmpty(t *testing.T) {
	g, _ := NewGrid(100)
	g.CalcLimits()
	limits, ok := g.Limits()
	if !ok {
		t.Fatal("empty grid should still have valid limits")
	}
	if !limits.Empty() || limits.Len() != 0 {
		t.Errorf("empty grid limits = %+v, want zero size", limits)
	}
}

func TestGrid_InsertInvalidatesLimits(t *testing.T) {
	g, _ := NewGrid(1)
	_ = g.Insert([]r3.Vector{{X: 0, Y: 0}}, Before)
	g.CalcLimits()
	_ = g.Insert([]r3.Vector{{X: 5, Y: 5}}, After)
	if _, ok := g.Limits(); ok {
		t.Error("insert after CalcLimits should invalidate limits")
	}
}

func TestGrid_IneligibleCellHasNoVector(t *testing.T) {
	defer quietLogs()()
	rng := rand.New(rand.NewSource(1234))
	g, _ := NewGrid(100)
	_ = g.Insert(terrainCloud(r3.Vector{}, 249, 100, rng), Before)
	_ = g.Insert(terrainCloud(r3.Vector{}, 300, 100, rng), After)
	g.CalcLimits()

	reg := &fixedRegistrar{transform: Identity4()}
	stats := g.RegisterAll(RegisterOptions{MinPoints: 250, Registrar: reg})

	if reg.calls != 0 {
		t.Errorf("registrar called %d times for an ineligible cell", reg.calls)
	}
	if stats.Ineligible != 1 || stats.Registered != 0 {
		t.Errorf("stats = %+v, want 1 ineligible", stats)
	}
	if _, ok := g.VectorAt(0, 0); ok {
		t.Error("ineligible cell should have no vector")
	}
	for _, comp := range Components {
		it, err := NewFieldIterator(g, comp)
		if err != nil {
			t.Fatal(err)
		}
		if v := it.At(0); v != NoData {
			t.Errorf("band %s = %v, want %v", comp, v, NoData)
		}
	}
}

func TestGrid_NonFiniteTransformIsNoData(t *testing.T) {
	defer quietLogs()()
	rng := rand.New(rand.NewSource(99))
	cloud := terrainCloud(r3.Vector{}, 300, 100, rng)

	g, _ := NewGrid(100)
	_ = g.Insert(cloud, Before)
	_ = g.Insert(cloud, After)
	g.CalcLimits()

	bad := Identity4()
	bad.Set(0, 3, math.NaN())
	stats := g.RegisterAll(RegisterOptions{MinPoints: 250, Registrar: &fixedRegistrar{transform: bad}})
	if stats.Registered != 0 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failed cell", stats)
	}

	it, err := NewFieldIterator(g, ComponentX)
	if err != nil {
		t.Fatal(err)
	}
	if v := it.At(0); v != NoData {
		t.Errorf("band value = %v, want %v", v, NoData)
	}

	r, err := BuildReport(g, 250)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := json.Marshal(r); err != nil {
		t.Errorf("report with a failed cell should encode: %v", err)
	}
}

func TestGrid_IdenticalScansGiveZeroVector(t *testing.T) {
	defer quietLogs()()
	rng := rand.New(rand.NewSource(1234))
	cloud := terrainCloud(r3.Vector{X: 100, Y: 200}, 300, 100, rng)

	g, _ := NewGrid(100)
	_ = g.Insert(cloud, Before)
	_ = g.Insert(cloud, After)
	g.CalcLimits()
	g.RegisterAll(RegisterOptions{MinPoints: 250, Registrar: IdentityRegistrar})

	v, ok := g.VectorAt(1, 2)
	if !ok {
		t.Fatal("expected a vector for cell 1/2")
	}
	if v.Norm() > 1e-9 {
		t.Errorf("vector = %v, want ~0", v)
	}
}

func TestGrid_TranslationRegistrarGivesDisplacement(t *testing.T) {
	defer quietLogs()()
	rng := rand.New(rand.NewSource(1234))
	cloud := terrainCloud(r3.Vector{}, 300, 100, rng)

	g, _ := NewGrid(100)
	_ = g.Insert(cloud, Before)
	_ = g.Insert(cloud, After)
	g.CalcLimits()

	// after -> before is a shift by -d, so the displacement is +d
	d := r3.Vector{X: 1.5, Y: -2, Z: 0.25}
	g.RegisterAll(RegisterOptions{MinPoints: 250, Registrar: &fixedRegistrar{transform: Translation4(d.Mul(-1))}})

	v, ok := g.VectorAt(0, 0)
	if !ok {
		t.Fatal("expected a vector")
	}
	if !v.ApproxEqual(d) {
		t.Errorf("vector = %v, want %v", v, d)
	}
}

func TestGrid_RegisterAllIdempotent(t *testing.T) {
	defer quietLogs()()
	rng := rand.New(rand.NewSource(99))
	g, _ := NewGrid(100)
	for _, origin := range []r3.Vector{{}, {X: 100}, {X: -100, Y: 100}} {
		cloud := terrainCloud(origin, 300, 100, rng)
		_ = g.Insert(cloud, Before)
		_ = g.Insert(shift(cloud, r3.Vector{X: 0.3, Y: -0.2, Z: 0.1}), After)
	}
	_ = g.Insert(terrainCloud(r3.Vector{Y: -100}, 10, 100, rng), Before)
	g.CalcLimits()

	opts := DefaultRegisterOptions()
	first := g.RegisterAll(opts)
	firstVectors := snapshotVectors(g)
	second := g.RegisterAll(opts)

	if first != second {
		t.Errorf("stats changed between runs: %+v vs %+v", first, second)
	}
	for k, v := range snapshotVectors(g) {
		if firstVectors[k] != v {
			t.Errorf("cell %s changed: %v vs %v", k, firstVectors[k], v)
		}
	}
}

func TestGrid_RegisterAllParallelMatchesSequential(t *testing.T) {
	defer quietLogs()()
	build := func() *Grid {
		rng := rand.New(rand.NewSource(7))
		g, _ := NewGrid(100)
		for i := 0; i < 6; i++ {
			origin := r3.Vector{X: float64(i%3) * 100, Y: float64(i/3) * 100}
			cloud := terrainCloud(origin, 260, 100, rng)
			_ = g.Insert(cloud, Before)
			_ = g.Insert(shift(cloud, r3.Vector{X: 0.2 * float64(i), Y: 0.1, Z: -0.1}), After)
		}
		g.CalcLimits()
		return g
	}

	seq := build()
	seqStats := seq.RegisterAll(DefaultRegisterOptions())

	par := build()
	opts := DefaultRegisterOptions()
	opts.Workers = 4
	parStats, err := par.RegisterAllContext(context.Background(), opts)
	if err != nil {
		t.Fatalf("parallel registration failed: %v", err)
	}

	if seqStats != parStats {
		t.Errorf("stats differ: sequential %+v, parallel %+v", seqStats, parStats)
	}
	seqVectors := snapshotVectors(seq)
	for k, v := range snapshotVectors(par) {
		if seqVectors[k] != v {
			t.Errorf("cell %s: sequential %v, parallel %v", k, seqVectors[k], v)
		}
	}
}

func TestGrid_RegisterAllContextCancelled(t *testing.T) {
	defer quietLogs()()
	g, _ := NewGrid(1)
	_ = g.Insert([]r3.Vector{{X: 0, Y: 0}, {X: 3, Y: 3}}, Before)
	g.CalcLimits()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, workers := range []int{1, 4} {
		opts := DefaultRegisterOptions()
		opts.Workers = workers
		if _, err := g.RegisterAllContext(ctx, opts); !errors.Is(err, context.Canceled) {
			t.Errorf("workers=%d: expected context.Canceled, got %v", workers, err)
		}
	}
}

func TestGrid_CellsRowMajor(t *testing.T) {
	g, _ := NewGrid(1)
	_ = g.Insert([]r3.Vector{{X: 1, Y: 1}, {X: 0, Y: 1}, {X: 5, Y: 0}, {X: -3, Y: 2}}, Before)
	want := []CellKey{NewCellKey(5, 0), NewCellKey(0, 1), NewCellKey(1, 1), NewCellKey(-3, 2)}
	cells := g.Cells()
	if len(cells) != len(want) {
		t.Fatalf("got %d cells, want %d", len(cells), len(want))
	}
	for i, c := range cells {
		if c.Key() != want[i] {
			t.Errorf("cells[%d] = %s, want %s", i, c.Key(), want[i])
		}
	}
}

func snapshotVectors(g *Grid) map[CellKey]r3.Vector {
	out := make(map[CellKey]r3.Vector)
	for _, c := range g.Cells() {
		if c.HasVector {
			out[c.Key()] = c.Vector
		}
	}
	return out
}
