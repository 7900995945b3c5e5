package atlas

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
)

// Limits is the bounding rectangle of populated cells, in cell indices.
type Limits struct {
	XOrigin int32 `json:"xOrigin"`
	YOrigin int32 `json:"yOrigin"`
	XSize   int   `json:"xSize"`
	YSize   int   `json:"ySize"`
}

// Empty reports the "no data" outcome of an empty grid.
func (l Limits) Empty() bool {
	return l.XSize == 0 || l.YSize == 0
}

// Len is the number of positions in the rectangle. It is only meaningful
// when Area reports that the count fits in an int.
func (l Limits) Len() int {
	n, _ := l.Area()
	return n
}

// Area returns XSize*YSize and false when the product overflows an int.
func (l Limits) Area() (int, bool) {
	if l.XSize < 0 || l.YSize < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(l.XSize), uint64(l.YSize))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// Grid bins points of two scans into square cells and registers each cell.
type Grid struct {
	cellLen   float64
	cells     map[CellKey]*Cell
	limits    Limits
	hasLimits bool
}

// NewGrid returns an empty grid with the given cell side length.
func NewGrid(cellLen float64) (*Grid, error) {
	if math.IsNaN(cellLen) || math.IsInf(cellLen, 0) || cellLen <= 0 {
		return nil, fmt.Errorf("cell length must be a positive finite number, got %v", cellLen)
	}
	return &Grid{
		cellLen: cellLen,
		cells:   make(map[CellKey]*Cell),
	}, nil
}

// CellLen returns the cell side length.
func (g *Grid) CellLen() float64 {
	return g.cellLen
}

// Len returns the number of populated cells.
func (g *Grid) Len() int {
	return len(g.cells)
}

// CellKeyFor returns the key of the cell containing p.
func (g *Grid) CellKeyFor(p r3.Vector) (CellKey, error) {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) || math.IsNaN(p.Z) || math.IsInf(p.Z, 0) {
		return 0, fmt.Errorf("%v: %w", p, ErrNonFinitePoint)
	}
	cx := math.Floor(p.X / g.cellLen)
	cy := math.Floor(p.Y / g.cellLen)
	if cx < math.MinInt32 || cx > math.MaxInt32 || cy < math.MinInt32 || cy > math.MaxInt32 {
		return 0, fmt.Errorf("point (%g, %g): %w", p.X, p.Y, ErrCellOutOfRange)
	}
	return NewCellKey(int32(cx), int32(cy)), nil
}

// Insert bins every point into its cell under the given scan. The whole
// batch is validated first, so a rejected batch leaves the grid unchanged.
func (g *Grid) Insert(points []r3.Vector, order Order) error {
	if order != Before && order != After {
		return fmt.Errorf("insert: unknown order %v", order)
	}
	keys := make([]CellKey, len(points))
	for i, p := range points {
		key, err := g.CellKeyFor(p)
		if err != nil {
			return fmt.Errorf("insert %s point %d: %w", order, i, err)
		}
		keys[i] = key
	}

	for i, p := range points {
		cell, ok := g.cells[keys[i]]
		if !ok {
			cell = newCell(keys[i])
			g.cells[keys[i]] = cell
		}
		cell.add(p, order)
	}
	g.hasLimits = false
	return nil
}

// CalcLimits computes the bounding rectangle of all populated cells.
// An empty grid yields zero-size limits.
func (g *Grid) CalcLimits() {
	g.hasLimits = true
	if len(g.cells) == 0 {
		g.limits = Limits{}
		return
	}

	var xmin, ymin int32 = math.MaxInt32, math.MaxInt32
	var xmax, ymax int32 = math.MinInt32, math.MinInt32
	for key := range g.cells {
		x, y := key.X(), key.Y()
		xmin = min(xmin, x)
		xmax = max(xmax, x)
		ymin = min(ymin, y)
		ymax = max(ymax, y)
	}
	g.limits = Limits{
		XOrigin: xmin,
		YOrigin: ymin,
		XSize:   int(int64(xmax) - int64(xmin) + 1),
		YSize:   int(int64(ymax) - int64(ymin) + 1),
	}
}

// Limits returns the bounding rectangle and whether CalcLimits has run
// since the last insert.
func (g *Grid) Limits() (Limits, bool) {
	return g.limits, g.hasLimits
}

// Cell returns the cell at (x, y) if it has any points.
func (g *Grid) Cell(x, y int32) (*Cell, bool) {
	c, ok := g.cells[NewCellKey(x, y)]
	return c, ok
}

// Cells returns every populated cell in row-major order.
func (g *Grid) Cells() []*Cell {
	keys := make([]CellKey, 0, len(g.cells))
	for k := range g.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	cells := make([]*Cell, len(keys))
	for i, k := range keys {
		cells[i] = g.cells[k]
	}
	return cells
}

// VectorAt returns the displacement of cell (x, y), or false when the cell
// is empty or could not be registered.
func (g *Grid) VectorAt(x, y int32) (r3.Vector, bool) {
	c, ok := g.cells[NewCellKey(x, y)]
	if !ok || !c.HasVector {
		return r3.Vector{}, false
	}
	return c.Vector, true
}

// RegisterOptions controls a registration pass.
type RegisterOptions struct {
	MinPoints int
	Debug     bool
	Workers   int // Cells registered concurrently; values below 2 run sequentially
	Registrar Registrar
}

// DefaultRegisterOptions returns the default threshold with a rigid ICP registrar.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{
		MinPoints: DefaultMinPoints,
		Workers:   1,
		Registrar: NewRigidICP(DefaultICPConfig()),
	}
}

// RunStats summarizes a registration pass.
type RunStats struct {
	Cells      int `json:"cells"`
	Registered int `json:"registered"`
	Ineligible int `json:"ineligible"`
	Failed     int `json:"failed"`
	Singular   int `json:"singular"`
}

// RegisterAll registers every cell one after another.
func (g *Grid) RegisterAll(opts RegisterOptions) RunStats {
	opts.Workers = 1
	stats, _ := g.RegisterAllContext(context.Background(), opts)
	return stats
}

// RegisterAllContext registers every cell, using up to opts.Workers
// goroutines. Each cell is touched by exactly one goroutine, so the results
// match a sequential pass. Cancelling ctx stops scheduling further cells and
// returns ctx.Err(); cells not reached keep their previous state.
func (g *Grid) RegisterAllContext(ctx context.Context, opts RegisterOptions) (RunStats, error) {
	if opts.Registrar == nil {
		opts.Registrar = NewRigidICP(DefaultICPConfig())
	}
	cells := g.Cells()

	if opts.Workers < 2 {
		for _, c := range cells {
			if err := ctx.Err(); err != nil {
				return g.stats(), err
			}
			_ = c.Register(g.cellLen, opts.MinPoints, opts.Registrar, opts.Debug)
		}
		return g.stats(), nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Workers)
	for _, c := range cells {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			_ = c.Register(g.cellLen, opts.MinPoints, opts.Registrar, opts.Debug)
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return g.stats(), err
}

func (g *Grid) stats() RunStats {
	s := RunStats{Cells: len(g.cells)}
	for _, c := range g.cells {
		switch c.Status {
		case CellRegistered:
			s.Registered++
		case CellIneligible:
			s.Ineligible++
		case CellRegistrationFailed:
			s.Failed++
		case CellSingular:
			s.Singular++
		}
	}
	return s
}
