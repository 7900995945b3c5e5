package atlas

import (
	"fmt"
	"iter"
)

// FieldIterator walks one displacement component over the grid's bounding
// rectangle in row-major order: x varies fastest, then y. Positions whose
// cell has no vector read as NoData. Values are looked up on demand and the
// grid is never modified.
//
// A new iterator is positioned before the first element, ready for Next.
type FieldIterator struct {
	grid   *Grid
	comp   Component
	limits Limits
	pos    int
}

// NewFieldIterator returns an iterator over component c. The grid's limits
// must already be computed.
func NewFieldIterator(g *Grid, c Component) (*FieldIterator, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("field iterator: invalid component %v", c)
	}
	limits, ok := g.Limits()
	if !ok {
		return nil, fmt.Errorf("field iterator: %w", ErrLimitsNotComputed)
	}
	if _, ok := limits.Area(); !ok {
		return nil, fmt.Errorf("field iterator: %w: %dx%d cells", ErrFieldTooLarge, limits.XSize, limits.YSize)
	}
	return &FieldIterator{grid: g, comp: c, limits: limits, pos: -1}, nil
}

// Component returns the axis being iterated.
func (it *FieldIterator) Component() Component {
	return it.comp
}

// Len is the number of positions, XSize*YSize.
func (it *FieldIterator) Len() int {
	return it.limits.Len()
}

// Pos returns the current position, -1 before the first Next.
func (it *FieldIterator) Pos() int {
	return it.pos
}

// Next advances one position and reports whether it is still in range.
func (it *FieldIterator) Next() bool {
	if it.pos < it.Len() {
		it.pos++
	}
	return it.pos < it.Len()
}

// Prev steps back one position and reports whether it is still in range.
func (it *FieldIterator) Prev() bool {
	if it.pos >= 0 {
		it.pos--
	}
	return it.pos >= 0
}

// Seek moves to position p. It panics if p is outside [0, Len()).
func (it *FieldIterator) Seek(p int) {
	it.checkPos(p)
	it.pos = p
}

// Advance moves n positions forward, or backward for negative n.
func (it *FieldIterator) Advance(n int) {
	it.Seek(it.pos + n)
}

// Reset rewinds the iterator to before the first element.
func (it *FieldIterator) Reset() {
	it.pos = -1
}

// Value returns the component at the current position.
func (it *FieldIterator) Value() float64 {
	return it.At(it.pos)
}

// Coords returns the cell index of position p.
func (it *FieldIterator) Coords(p int) (x, y int32) {
	it.checkPos(p)
	return int32(p%it.limits.XSize) + it.limits.XOrigin, int32(p/it.limits.XSize) + it.limits.YOrigin
}

// At returns the component at position p without moving the iterator.
func (it *FieldIterator) At(p int) float64 {
	x, y := it.Coords(p)
	v, ok := it.grid.VectorAt(x, y)
	if !ok {
		return NoData
	}
	switch it.comp {
	case ComponentX:
		return v.X
	case ComponentY:
		return v.Y
	default:
		return v.Z
	}
}

// All yields every (position, value) pair from the start, independent of
// the iterator's current position.
func (it *FieldIterator) All() iter.Seq2[int, float64] {
	return func(yield func(int, float64) bool) {
		for p := 0; p < it.Len(); p++ {
			if !yield(p, it.At(p)) {
				return
			}
		}
	}
}

// Values materializes the whole band.
func (it *FieldIterator) Values() []float64 {
	out := make([]float64, it.Len())
	for p := range out {
		out[p] = it.At(p)
	}
	return out
}

func (it *FieldIterator) checkPos(p int) {
	if p < 0 || p >= it.Len() {
		panic(fmt.Sprintf("field iterator: position %d out of range [0, %d)", p, it.Len()))
	}
}
