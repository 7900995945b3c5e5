package atlas

import (
	"fmt"
	"math"
)

// CellKey identifies a grid cell by its integer (x, y) index. The x index is
// stored in the low 32 bits and y in the high 32 bits, so every int32 pair
// maps to a distinct key and back without loss.
type CellKey uint64

// NewCellKey packs a cell index into a key.
func NewCellKey(x, y int32) CellKey {
	return CellKey(uint64(uint32(x)) | uint64(uint32(y))<<32)
}

// MakeCellKey is like NewCellKey but accepts wide indices and rejects any
// that do not fit in int32 instead of truncating them.
func MakeCellKey(x, y int64) (CellKey, error) {
	if x < math.MinInt32 || x > math.MaxInt32 || y < math.MinInt32 || y > math.MaxInt32 {
		return 0, fmt.Errorf("cell index (%d, %d): %w", x, y, ErrCellOutOfRange)
	}
	return NewCellKey(int32(x), int32(y)), nil
}

// X returns the cell's column index.
func (k CellKey) X() int32 {
	return int32(uint32(k))
}

// Y returns the cell's row index.
func (k CellKey) Y() int32 {
	return int32(uint32(k >> 32))
}

func (k CellKey) String() string {
	return fmt.Sprintf("%d/%d", k.X(), k.Y())
}

// less orders keys row-major: by y, then by x.
func (k CellKey) less(o CellKey) bool {
	if k.Y() != o.Y() {
		return k.Y() < o.Y()
	}
	return k.X() < o.X()
}
