package atlas

import "errors"

var (
	// ErrNonFinitePoint is returned by Grid.Insert for NaN or infinite coordinates.
	ErrNonFinitePoint = errors.New("point has non-finite coordinate")

	// ErrCellOutOfRange is returned when a cell index does not fit in int32.
	ErrCellOutOfRange = errors.New("cell index out of int32 range")

	// ErrNoConvergence is returned by a registrar that gave up on a cell.
	ErrNoConvergence = errors.New("registration did not converge")

	// ErrSingularTransform marks a registration result that could not be inverted.
	ErrSingularTransform = errors.New("registration transform is singular")

	// ErrInvalidTransform wraps malformed pre-transform specifications and
	// registration results that are not a finite 4x4 matrix.
	ErrInvalidTransform = errors.New("invalid transform")

	// ErrLimitsNotComputed is returned when the grid bounds are read before CalcLimits.
	ErrLimitsNotComputed = errors.New("grid limits not computed")

	// ErrFieldTooLarge is returned when the bounding rectangle holds more
	// positions than can be addressed or written.
	ErrFieldTooLarge = errors.New("field extent too large")

	// ErrNoResult is returned by a ResultStore that has not seen a run yet.
	ErrNoResult = errors.New("no displacement field available")
)
