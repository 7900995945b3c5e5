package atlas

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Identity4 returns a new 4x4 identity matrix.
func Identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Translation4 returns a homogeneous translation by t.
func Translation4(t r3.Vector) *mat.Dense {
	m := Identity4()
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return m
}

// RotationZ4 returns a homogeneous rotation of theta radians about the Z axis.
func RotationZ4(theta float64) *mat.Dense {
	m := Identity4()
	sin, cos := math.Sincos(theta)
	m.Set(0, 0, cos)
	m.Set(0, 1, -sin)
	m.Set(1, 0, sin)
	m.Set(1, 1, cos)
	return m
}

// Multiply4 returns a*b.
func Multiply4(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// Invert4 returns the inverse of a 4x4 transform. Singular and numerically
// ill-conditioned matrices are both reported as ErrSingularTransform.
func Invert4(m mat.Matrix) (*mat.Dense, error) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return nil, fmt.Errorf("inverting %dx%d matrix: want 4x4", r, c)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularTransform, err)
	}
	return &inv, nil
}

// TransformVector applies m to the homogeneous point (p, 1) and drops w.
func TransformVector(m mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// TransformPoints applies m to every point and returns a new slice.
func TransformPoints(m mat.Matrix, points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = TransformVector(m, p)
	}
	return out
}

// IsIdentity4 reports whether m equals the identity within tol.
func IsIdentity4(m mat.Matrix, tol float64) bool {
	return mat.EqualApprox(m, Identity4(), tol)
}

// ParseMatrix4 parses 16 whitespace separated numbers, row-major.
func ParseMatrix4(spec string) (*mat.Dense, error) {
	fields := strings.Fields(spec)
	if len(fields) != 16 {
		return nil, fmt.Errorf("%w: each transform must have 16 numeric entries, got %d", ErrInvalidTransform, len(fields))
	}
	vals := make([]float64, 16)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: entry %d (%q) is not a valid numeric value", ErrInvalidTransform, i, f)
		}
		vals[i] = v
	}
	return mat.NewDense(4, 4, vals), nil
}

// LoadTransformSpecs resolves each spec (a literal matrix, or the path of a
// file that contains one) and multiplies them in the order given.
// No specs yields the identity.
func LoadTransformSpecs(specs []string) (*mat.Dense, error) {
	result := Identity4()
	for i, spec := range specs {
		text, err := resolveTransformSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		m, err := ParseMatrix4(text)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		result = Multiply4(result, m)
	}
	return result, nil
}

// resolveTransformSpec returns the file contents when spec names a regular
// file, otherwise spec itself.
func resolveTransformSpec(spec string) (string, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" || strings.ContainsAny(trimmed, " \t\n") {
		return spec, nil
	}
	info, err := os.Stat(trimmed)
	if err != nil || !info.Mode().IsRegular() {
		return spec, nil
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return "", fmt.Errorf("reading transform file: %w", err)
	}
	return string(data), nil
}

// FormatMatrix4 renders m for log output.
func FormatMatrix4(m mat.Matrix) string {
	return fmt.Sprintf("%v", mat.Formatted(m, mat.Prefix("    "), mat.Squeeze()))
}

// pointsToDense lays points out as an Nx3 matrix in slice order.
func pointsToDense(points []r3.Vector) *mat.Dense {
	data := make([]float64, 0, len(points)*3)
	for _, p := range points {
		data = append(data, p.X, p.Y, p.Z)
	}
	return mat.NewDense(len(points), 3, data)
}

// denseToPoints is the inverse of pointsToDense.
func denseToPoints(m mat.Matrix) []r3.Vector {
	rows, _ := m.Dims()
	points := make([]r3.Vector, rows)
	for i := range points {
		points[i] = r3.Vector{X: m.At(i, 0), Y: m.At(i, 1), Z: m.At(i, 2)}
	}
	return points
}
