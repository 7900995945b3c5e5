package atlas

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// terrainCloud scatters n points over a size x size square at origin with a
// smooth, non-planar surface so registration is fully constrained.
func terrainCloud(origin r3.Vector, n int, size float64, rng *rand.Rand) []r3.Vector {
	points := make([]r3.Vector, 0, n)
	for i := 0; i < n; i++ {
		x := rng.Float64() * size
		y := rng.Float64() * size
		z := 5*math.Sin(x/9) + 3*math.Cos(y/13) + 0.02*x*y/size
		points = append(points, origin.Add(r3.Vector{X: x, Y: y, Z: z}))
	}
	return points
}

func shift(points []r3.Vector, d r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = p.Add(d)
	}
	return out
}

// fixedRegistrar returns the same transform for every cell and counts calls.
type fixedRegistrar struct {
	transform *mat.Dense
	calls     int
}

func (f *fixedRegistrar) Register(_, _ *mat.Dense) (*mat.Dense, error) {
	f.calls++
	return mat.DenseCopyOf(f.transform), nil
}

func quietLogs() func() {
	prev := Logf
	SetLogger(nil)
	return func() { Logf = prev }
}
