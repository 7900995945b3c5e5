package atlas

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Registrar estimates the rigid transform that maps moving onto fixed. Both
// inputs are Nx3 matrices of points, one point per row. The result is a 4x4
// homogeneous matrix. Implementations must be safe for concurrent use and
// must return an error rather than block when they cannot converge.
type Registrar interface {
	Register(fixed, moving *mat.Dense) (*mat.Dense, error)
}

// RegistrarFunc adapts a plain function to the Registrar interface.
type RegistrarFunc func(fixed, moving *mat.Dense) (*mat.Dense, error)

// Register calls f(fixed, moving).
func (f RegistrarFunc) Register(fixed, moving *mat.Dense) (*mat.Dense, error) {
	return f(fixed, moving)
}

// IdentityRegistrar always reports that the scans are already aligned.
var IdentityRegistrar Registrar = RegistrarFunc(func(_, _ *mat.Dense) (*mat.Dense, error) {
	return Identity4(), nil
})

// ICPConfig holds configuration for the ICP algorithm.
// Distances are in the units of the input clouds.
type ICPConfig struct {
	MaxIterations      int     // Maximum number of iterations
	ConvergenceThresh  float64 // Stop when RMS improvement is below this
	MaxCorrespondDist  float64 // Ignore pairs farther apart than this (0 = unbounded)
	SamplePoints       int     // Moving points used per iteration (0 = all)
	OutlierPercentile  float64 // Keep correspondences up to this distance percentile (0-1)
	MinCorrespondences int     // Give up when fewer pairs survive
}

// DefaultICPConfig returns sensible defaults for ICP on terrain cells.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:      50,
		ConvergenceThresh:  1e-4,
		MaxCorrespondDist:  0,
		SamplePoints:       2000,
		OutlierPercentile:  0.9, // Drop the farthest 10% of pairs
		MinCorrespondences: 3,
	}
}

// ICPResult contains the result of ICP alignment
type ICPResult struct {
	Transform      *mat.Dense // moving -> fixed
	Error          float64    // Final RMS distance of kept correspondences
	InlierFraction float64    // Fraction of sampled points kept in the last iteration
	Iterations     int        // Number of iterations performed
	Converged      bool       // Whether the algorithm converged
}

// RigidICP is a point-to-point ICP registrar. It holds no mutable state.
type RigidICP struct {
	config ICPConfig
}

// NewRigidICP returns a registrar using config.
func NewRigidICP(config ICPConfig) *RigidICP {
	defaults := DefaultICPConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.ConvergenceThresh <= 0 {
		config.ConvergenceThresh = defaults.ConvergenceThresh
	}
	if config.MinCorrespondences < 3 {
		config.MinCorrespondences = 3
	}
	if config.OutlierPercentile <= 0 {
		config.OutlierPercentile = 1
	}
	return &RigidICP{config: config}
}

// Config returns the registrar's settings.
func (r *RigidICP) Config() ICPConfig {
	return r.config
}

// Register implements Registrar.
func (r *RigidICP) Register(fixed, moving *mat.Dense) (*mat.Dense, error) {
	result := r.Align(denseToPoints(fixed), denseToPoints(moving))
	if !result.Converged {
		return nil, fmt.Errorf("%w after %d iterations (rms %.4g)", ErrNoConvergence, result.Iterations, result.Error)
	}
	return result.Transform, nil
}

// Align runs ICP moving source onto target, starting from the identity.
func (r *RigidICP) Align(target, source []r3.Vector) ICPResult {
	result := ICPResult{
		Transform: Identity4(),
		Error:     math.MaxFloat64,
	}
	if len(target) < r.config.MinCorrespondences || len(source) < r.config.MinCorrespondences {
		return result
	}

	tree := buildTree(target)
	sourcePoints := samplePointSlice(source, r.config.SamplePoints)

	currentTransform := Identity4()
	prevError := math.Inf(1)

	for iter := 0; iter < r.config.MaxIterations; iter++ {
		result.Iterations = iter + 1

		// Transform source points with current estimate
		transformed := TransformPoints(currentTransform, sourcePoints)

		srcCorr, tgtCorr, distances := findCorrespondences(tree, transformed, r.config.MaxCorrespondDist)
		if len(srcCorr) < r.config.MinCorrespondences {
			break
		}

		// Reject outliers based on distance percentile
		srcCorr, tgtCorr, distances = rejectOutliers(srcCorr, tgtCorr, distances, r.config.OutlierPercentile)
		if len(srcCorr) < r.config.MinCorrespondences {
			break
		}

		currentError := rms(distances)
		result.Error = currentError
		result.InlierFraction = float64(len(srcCorr)) / float64(len(sourcePoints))

		// Check convergence
		improvement := prevError - currentError
		if math.Abs(improvement) < r.config.ConvergenceThresh {
			result.Converged = true
			break
		}

		// Check for severe divergence
		if currentError > prevError*1.5+r.config.ConvergenceThresh {
			break
		}

		incremental, err := CalculateRigidTransform(srcCorr, tgtCorr)
		if err != nil {
			break
		}

		// Compose: new = incremental * current
		currentTransform = Multiply4(incremental, currentTransform)
		result.Transform = currentTransform
		prevError = currentError
	}

	return result
}

// CalculateRigidTransform returns the least-squares rotation and translation
// mapping src onto tgt (Kabsch). Reflections are corrected so the result is
// always a proper rotation.
func CalculateRigidTransform(src, tgt []r3.Vector) (*mat.Dense, error) {
	if len(src) != len(tgt) {
		return nil, fmt.Errorf("rigid fit: %d source points vs %d target points", len(src), len(tgt))
	}
	if len(src) < 3 {
		return nil, fmt.Errorf("rigid fit: need at least 3 pairs, got %d", len(src))
	}

	srcCentroid := centroid(src)
	tgtCentroid := centroid(tgt)

	// Cross-covariance of the centred point sets
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(srcCentroid)
		t := tgt[i].Sub(tgtCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, fmt.Errorf("rigid fit: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	rotated := r3.Vector{
		X: rot.At(0, 0)*srcCentroid.X + rot.At(0, 1)*srcCentroid.Y + rot.At(0, 2)*srcCentroid.Z,
		Y: rot.At(1, 0)*srcCentroid.X + rot.At(1, 1)*srcCentroid.Y + rot.At(1, 2)*srcCentroid.Z,
		Z: rot.At(2, 0)*srcCentroid.X + rot.At(2, 1)*srcCentroid.Y + rot.At(2, 2)*srcCentroid.Z,
	}
	t := tgtCentroid.Sub(rotated)

	out := Identity4()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, rot.At(r, c))
		}
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out, nil
}

// buildTree indexes points for nearest-neighbour queries. kdtree.New
// reorders its input, so the tree gets its own slice.
func buildTree(points []r3.Vector) *kdtree.Tree {
	pts := make(kdtree.Points, len(points))
	for i, p := range points {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	return kdtree.New(pts, false)
}

// findCorrespondences pairs every source point with its nearest target
// point, skipping pairs beyond maxDist when maxDist > 0.
func findCorrespondences(tree *kdtree.Tree, source []r3.Vector, maxDist float64) (srcCorr, tgtCorr []r3.Vector, distances []float64) {
	maxDistSq := maxDist * maxDist
	for _, s := range source {
		nearest, distSq := tree.Nearest(kdtree.Point{s.X, s.Y, s.Z})
		if nearest == nil {
			continue
		}
		if maxDist > 0 && distSq > maxDistSq {
			continue
		}
		n := nearest.(kdtree.Point)
		srcCorr = append(srcCorr, s)
		tgtCorr = append(tgtCorr, r3.Vector{X: n[0], Y: n[1], Z: n[2]})
		distances = append(distances, math.Sqrt(distSq))
	}
	return srcCorr, tgtCorr, distances
}

// rejectOutliers keeps pairs whose distance is at or below the given percentile.
func rejectOutliers(srcCorr, tgtCorr []r3.Vector, distances []float64, percentile float64) ([]r3.Vector, []r3.Vector, []float64) {
	if len(distances) == 0 || percentile >= 1.0 {
		return srcCorr, tgtCorr, distances
	}

	// Find threshold distance at percentile
	sortedDists := make([]float64, len(distances))
	copy(sortedDists, distances)
	sort.Float64s(sortedDists)

	idx := int(float64(len(sortedDists)) * percentile)
	if idx >= len(sortedDists) {
		idx = len(sortedDists) - 1
	}
	threshold := sortedDists[idx]

	var filteredSrc, filteredTgt []r3.Vector
	var filteredDists []float64
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
			filteredDists = append(filteredDists, d)
		}
	}

	return filteredSrc, filteredTgt, filteredDists
}

// samplePointSlice takes an evenly strided subset of at most max points.
func samplePointSlice(points []r3.Vector, max int) []r3.Vector {
	if max <= 0 || len(points) <= max {
		return points
	}
	step := float64(len(points)) / float64(max)
	sampled := make([]r3.Vector, 0, max)
	for i := 0; i < max; i++ {
		sampled = append(sampled, points[int(float64(i)*step)])
	}
	return sampled
}

func centroid(points []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

func rms(distances []float64) float64 {
	if len(distances) == 0 {
		return 0
	}
	var sum float64
	for _, d := range distances {
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(distances)))
}
