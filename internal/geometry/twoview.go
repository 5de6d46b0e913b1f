package geometry

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const essentialSampleSize = 8

// TwoViewResult is the relative pose of a second camera with respect to a first
// camera at the origin. Translation has unit length.
type TwoViewResult struct {
	Pose    Pose
	Inliers []bool
	// InFront is the number of inliers triangulated in front of both cameras.
	InFront int
	// MedianAngle is the median triangulation angle of those points, in radians.
	MedianAngle float64
}

// EssentialFromPoints estimates E from at least eight normalized
// correspondences with the normalized 8-point algorithm, so that x2ᵀ·E·x1 = 0.
func EssentialFromPoints(x1, x2 []r2.Point) (Mat3, error) {
	if len(x1) != len(x2) || len(x1) < essentialSampleSize {
		return Mat3{}, fmt.Errorf("essential matrix needs %d points, got %d: %w",
			essentialSampleSize, len(x1), ErrTooFewPoints)
	}
	p1, t1 := normalizePoints(x1)
	p2, t2 := normalizePoints(x2)

	a := mat.NewDense(len(p1), 9, nil)
	for i := range p1 {
		u1, v1 := p1[i].X, p1[i].Y
		u2, v2 := p2[i].X, p2[i].Y
		a.SetRow(i, []float64{u2 * u1, u2 * v1, u2, v2 * u1, v2 * v1, v2, u1, v1, 1})
	}
	e, _, ok := nullVector(a)
	if !ok {
		return Mat3{}, fmt.Errorf("essential matrix: %w", ErrDegenerate)
	}
	en := t2.T().Mul(fromSlice(e)).Mul(t1)

	u, s, v, ok := svd3(en)
	if !ok {
		return Mat3{}, fmt.Errorf("essential matrix projection: %w", ErrDegenerate)
	}
	sigma := (s[0] + s[1]) / 2
	if sigma < 1e-12 {
		return Mat3{}, fmt.Errorf("essential matrix rank: %w", ErrDegenerate)
	}
	d := Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 0}}
	return u.Mul(d).Mul(v.T()), nil
}

// SampsonError is the first-order geometric error of a correspondence under E,
// in squared normalized units.
func SampsonError(e Mat3, p1, p2 r2.Point) float64 {
	x1 := r3.Vector{X: p1.X, Y: p1.Y, Z: 1}
	x2 := r3.Vector{X: p2.X, Y: p2.Y, Z: 1}
	ex1 := e.MulVec(x1)
	etx2 := e.T().MulVec(x2)
	num := x2.Dot(ex1)
	den := ex1.X*ex1.X + ex1.Y*ex1.Y + etx2.X*etx2.X + etx2.Y*etx2.Y
	if den < 1e-24 {
		return math.Inf(1)
	}
	return num * num / den
}

// DecomposeEssential returns the four (R, t) candidates encoded by E.
func DecomposeEssential(e Mat3) ([4]Mat3, [4]r3.Vector, error) {
	u, _, v, ok := svd3(e)
	if !ok {
		return [4]Mat3{}, [4]r3.Vector{}, fmt.Errorf("decompose essential: %w", ErrDegenerate)
	}
	if u.Det() < 0 {
		u = u.Scale(-1)
	}
	if v.Det() < 0 {
		v = v.Scale(-1)
	}
	w := Mat3{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	r1 := u.Mul(w).Mul(v.T())
	r2m := u.Mul(w.T()).Mul(v.T())
	t := r3.Vector{X: u[0][2], Y: u[1][2], Z: u[2][2]}.Normalize()
	return [4]Mat3{r1, r1, r2m, r2m}, [4]r3.Vector{t, t.Mul(-1), t, t.Mul(-1)}, nil
}

// EstimateEssential runs RANSAC over the 8-point solver. Points are normalized
// image coordinates and opts.Threshold is in normalized units.
func EstimateEssential(x1, x2 []r2.Point, opts RansacOptions) (Mat3, []bool, error) {
	if len(x1) != len(x2) || len(x1) < essentialSampleSize {
		return Mat3{}, nil, fmt.Errorf("essential ransac with %d points: %w", len(x1), ErrTooFewPoints)
	}
	opts = opts.withDefaults()
	thr2 := opts.Threshold * opts.Threshold

	s := newSampler(opts.Seed, len(x1))
	var (
		best      Mat3
		bestMask  []bool
		bestCount = -1
		sx1       = make([]r2.Point, essentialSampleSize)
		sx2       = make([]r2.Point, essentialSampleSize)
	)
	limit := opts.Iterations
	for it := 0; it < limit; it++ {
		idx := s.sample(essentialSampleSize)
		for i, j := range idx {
			sx1[i], sx2[i] = x1[j], x2[j]
		}
		e, err := EssentialFromPoints(sx1, sx2)
		if err != nil {
			continue
		}
		mask := make([]bool, len(x1))
		n := 0
		for i := range x1 {
			if SampsonError(e, x1[i], x2[i]) <= thr2 {
				mask[i] = true
				n++
			}
		}
		if n > bestCount {
			best, bestMask, bestCount = e, mask, n
			limit = min(limit, adaptiveIterations(float64(n)/float64(len(x1)), essentialSampleSize, opts.Confidence, opts.Iterations))
		}
	}
	if bestCount < essentialSampleSize {
		return Mat3{}, nil, fmt.Errorf("essential ransac found %d inliers: %w", max(bestCount, 0), ErrTooFewPoints)
	}

	// Refit on all inliers and keep the refit if it does not lose support.
	in1, in2 := selectPoints(x1, x2, bestMask)
	if e, err := EssentialFromPoints(in1, in2); err == nil {
		mask := make([]bool, len(x1))
		n := 0
		for i := range x1 {
			if SampsonError(e, x1[i], x2[i]) <= thr2 {
				mask[i] = true
				n++
			}
		}
		if n >= bestCount {
			best, bestMask = e, mask
		}
	}
	return best, bestMask, nil
}

// RelativePose estimates the pose of the second camera from normalized
// correspondences and resolves the fourfold ambiguity by cheirality.
func RelativePose(x1, x2 []r2.Point, opts RansacOptions) (TwoViewResult, error) {
	e, mask, err := EstimateEssential(x1, x2, opts)
	if err != nil {
		return TwoViewResult{}, err
	}
	rs, ts, err := DecomposeEssential(e)
	if err != nil {
		return TwoViewResult{}, err
	}

	identity := Pose{}
	var (
		best       TwoViewResult
		bestFront  = -1
		bestAngles []float64
	)
	for k := 0; k < 4; k++ {
		cand := NewPose(rs[k], ts[k])
		front := 0
		var angles []float64
		for i := range x1 {
			if !mask[i] {
				continue
			}
			x, ok := Triangulate([]View{{Pose: identity, Point: x1[i]}, {Pose: cand, Point: x2[i]}})
			if !ok {
				continue
			}
			if identity.Depth(x) > 0 && cand.Depth(x) > 0 {
				front++
				angles = append(angles, RayAngle(identity.Center(), cand.Center(), x))
			}
		}
		if front > bestFront {
			bestFront = front
			bestAngles = angles
			best = TwoViewResult{Pose: cand, Inliers: mask, InFront: front}
		}
	}
	if bestFront < essentialSampleSize {
		return TwoViewResult{}, fmt.Errorf("only %d points in front of both cameras: %w", bestFront, ErrDegenerate)
	}
	sort.Float64s(bestAngles)
	best.MedianAngle = bestAngles[len(bestAngles)/2]
	return best, nil
}

func selectPoints(x1, x2 []r2.Point, mask []bool) ([]r2.Point, []r2.Point) {
	var a, b []r2.Point
	for i, ok := range mask {
		if ok {
			a = append(a, x1[i])
			b = append(b, x2[i])
		}
	}
	return a, b
}
