package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const resectionSampleSize = 6

// ResectionOptions configures absolute pose estimation.
type ResectionOptions struct {
	Ransac RansacOptions
	// MinInliers is the least number of inliers an accepted pose needs.
	MinInliers int
	// Refine enables the nonlinear polish on the inlier set.
	Refine bool
}

// ResectionResult is the estimated pose with its inlier support.
type ResectionResult struct {
	Pose    Pose
	Inliers []bool
	Count   int
	// MeanError is the mean pixel reprojection error over the inliers.
	MeanError float64
}

// PoseFromPoints solves the linear PnP problem from at least six 2D-3D
// correspondences given in normalized image coordinates.
func PoseFromPoints(points []r3.Vector, normalized []r2.Point) (Pose, error) {
	if len(points) != len(normalized) || len(points) < resectionSampleSize {
		return Pose{}, fmt.Errorf("pnp needs %d points, got %d: %w", resectionSampleSize, len(points), ErrTooFewPoints)
	}

	// Condition the 3D points: centroid at origin, mean distance sqrt(3).
	var c r3.Vector
	for _, p := range points {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(points)))
	var spread float64
	for _, p := range points {
		spread += p.Sub(c).Norm()
	}
	spread /= float64(len(points))
	if spread < 1e-12 {
		return Pose{}, fmt.Errorf("pnp points coincide: %w", ErrDegenerate)
	}
	s := math.Sqrt(3) / spread

	a := mat.NewDense(2*len(points), 12, nil)
	for i, p := range points {
		q := p.Sub(c).Mul(s)
		x, y := normalized[i].X, normalized[i].Y
		a.SetRow(2*i, []float64{q.X, q.Y, q.Z, 1, 0, 0, 0, 0, -x * q.X, -x * q.Y, -x * q.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q.X, q.Y, q.Z, 1, -y * q.X, -y * q.Y, -y * q.Z, -y})
	}
	v, vals, ok := nullVector(a)
	if !ok {
		return Pose{}, fmt.Errorf("pnp: %w", ErrDegenerate)
	}
	if len(vals) >= 11 && vals[10] < 1e-9*vals[0] {
		return Pose{}, fmt.Errorf("pnp design matrix is rank deficient: %w", ErrDegenerate)
	}

	// Undo the conditioning: P = P'·T with T = [sI, -s·c; 0, 1].
	m := Mat3{
		{v[0] * s, v[1] * s, v[2] * s},
		{v[4] * s, v[5] * s, v[6] * s},
		{v[8] * s, v[9] * s, v[10] * s},
	}
	p4 := r3.Vector{X: v[3], Y: v[7], Z: v[11]}
	p4 = p4.Sub(m.MulVec(c))

	if m.Det() < 0 {
		m = m.Scale(-1)
		p4 = p4.Mul(-1)
	}
	u, sv, w, ok := svd3(m)
	if !ok {
		return Pose{}, fmt.Errorf("pnp rotation: %w", ErrDegenerate)
	}
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale < 1e-12 {
		return Pose{}, fmt.Errorf("pnp scale: %w", ErrDegenerate)
	}
	r := u.Mul(w.T())
	if r.Det() < 0 {
		return Pose{}, fmt.Errorf("pnp reflection: %w", ErrDegenerate)
	}
	return NewPose(r, p4.Mul(1/scale)), nil
}

// Resect estimates a camera pose from 2D pixel observations of known 3D points
// using RANSAC over the linear solver, then optionally polishes the pose on the
// inliers by minimizing squared reprojection error.
func Resect(points []r3.Vector, pixels []r2.Point, cam Camera, opts ResectionOptions) (ResectionResult, error) {
	if len(points) != len(pixels) || len(points) < resectionSampleSize {
		return ResectionResult{}, fmt.Errorf("resection with %d correspondences: %w", len(points), ErrTooFewPoints)
	}
	ro := opts.Ransac.withDefaults()
	minInliers := max(opts.MinInliers, resectionSampleSize)

	normalized := make([]r2.Point, len(pixels))
	for i, px := range pixels {
		normalized[i] = cam.Normalize(px)
	}

	score := func(p Pose) ([]bool, int) {
		mask := make([]bool, len(points))
		n := 0
		for i := range points {
			if p.ReprojectionError(cam, points[i], pixels[i]) <= ro.Threshold {
				mask[i] = true
				n++
			}
		}
		return mask, n
	}

	s := newSampler(ro.Seed, len(points))
	var (
		best      Pose
		bestMask  []bool
		bestCount = -1
		degens    int
		sp        = make([]r3.Vector, resectionSampleSize)
		sn        = make([]r2.Point, resectionSampleSize)
	)
	limit := ro.Iterations
	for it := 0; it < limit; it++ {
		for i, j := range s.sample(resectionSampleSize) {
			sp[i], sn[i] = points[j], normalized[j]
		}
		p, err := PoseFromPoints(sp, sn)
		if err != nil {
			degens++
			continue
		}
		mask, n := score(p)
		if n > bestCount {
			best, bestMask, bestCount = p, mask, n
			limit = min(limit, adaptiveIterations(float64(n)/float64(len(points)), resectionSampleSize, ro.Confidence, ro.Iterations))
		}
	}
	if bestCount < 0 {
		return ResectionResult{}, fmt.Errorf("resection: all %d samples degenerate: %w", degens, ErrDegenerate)
	}

	if bestCount >= resectionSampleSize {
		ip, in := selectCorrespondences(points, normalized, bestMask)
		if p, err := PoseFromPoints(ip, in); err == nil {
			if mask, n := score(p); n >= bestCount {
				best, bestMask, bestCount = p, mask, n
			}
		}
	}

	if opts.Refine && bestCount >= resectionSampleSize {
		ip, ipx := selectCorrespondences(points, pixels, bestMask)
		if p, ok := RefinePose(best, cam, ip, ipx); ok {
			if mask, n := score(p); n >= bestCount {
				best, bestMask, bestCount = p, mask, n
			}
		}
	}

	if bestCount < minInliers {
		return ResectionResult{}, fmt.Errorf("resection found %d inliers, need %d: %w", bestCount, minInliers, ErrTooFewPoints)
	}

	var sum float64
	for i, ok := range bestMask {
		if ok {
			sum += best.ReprojectionError(cam, points[i], pixels[i])
		}
	}
	return ResectionResult{
		Pose:      best,
		Inliers:   bestMask,
		Count:     bestCount,
		MeanError: sum / float64(bestCount),
	}, nil
}

// RefinePose minimizes the summed squared reprojection error over the six pose
// parameters starting from init. It reports false when the optimizer made no
// improvement.
func RefinePose(init Pose, cam Camera, points []r3.Vector, pixels []r2.Point) (Pose, bool) {
	unpack := func(x []float64) Pose {
		return Pose{
			Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
			Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
		}
	}
	cost := func(x []float64) float64 {
		p := unpack(x)
		var sum float64
		for i := range points {
			proj, ok := p.Project(cam, points[i])
			if !ok {
				return math.Inf(1)
			}
			d := proj.Sub(pixels[i])
			sum += d.X*d.X + d.Y*d.Y
		}
		return sum
	}

	x0 := []float64{
		init.Rotation.X, init.Rotation.Y, init.Rotation.Z,
		init.Translation.X, init.Translation.Y, init.Translation.Z,
	}
	f0 := cost(x0)
	if !isFinite(f0) {
		return init, false
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-9,
		MajorIterations:   100,
	}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if err != nil && res == nil {
		return init, false
	}
	if !isFinite(res.F) || res.F >= f0 {
		return init, false
	}
	return unpack(res.X), true
}

func selectCorrespondences(points []r3.Vector, pts []r2.Point, mask []bool) ([]r3.Vector, []r2.Point) {
	var a []r3.Vector
	var b []r2.Point
	for i, ok := range mask {
		if ok {
			a = append(a, points[i])
			b = append(b, pts[i])
		}
	}
	return a, b
}
