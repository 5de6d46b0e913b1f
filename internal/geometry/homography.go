package geometry

import (
	"fmt"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

const homographySampleSize = 4

// HomographyFromPoints estimates H with x2 ~ H·x1 by normalized DLT.
func HomographyFromPoints(x1, x2 []r2.Point) (Mat3, error) {
	if len(x1) != len(x2) || len(x1) < homographySampleSize {
		return Mat3{}, fmt.Errorf("homography needs %d points, got %d: %w",
			homographySampleSize, len(x1), ErrTooFewPoints)
	}
	p1, t1 := normalizePoints(x1)
	p2, t2 := normalizePoints(x2)

	a := mat.NewDense(2*len(p1), 9, nil)
	for i := range p1 {
		x, y := p1[i].X, p1[i].Y
		u, v := p2[i].X, p2[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	h, vals, ok := nullVector(a)
	if !ok {
		return Mat3{}, fmt.Errorf("homography: %w", ErrDegenerate)
	}
	// A rank drop of the design matrix beyond one means collinear samples.
	if len(vals) >= 8 && vals[7] < 1e-10*vals[0] {
		return Mat3{}, fmt.Errorf("homography sample is collinear: %w", ErrDegenerate)
	}
	t2inv, ok := t2.Inverse()
	if !ok {
		return Mat3{}, fmt.Errorf("homography denormalization: %w", ErrDegenerate)
	}
	return t2inv.Mul(fromSlice(h)).Mul(t1), nil
}

// TransferError is the distance between H·p1 and p2.
func TransferError(h Mat3, p1, p2 r2.Point) float64 {
	q, ok := applyHomogeneous(h, p1)
	if !ok {
		return 1e300
	}
	return q.Sub(p2).Norm()
}

// EstimateHomography runs RANSAC over the 4-point solver and returns the best
// model and its inlier mask. opts.Threshold is in the points' units.
func EstimateHomography(x1, x2 []r2.Point, opts RansacOptions) (Mat3, []bool, error) {
	if len(x1) != len(x2) || len(x1) < homographySampleSize {
		return Mat3{}, nil, fmt.Errorf("homography ransac with %d points: %w", len(x1), ErrTooFewPoints)
	}
	opts = opts.withDefaults()
	s := newSampler(opts.Seed, len(x1))
	var (
		best      Mat3
		bestMask  []bool
		bestCount = -1
		sx1       = make([]r2.Point, homographySampleSize)
		sx2       = make([]r2.Point, homographySampleSize)
	)
	limit := opts.Iterations
	for it := 0; it < limit; it++ {
		for i, j := range s.sample(homographySampleSize) {
			sx1[i], sx2[i] = x1[j], x2[j]
		}
		h, err := HomographyFromPoints(sx1, sx2)
		if err != nil {
			continue
		}
		mask := make([]bool, len(x1))
		n := 0
		for i := range x1 {
			if TransferError(h, x1[i], x2[i]) <= opts.Threshold {
				mask[i] = true
				n++
			}
		}
		if n > bestCount {
			best, bestMask, bestCount = h, mask, n
			limit = min(limit, adaptiveIterations(float64(n)/float64(len(x1)), homographySampleSize, opts.Confidence, opts.Iterations))
		}
	}
	if bestCount < homographySampleSize {
		return Mat3{}, nil, fmt.Errorf("homography ransac found no model: %w", ErrDegenerate)
	}
	return best, bestMask, nil
}

// Inverse returns m⁻¹, or false when m is singular.
func (m Mat3) Inverse() (Mat3, bool) {
	det := m.Det()
	if det == 0 || !isFinite(det) {
		return Mat3{}, false
	}
	inv := Mat3{
		{m[1][1]*m[2][2] - m[1][2]*m[2][1], m[0][2]*m[2][1] - m[0][1]*m[2][2], m[0][1]*m[1][2] - m[0][2]*m[1][1]},
		{m[1][2]*m[2][0] - m[1][0]*m[2][2], m[0][0]*m[2][2] - m[0][2]*m[2][0], m[0][2]*m[1][0] - m[0][0]*m[1][2]},
		{m[1][0]*m[2][1] - m[1][1]*m[2][0], m[0][1]*m[2][0] - m[0][0]*m[2][1], m[0][0]*m[1][1] - m[0][1]*m[1][0]},
	}
	return inv.Scale(1 / det), true
}
