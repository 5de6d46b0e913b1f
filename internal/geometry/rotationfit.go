package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

const rotationSampleSize = 2

// RotationFromBearings finds R minimizing Σ|b2 - R·b1|² (Kabsch).
func RotationFromBearings(b1, b2 []r3.Vector) (Mat3, error) {
	if len(b1) != len(b2) || len(b1) < rotationSampleSize {
		return Mat3{}, fmt.Errorf("rotation fit needs %d bearings, got %d: %w",
			rotationSampleSize, len(b1), ErrTooFewPoints)
	}
	var h Mat3
	for i := range b1 {
		a, b := b1[i], b2[i]
		h[0][0] += b.X * a.X
		h[0][1] += b.X * a.Y
		h[0][2] += b.X * a.Z
		h[1][0] += b.Y * a.X
		h[1][1] += b.Y * a.Y
		h[1][2] += b.Y * a.Z
		h[2][0] += b.Z * a.X
		h[2][1] += b.Z * a.Y
		h[2][2] += b.Z * a.Z
	}
	u, s, v, ok := svd3(h)
	if !ok || s[1] < 1e-12 {
		return Mat3{}, fmt.Errorf("rotation fit: %w", ErrDegenerate)
	}
	d := Identity3()
	if u.Mul(v.T()).Det() < 0 {
		d[2][2] = -1
	}
	return u.Mul(d).Mul(v.T()), nil
}

// EstimateRotation fits a pure rotation between two bearing sets with RANSAC.
// opts.Threshold is an angle in radians.
func EstimateRotation(b1, b2 []r3.Vector, opts RansacOptions) (Mat3, []bool, error) {
	if len(b1) != len(b2) || len(b1) < rotationSampleSize {
		return Mat3{}, nil, fmt.Errorf("rotation ransac with %d bearings: %w", len(b1), ErrTooFewPoints)
	}
	opts = opts.withDefaults()
	cosThr := math.Cos(opts.Threshold)
	s := newSampler(opts.Seed, len(b1))
	var (
		best      Mat3
		bestMask  []bool
		bestCount = -1
		sb1       = make([]r3.Vector, rotationSampleSize)
		sb2       = make([]r3.Vector, rotationSampleSize)
	)
	limit := opts.Iterations
	for it := 0; it < limit; it++ {
		for i, j := range s.sample(rotationSampleSize) {
			sb1[i], sb2[i] = b1[j], b2[j]
		}
		r, err := RotationFromBearings(sb1, sb2)
		if err != nil {
			continue
		}
		mask := make([]bool, len(b1))
		n := 0
		for i := range b1 {
			if r.MulVec(b1[i]).Dot(b2[i]) >= cosThr {
				mask[i] = true
				n++
			}
		}
		if n > bestCount {
			best, bestMask, bestCount = r, mask, n
			limit = min(limit, adaptiveIterations(float64(n)/float64(len(b1)), rotationSampleSize, opts.Confidence, opts.Iterations))
		}
	}
	if bestCount < 0 {
		return Mat3{}, nil, fmt.Errorf("rotation ransac found no model: %w", ErrDegenerate)
	}
	return best, bestMask, nil
}
