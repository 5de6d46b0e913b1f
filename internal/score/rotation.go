package score

import (
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/golang/geo/r3"
)

// RotationOnly rewards motion that a pure rotation cannot explain. The pair
// value is n times the fraction of correspondences that are outliers to the
// best-fitting rotation, so pairs related by rotation alone score near zero.
type RotationOnly struct {
	opts Options
}

// NewRotationOnly returns a rotation-fit scorer.
func NewRotationOnly(opts Options) *RotationOnly {
	return &RotationOnly{opts: withDefaults(opts)}
}

func (r *RotationOnly) Name() string { return NameRotationOnly }

func (r *RotationOnly) ScorePair(p PairContext) Score {
	n := len(p.Points1)
	return New(float64(n)*r.outlierRatio(p), n)
}

// ScoreImage scales the shared valid track count by the translational share of
// the motion between the candidate and its best registered partner.
func (r *RotationOnly) ScoreImage(c ImageContext) Score {
	n := len(c.Points)
	if c.Partner == nil {
		return New(0, n)
	}
	return New(float64(n)*r.outlierRatio(*c.Partner), n)
}

func (r *RotationOnly) outlierRatio(p PairContext) float64 {
	n := len(p.Points1)
	if n < 2 || len(p.Points2) != n {
		return 0
	}
	b1 := make([]r3.Vector, n)
	b2 := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		b1[i] = p.Camera1.Bearing(p.Points1[i])
		b2[i] = p.Camera2.Bearing(p.Points2[i])
	}
	focal := max(p.Camera1.Focal, p.Camera2.Focal)
	thr := r.opts.Threshold
	if focal > 0 {
		thr /= focal
	}
	_, mask, err := geometry.EstimateRotation(b1, b2, geometry.RansacOptions{
		Threshold:  thr,
		Iterations: r.opts.Iterations,
		Seed:       r.opts.Seed,
	})
	if err != nil {
		return 0
	}
	in := 0
	for _, ok := range mask {
		if ok {
			in++
		}
	}
	return 1 - float64(in)/float64(n)
}
