package geometry

import (
	"math"
	"math/rand/v2"
)

// RansacOptions controls the robust estimators.
type RansacOptions struct {
	// Threshold is the inlier threshold in the estimator's native units.
	Threshold float64
	// Iterations caps the number of hypotheses.
	Iterations int
	// Confidence stops sampling early once this probability of an
	// outlier-free sample is reached.
	Confidence float64
	// Seed makes sampling reproducible.
	Seed uint64
}

// DefaultRansacOptions returns the options used when none are given.
func DefaultRansacOptions() RansacOptions {
	return RansacOptions{
		Threshold:  4.0,
		Iterations: 500,
		Confidence: 0.999,
		Seed:       1,
	}
}

func (o RansacOptions) withDefaults() RansacOptions {
	d := DefaultRansacOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.Iterations <= 0 {
		o.Iterations = d.Iterations
	}
	if o.Confidence <= 0 || o.Confidence >= 1 {
		o.Confidence = d.Confidence
	}
	return o
}

type sampler struct {
	rng *rand.Rand
	buf []int
}

func newSampler(seed uint64, n int) *sampler {
	buf := make([]int, n)
	for i := range buf {
		buf[i] = i
	}
	return &sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), buf: buf}
}

// sample returns k distinct indices via a partial Fisher-Yates shuffle.
func (s *sampler) sample(k int) []int {
	n := len(s.buf)
	for i := 0; i < k; i++ {
		j := i + s.rng.IntN(n-i)
		s.buf[i], s.buf[j] = s.buf[j], s.buf[i]
	}
	out := make([]int, k)
	copy(out, s.buf[:k])
	return out
}

// adaptiveIterations returns the number of samples needed to draw an
// all-inlier sample of size k with the given confidence.
func adaptiveIterations(inlierRatio float64, k int, confidence float64, limit int) int {
	if inlierRatio <= 0 {
		return limit
	}
	if inlierRatio >= 1 {
		return 1
	}
	p := math.Pow(inlierRatio, float64(k))
	if p <= 0 {
		return limit
	}
	n := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(n) || n > float64(limit) {
		return limit
	}
	return max(1, int(math.Ceil(n)))
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
