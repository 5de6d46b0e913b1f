package score

import (
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/golang/geo/r2"
)

const coverageGrid = 4

// Snavely favours pairs that are poorly explained by a homography, i.e. pairs
// with real parallax, and images whose shared observations cover the frame.
type Snavely struct {
	opts Options
}

// NewSnavely returns a homography-penalized scorer.
func NewSnavely(opts Options) *Snavely {
	return &Snavely{opts: withDefaults(opts)}
}

func (s *Snavely) Name() string { return NameSnavely }

// ScorePair returns n·(1 - r) where r is the homography inlier ratio.
func (s *Snavely) ScorePair(p PairContext) Score {
	n := len(p.Points1)
	ratio := s.homographyRatio(p.Points1, p.Points2)
	return New(float64(n)*(1-ratio), n)
}

// ScoreImage weights the number of shared valid tracks by their image coverage.
func (s *Snavely) ScoreImage(c ImageContext) Score {
	n := len(c.Points)
	return New(float64(n)*coverage(c.Points, c.Camera.Width, c.Camera.Height), n)
}

func (s *Snavely) homographyRatio(x1, x2 []r2.Point) float64 {
	if len(x1) < 4 {
		return 1
	}
	_, mask, err := geometry.EstimateHomography(x1, x2, geometry.RansacOptions{
		Threshold:  s.opts.Threshold,
		Iterations: s.opts.Iterations,
		Seed:       s.opts.Seed,
	})
	if err != nil {
		return 1
	}
	in := 0
	for _, ok := range mask {
		if ok {
			in++
		}
	}
	return float64(in) / float64(len(x1))
}

// coverage is the fraction of grid cells holding at least one point. Without
// image dimensions the bounding box of the points is used.
func coverage(points []r2.Point, width, height int) float64 {
	if len(points) == 0 {
		return 0
	}
	minX, minY := 0.0, 0.0
	maxX, maxY := float64(width), float64(height)
	if width <= 0 || height <= 0 {
		minX, minY = points[0].X, points[0].Y
		maxX, maxY = minX, minY
		for _, p := range points[1:] {
			minX, maxX = min(minX, p.X), max(maxX, p.X)
			minY, maxY = min(minY, p.Y), max(maxY, p.Y)
		}
	}
	w, h := maxX-minX, maxY-minY
	if w <= 0 || h <= 0 {
		return 1.0 / (coverageGrid * coverageGrid)
	}
	var cells [coverageGrid * coverageGrid]bool
	for _, p := range points {
		cx := int((p.X - minX) / w * coverageGrid)
		cy := int((p.Y - minY) / h * coverageGrid)
		cx = min(max(cx, 0), coverageGrid-1)
		cy = min(max(cy, 0), coverageGrid-1)
		cells[cy*coverageGrid+cx] = true
	}
	n := 0
	for _, c := range cells {
		if c {
			n++
		}
	}
	return float64(n) / (coverageGrid * coverageGrid)
}

func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.Iterations <= 0 {
		o.Iterations = d.Iterations
	}
	return o
}
