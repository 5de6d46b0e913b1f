// Package score rates how reconstructable image pairs and candidate images are.
package score

import (
	"fmt"
	"math"
	"strings"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
)

// Score is a comparable reconstructability value. Higher is better. Support
// is the number of correspondences the value is based on and breaks ties
// between equal values.
type Score struct {
	Value   float64 `json:"value"`
	Support int     `json:"support"`
}

// New returns a score, mapping NaN to negative infinity so scores stay totally ordered.
func New(value float64, support int) Score {
	if math.IsNaN(value) {
		value = math.Inf(-1)
	}
	return Score{Value: value, Support: support}
}

// Less reports whether s ranks below o.
func (s Score) Less(o Score) bool {
	if s.Value != o.Value {
		return s.Value < o.Value
	}
	return s.Support < o.Support
}

// Equal reports whether both scores rank the same.
func (s Score) Equal(o Score) bool {
	return s.Value == o.Value && s.Support == o.Support
}

func (s Score) String() string {
	return fmt.Sprintf("%.4f (%d)", s.Value, s.Support)
}

// PairContext holds the correspondences of two images, in pixels, for their
// common tracks.
type PairContext struct {
	Image1, Image2   sfm.ImageID
	Camera1, Camera2 geometry.Camera
	Points1, Points2 []r2.Point
}

// ImageContext describes a candidate image against the current reconstruction.
type ImageContext struct {
	Image  sfm.ImageID
	Camera geometry.Camera
	// Points are the candidate's observations of tracks with valid 3D points.
	Points []r2.Point
	// Partner pairs the candidate with the registered shot sharing the most
	// valid tracks. It is nil when no shot shares any.
	Partner *PairContext
}

// Scorer rates pairs for bootstrap selection and images for the next
// registration. Implementations must be pure so they can run concurrently.
type Scorer interface {
	Name() string
	ScorePair(p PairContext) Score
	ScoreImage(c ImageContext) Score
}

// Options tune the geometric scorers.
type Options struct {
	// Threshold is the inlier threshold in pixels.
	Threshold float64
	// Iterations caps RANSAC hypotheses.
	Iterations int
	// Seed makes the robust fits reproducible.
	Seed uint64
}

// DefaultOptions returns the scoring options used when none are configured.
func DefaultOptions() Options {
	return Options{Threshold: 4.0, Iterations: 200, Seed: 1}
}

// Scorer names accepted by Lookup.
const (
	NameMatchesCount = "matchescount"
	NameSnavely      = "snavely"
	NameRotationOnly = "rotationonly"
)

// Names lists the known scorer names.
func Names() []string {
	return []string{NameMatchesCount, NameSnavely, NameRotationOnly}
}

// Lookup returns the scorer registered under name, case-insensitively.
// Unknown names fall back to the rotation-only scorer and return a non-empty
// diagnostic for the caller to log.
func Lookup(name string, opts Options) (Scorer, string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameMatchesCount:
		return MatchesCount{}, ""
	case NameSnavely:
		return NewSnavely(opts), ""
	case NameRotationOnly, "rotation_only", "rotation-only":
		return NewRotationOnly(opts), ""
	default:
		return NewRotationOnly(opts), fmt.Sprintf("unknown reconstruction score %q, using %s", name, NameRotationOnly)
	}
}
