package reconstruct

import (
	"errors"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/ranker"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// State is the lifecycle stage of a reconstruction.
type State int

const (
	StateEmpty State = iota
	StateBootstrapped
	StateGrowing
	StateConverged
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBootstrapped:
		return "bootstrapped"
	case StateGrowing:
		return "growing"
	case StateConverged:
		return "converged"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("invalid reconstruction state")

// Stop reasons recorded in the report.
const (
	StopNoCandidates  = "no_eligible_candidates"
	StopMaxIterations = "max_iterations"
	StopTimeBudget    = "time_budget"
	StopCanceled      = "canceled"
)

// Options configure a reconstruction run.
type Options struct {
	// Bootstrap forces the initial pair. Both ids must be set to take effect.
	Bootstrap [2]sfm.ImageID

	MinBootstrapInliers int
	MinSharedTracks     int
	MinResectionInliers int
	// OutlierThreshold is the reprojection error in pixels above which
	// correspondences are outliers and points are invalidated.
	OutlierThreshold float64
	// MinTriangulationAngle is in degrees.
	MinTriangulationAngle float64
	// MaxIterations bounds the growing rounds; 0 means unlimited.
	MaxIterations int
	// TimeBudget bounds the run time; 0 means unlimited.
	TimeBudget time.Duration

	RansacIterations int
	Seed             uint64
	// Workers is the scoring parallelism of the candidate ranker.
	Workers int
}

// DefaultOptions returns the run defaults.
func DefaultOptions() Options {
	return Options{
		MinBootstrapInliers:   30,
		MinSharedTracks:       ranker.DefaultMinSharedTracks,
		MinResectionInliers:   10,
		OutlierThreshold:      4.0,
		MinTriangulationAngle: 1.0,
		RansacIterations:      1000,
		Seed:                  1,
		Workers:               4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinBootstrapInliers <= 0 {
		o.MinBootstrapInliers = d.MinBootstrapInliers
	}
	if o.MinSharedTracks <= 0 {
		o.MinSharedTracks = d.MinSharedTracks
	}
	if o.MinResectionInliers <= 0 {
		o.MinResectionInliers = d.MinResectionInliers
	}
	if o.OutlierThreshold <= 0 {
		o.OutlierThreshold = d.OutlierThreshold
	}
	if o.MinTriangulationAngle <= 0 {
		o.MinTriangulationAngle = d.MinTriangulationAngle
	}
	if o.RansacIterations <= 0 {
		o.RansacIterations = d.RansacIterations
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	return o
}

func (o Options) ransac(threshold float64, round int) geometry.RansacOptions {
	return geometry.RansacOptions{
		Threshold:  threshold,
		Iterations: o.RansacIterations,
		Seed:       o.Seed + uint64(round)*7919,
	}
}

// errorKind maps an error to its report label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, sfm.ErrInsufficientCorrespondences):
		return "insufficient_correspondences"
	case errors.Is(err, sfm.ErrDegenerateGeometry):
		return "degenerate_geometry"
	case errors.Is(err, sfm.ErrOptimizerDivergence):
		return "optimizer_divergence"
	case errors.Is(err, bundle.ErrInvalidProblem):
		return "invalid_problem"
	default:
		return "error"
	}
}
