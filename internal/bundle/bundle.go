// Package bundle refines camera poses and 3D points jointly by minimizing
// reprojection error.
package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// ErrInvalidProblem is returned for problems that reference missing cameras or points.
var ErrInvalidProblem = errors.New("invalid bundle problem")

// Camera is one shot in a problem. Fixed cameras anchor the gauge and are not refined.
type Camera struct {
	Image  sfm.ImageID
	Camera geometry.Camera
	Pose   geometry.Pose
	Fixed  bool
}

// Point is one 3D point in a problem.
type Point struct {
	Track    sfm.TrackID
	Position r3.Vector
}

// Observation links a camera and a point by index to a measured pixel.
type Observation struct {
	Camera int
	Point  int
	Pixel  r2.Point
}

// Problem is the input of an adjustment.
type Problem struct {
	Cameras      []Camera
	Points       []Point
	Observations []Observation
	// OutlierThreshold is the pixel scale of the robust loss.
	OutlierThreshold float64
}

// Validate checks index ranges.
func (p *Problem) Validate() error {
	for i, o := range p.Observations {
		if o.Camera < 0 || o.Camera >= len(p.Cameras) {
			return fmt.Errorf("observation %d references camera %d: %w", i, o.Camera, ErrInvalidProblem)
		}
		if o.Point < 0 || o.Point >= len(p.Points) {
			return fmt.Errorf("observation %d references point %d: %w", i, o.Point, ErrInvalidProblem)
		}
	}
	return nil
}

// Result holds the refined parameters in problem order.
type Result struct {
	Poses  []geometry.Pose
	Points []r3.Vector
	// Residuals are the final pixel reprojection errors per observation.
	Residuals   []float64
	Stats       sfm.ResidualStats
	Converged   bool
	Reason      string
	Iterations  int
	InitialCost float64
	FinalCost   float64
}

// MaxResidualPerPoint returns the largest residual of each point.
func (r *Result) MaxResidualPerPoint(p *Problem) []float64 {
	out := make([]float64, len(p.Points))
	for i, o := range p.Observations {
		if r.Residuals[i] > out[o.Point] {
			out[o.Point] = r.Residuals[i]
		}
	}
	return out
}

// Adapter is the optimizer boundary used by the reconstructor.
type Adapter interface {
	Adjust(ctx context.Context, p *Problem) (*Result, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, p *Problem) (*Result, error)

// Adjust calls f.
func (f AdapterFunc) Adjust(ctx context.Context, p *Problem) (*Result, error) {
	return f(ctx, p)
}
