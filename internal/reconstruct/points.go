package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/metrics"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// triangulateImage triangulates every track of id that now has two
// registered observations and no point yet.
func (r *Reconstructor) triangulateImage(id sfm.ImageID) int {
	n := 0
	it := r.graph.TracksOf(id).Iterator()
	for it.HasNext() {
		if r.triangulateTrack(sfm.TrackID(it.Next())) {
			n++
		}
	}
	return n
}

// triangulateTrack adds a point for t from all registered shots observing it.
// Tracks that already carry a point, valid or not, are left alone.
func (r *Reconstructor) triangulateTrack(t sfm.TrackID) bool {
	if r.rec.HasPoint(t) {
		return false
	}
	track, ok := r.graph.Track(t)
	if !ok {
		return false
	}

	var (
		shots   []sfm.Shot
		pixels  []r2.Point
		views   []geometry.View
		centers []r3.Vector
	)
	for _, o := range track.Observations {
		s, ok := r.rec.Shot(o.Image)
		if !ok {
			continue
		}
		shots = append(shots, s)
		pixels = append(pixels, o.Point)
		views = append(views, geometry.View{Pose: s.Pose, Point: s.Camera.Normalize(o.Point)})
		centers = append(centers, s.Pose.Center())
	}
	if len(views) < 2 {
		return false
	}

	x, ok := geometry.Triangulate(views)
	if !ok {
		return false
	}
	var worst float64
	for i, s := range shots {
		if s.Pose.Depth(x) <= 0 {
			return false
		}
		e := s.Pose.ReprojectionError(s.Camera, x, pixels[i])
		if !(e <= r.opts.OutlierThreshold) {
			return false
		}
		worst = math.Max(worst, e)
	}
	if geometry.MaxRayAngle(centers, x)*180/math.Pi < r.opts.MinTriangulationAngle {
		return false
	}
	return r.rec.AddPoint(t, x, worst)
}

// problem gathers all shots and valid points. The first registered shot is
// held fixed.
func (r *Reconstructor) problem() *bundle.Problem {
	p := &bundle.Problem{OutlierThreshold: r.opts.OutlierThreshold}
	camIndex := make(map[sfm.ImageID]int)
	for i, s := range r.rec.Shots() {
		camIndex[s.Image] = i
		p.Cameras = append(p.Cameras, bundle.Camera{Image: s.Image, Camera: s.Camera, Pose: s.Pose, Fixed: i == 0})
	}
	for _, pt := range r.rec.Points() {
		if !pt.Valid {
			continue
		}
		track, ok := r.graph.Track(pt.Track)
		if !ok {
			continue
		}
		pi := len(p.Points)
		p.Points = append(p.Points, bundle.Point{Track: pt.Track, Position: pt.Position})
		for _, o := range track.Observations {
			ci, ok := camIndex[o.Image]
			if !ok {
				continue
			}
			p.Observations = append(p.Observations, bundle.Observation{Camera: ci, Point: pi, Pixel: o.Point})
		}
	}
	return p
}

// adjust runs bundle adjustment over the reconstruction. A diverged or
// failed adjustment leaves the reconstruction untouched and is recorded; only
// context cancellation is returned.
func (r *Reconstructor) adjust(ctx context.Context, round int) error {
	p := r.problem()
	if len(p.Points) == 0 {
		return nil
	}

	start := time.Now()
	res, err := r.adapter.Adjust(ctx, p)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.diverged(round, fmt.Errorf("bundle adjustment: %w", err), elapsed)
		return nil
	}
	if !res.Converged || len(res.Poses) != len(p.Cameras) || len(res.Points) != len(p.Points) || len(res.Residuals) != len(p.Observations) {
		r.diverged(round, fmt.Errorf("bundle adjustment after %d iterations (%s): %w",
			res.Iterations, res.Reason, sfm.ErrOptimizerDivergence), elapsed)
		return nil
	}
	r.metrics.RecordBundle(metrics.OutcomeConverged, elapsed)

	for i, c := range p.Cameras {
		r.rec.SetPose(c.Image, res.Poses[i])
	}
	worst := res.MaxResidualPerPoint(p)
	invalidated := 0
	for i, pt := range p.Points {
		if worst[i] > r.opts.OutlierThreshold {
			r.rec.Invalidate(pt.Track, worst[i], round)
			invalidated++
			continue
		}
		r.rec.UpdatePoint(pt.Track, res.Points[i], worst[i])
	}
	r.rec.Residuals = res.Stats
	r.metrics.RecordInvalidated(invalidated)
	r.metrics.SetProgress(r.rec.NumShots(), r.rec.NumValidPoints())

	r.logger.Debug("Bundle adjustment converged",
		"round", round,
		"iterations", res.Iterations,
		"initial_cost", res.InitialCost,
		"final_cost", res.FinalCost,
		"mean_residual", res.Stats.Mean,
		"invalidated", invalidated,
		"duration", elapsed)
	// A bootstrap adjustment is announced by the bootstrapped event.
	if r.state != StateEmpty {
		r.emit(Event{Round: round, Kind: EventAdjusted, Detail: fmt.Sprintf("%d points invalidated", invalidated)})
	}
	return nil
}

func (r *Reconstructor) diverged(round int, err error, elapsed time.Duration) {
	if !errors.Is(err, sfm.ErrOptimizerDivergence) {
		err = fmt.Errorf("%w: %w", sfm.ErrOptimizerDivergence, err)
	}
	r.report.Divergences++
	r.report.Skips = append(r.report.Skips, Skip{Round: round, Kind: errorKind(err), Detail: err.Error()})
	r.metrics.RecordBundle(metrics.OutcomeDiverged, elapsed)
	r.logger.Warn("Bundle adjustment did not converge, keeping previous state", "round", round, "error", err)
	if r.state != StateEmpty {
		r.emit(Event{Round: round, Kind: EventDiverged, Detail: err.Error()})
	}
}
