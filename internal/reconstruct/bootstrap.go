package reconstruct

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/ranker"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	"golang.org/x/sync/errgroup"
)

type scoredPair struct {
	pair   sfm.ImagePair
	score  score.Score
	common int
}

// Bootstrap seeds the reconstruction from the configured override pair, or
// otherwise from the best scoring candidate pair. In automatic mode every
// eligible pair is tried once, best first; the run aborts only when none
// succeeds.
func (r *Reconstructor) Bootstrap(ctx context.Context) error {
	if a, b := r.opts.Bootstrap[0], r.opts.Bootstrap[1]; a != "" && b != "" {
		return r.BootstrapWith(ctx, a, b)
	}
	if err := r.checkBootstrapState(); err != nil {
		return err
	}
	r.begin()
	if err := ctx.Err(); err != nil {
		return r.canceled(err)
	}

	pairs, err := r.rankPairs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.canceled(err)
		}
		return r.abort(err)
	}
	if len(pairs) == 0 {
		return r.abort(fmt.Errorf("no candidate pair shares %d tracks: %w",
			r.opts.MinBootstrapInliers, sfm.ErrInsufficientCorrespondences))
	}
	r.logger.Info("Selecting bootstrap pair", "candidates", len(pairs), "scorer", r.scorer.Name())

	var last error
	for _, sp := range pairs {
		if err := ctx.Err(); err != nil {
			return r.canceled(err)
		}
		err := r.tryBootstrap(ctx, sp.pair, sp.score)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return r.canceled(err)
		}
		last = err
		r.logger.Debug("Bootstrap pair rejected", "image1", sp.pair.Image1, "image2", sp.pair.Image2, "error", err)
	}
	return r.abort(fmt.Errorf("no bootstrap pair succeeded after %d attempts: %w", len(pairs), last))
}

// BootstrapWith seeds the reconstruction from an explicit pair. The pair must
// be a candidate pair with enough common tracks. It may be called again after
// an aborted bootstrap.
func (r *Reconstructor) BootstrapWith(ctx context.Context, a, b sfm.ImageID) error {
	if err := r.checkBootstrapState(); err != nil {
		return err
	}
	r.begin()
	if err := ctx.Err(); err != nil {
		return r.canceled(err)
	}

	pair := sfm.NewImagePair(a, b)
	if err := r.validatePair(pair); err != nil {
		return r.abort(err)
	}
	pc := ranker.PairPoints(r.session, r.graph, pair.Image1, pair.Image2)
	if err := r.tryBootstrap(ctx, pair, r.scorer.ScorePair(pc)); err != nil {
		if ctx.Err() != nil {
			return r.canceled(err)
		}
		return r.abort(err)
	}
	return nil
}

func (r *Reconstructor) checkBootstrapState() error {
	switch r.state {
	case StateEmpty:
		r.report.StopReason = ""
		return nil
	case StateAborted:
		// A retry starts from a clean reconstruction.
		r.rec = sfm.NewReconstruction()
		r.state = StateEmpty
		r.report.StopReason = ""
		return nil
	default:
		return fmt.Errorf("bootstrap in state %s: %w", r.state, ErrInvalidState)
	}
}

func (r *Reconstructor) validatePair(pair sfm.ImagePair) error {
	if pair.Image1 == pair.Image2 {
		return fmt.Errorf("bootstrap pair uses %s twice: %w", pair.Image1, sfm.ErrInsufficientCorrespondences)
	}
	for _, id := range []sfm.ImageID{pair.Image1, pair.Image2} {
		if !r.session.Has(id) {
			return fmt.Errorf("bootstrap image %s not in dataset: %w", id, sfm.ErrInsufficientCorrespondences)
		}
	}
	if !r.isCandidate(pair) {
		return fmt.Errorf("bootstrap pair %s is not a candidate pair: %w", pair, sfm.ErrInsufficientCorrespondences)
	}
	if n := int(r.graph.CommonTracks(pair.Image1, pair.Image2).GetCardinality()); n < r.opts.MinBootstrapInliers {
		return fmt.Errorf("bootstrap pair %s shares %d tracks, need %d: %w",
			pair, n, r.opts.MinBootstrapInliers, sfm.ErrInsufficientCorrespondences)
	}
	return nil
}

func (r *Reconstructor) isCandidate(pair sfm.ImagePair) bool {
	// Without an explicit candidate list every pair of the session qualifies.
	if r.pairs == nil {
		return true
	}
	for _, p := range r.pairs {
		if p == pair {
			return true
		}
	}
	return false
}

// rankPairs scores the candidate pairs with enough common tracks in parallel
// and sorts them best first, ties by pair ids.
func (r *Reconstructor) rankPairs(ctx context.Context) ([]scoredPair, error) {
	candidates := r.pairs
	if candidates == nil {
		ids := r.session.ImageIDs()
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				candidates = append(candidates, sfm.NewImagePair(ids[i], ids[j]))
			}
		}
	}

	var eligible []scoredPair
	for _, p := range candidates {
		n := int(r.graph.CommonTracks(p.Image1, p.Image2).GetCardinality())
		if n >= r.opts.MinBootstrapInliers {
			eligible = append(eligible, scoredPair{pair: p, common: n})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i := range eligible {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sp := &eligible[i]
			pc := ranker.PairPoints(r.session, r.graph, sp.pair.Image1, sp.pair.Image2)
			sp.score = r.scorer.ScorePair(pc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bootstrap pair scoring: %w", err)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.score.Equal(b.score) {
			return b.score.Less(a.score)
		}
		if a.pair.Image1 != b.pair.Image1 {
			return a.pair.Image1 < b.pair.Image1
		}
		return a.pair.Image2 < b.pair.Image2
	})
	return eligible, nil
}

// tryBootstrap estimates the relative pose of a pair, triangulates its common
// tracks and adjusts the two-view reconstruction. On failure the
// reconstruction is reset to empty. An attempt cut short by cancellation is
// not recorded.
func (r *Reconstructor) tryBootstrap(ctx context.Context, pair sfm.ImagePair, s score.Score) error {
	err := r.initialize(ctx, pair)
	if err != nil && ctx.Err() != nil {
		r.rec = sfm.NewReconstruction()
		return err
	}
	attempt := BootstrapAttempt{Pair: pair, Score: s}
	if err != nil {
		attempt.Error = err.Error()
		r.rec = sfm.NewReconstruction()
	}
	r.report.BootstrapAttempts = append(r.report.BootstrapAttempts, attempt)
	if err != nil {
		return err
	}

	p := pair
	r.report.BootstrapPair = &p
	r.state = StateBootstrapped
	r.logger.Info("Bootstrapped reconstruction",
		"image1", pair.Image1,
		"image2", pair.Image2,
		"score", s.Value,
		"points", r.rec.NumValidPoints())
	r.emit(Event{Kind: EventBootstrapped, Detail: pair.String()})
	return nil
}

func (r *Reconstructor) initialize(ctx context.Context, pair sfm.ImagePair) error {
	a, b := pair.Image1, pair.Image2
	camA, camB := r.session.Camera(a), r.session.Camera(b)

	common := r.graph.CommonTracks(a, b)
	var (
		ids    []sfm.TrackID
		x1, x2 []r2.Point
	)
	it := common.Iterator()
	for it.HasNext() {
		t := sfm.TrackID(it.Next())
		oa, ok1 := r.graph.Observation(a, t)
		ob, ok2 := r.graph.Observation(b, t)
		if !ok1 || !ok2 {
			continue
		}
		ids = append(ids, t)
		x1 = append(x1, camA.Normalize(oa.Point))
		x2 = append(x2, camB.Normalize(ob.Point))
	}
	if len(ids) < r.opts.MinBootstrapInliers {
		return fmt.Errorf("pair %s has %d common tracks, need %d: %w",
			pair, len(ids), r.opts.MinBootstrapInliers, sfm.ErrInsufficientCorrespondences)
	}

	focal := math.Max(0.5*(camA.Focal+camB.Focal), 1)
	tv, err := geometry.RelativePose(x1, x2, r.opts.ransac(r.opts.OutlierThreshold/focal, 0))
	if err != nil {
		return fmt.Errorf("pair %s relative pose: %w", pair, err)
	}
	inliers := 0
	for _, in := range tv.Inliers {
		if in {
			inliers++
		}
	}
	if inliers < r.opts.MinBootstrapInliers {
		return fmt.Errorf("pair %s has %d inliers, need %d: %w",
			pair, inliers, r.opts.MinBootstrapInliers, sfm.ErrInsufficientCorrespondences)
	}
	if deg := tv.MedianAngle * 180 / math.Pi; deg < r.opts.MinTriangulationAngle {
		return fmt.Errorf("pair %s median triangulation angle %.3f deg: %w", pair, deg, sfm.ErrDegenerateGeometry)
	}

	r.rec.AddShot(sfm.Shot{Image: a, Camera: camA})
	r.rec.AddShot(sfm.Shot{Image: b, Camera: camB, Pose: tv.Pose})

	for i, t := range ids {
		if tv.Inliers[i] {
			r.triangulateTrack(t)
		}
	}
	if n, need := r.rec.NumValidPoints(), max(8, r.opts.MinBootstrapInliers/2); n < need {
		return fmt.Errorf("pair %s triangulated %d points, need %d: %w", pair, n, need, sfm.ErrDegenerateGeometry)
	}

	if err := r.adjust(ctx, 0); err != nil {
		return err
	}
	return nil
}

// abort moves the run to Aborted and returns err.
func (r *Reconstructor) abort(err error) error {
	r.state = StateAborted
	r.report.StopReason = errorKind(err)
	r.logger.Warn("Bootstrap failed", "run_id", r.runID, "error", err)
	return err
}

// canceled records a run stopped by its context. The state is left as is.
func (r *Reconstructor) canceled(err error) error {
	r.report.StopReason = StopCanceled
	r.logger.Info("Reconstruction canceled", "run_id", r.runID, "state", r.state.String(), "error", err)
	return err
}
