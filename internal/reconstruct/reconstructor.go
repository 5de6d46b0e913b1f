// Package reconstruct grows a reconstruction one image at a time from a
// bootstrapped image pair.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/metrics"
	"github.com/MeKo-Tech/tracksfm/internal/ranker"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// Event describes a step of a run for observers.
type Event struct {
	RunID        string      `json:"run_id"`
	Round        int         `json:"round"`
	State        State       `json:"state"`
	Kind         string      `json:"kind"`
	Image        sfm.ImageID `json:"image,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	Registered   int         `json:"registered"`
	Total        int         `json:"total"`
	ValidPoints  int         `json:"valid_points"`
	MeanResidual float64     `json:"mean_residual"`
}

// Event kinds.
const (
	EventBootstrapped = "bootstrapped"
	EventRegistered   = "registered"
	EventSkipped      = "skipped"
	EventAdjusted     = "adjusted"
	EventDiverged     = "diverged"
	EventFinished     = "finished"
	EventAborted      = "aborted"
)

// Observer is notified synchronously about run events.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Option customizes a Reconstructor.
type Option func(*Reconstructor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) { r.logger = l }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Reconstructor) { r.observers = append(r.observers, o) }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Reconstructor) { r.metrics = m }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Reconstructor) { r.runID = id }
}

// Reconstructor owns a Reconstruction and drives it through its states. It
// is not safe for concurrent use; scoring inside a round runs in parallel on
// a read-only view.
type Reconstructor struct {
	session *dataset.Session
	graph   *tracks.Graph
	pairs   []sfm.ImagePair
	scorer  score.Scorer
	adapter bundle.Adapter
	ranker  *ranker.Ranker
	opts    Options

	logger    *slog.Logger
	observers []Observer
	metrics   *metrics.Collectors
	runID     string

	state  State
	rec    *sfm.Reconstruction
	report *Report
	round  int
	start  time.Time
}

// New prepares a run over the session's track graph. pairs are the candidate
// image pairs considered for bootstrap.
func New(session *dataset.Session, graph *tracks.Graph, pairs []sfm.ImagePair, scorer score.Scorer, adapter bundle.Adapter, opts Options, options ...Option) *Reconstructor {
	opts = opts.withDefaults()
	r := &Reconstructor{
		session: session,
		graph:   graph,
		pairs:   pairs,
		scorer:  scorer,
		adapter: adapter,
		ranker:  ranker.New(scorer, opts.MinSharedTracks, opts.Workers),
		opts:    opts,
		logger:  slog.Default(),
		rec:     sfm.NewReconstruction(),
	}
	for _, o := range options {
		o(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	r.report = &Report{RunID: r.runID, Scorer: scorer.Name(), State: StateEmpty}
	return r
}

// State returns the current state.
func (r *Reconstructor) State() State {
	return r.state
}

// Reconstruction returns the reconstruction owned by the run.
func (r *Reconstructor) Reconstruction() *sfm.Reconstruction {
	return r.rec
}

// Report returns the run report. It is complete once the run finished.
func (r *Reconstructor) Report() *Report {
	return r.report
}

// Run bootstraps and grows the reconstruction until convergence. It returns
// an error only when no bootstrap pair succeeds or the context ends.
func (r *Reconstructor) Run(ctx context.Context) (*sfm.Reconstruction, error) {
	r.begin()
	if err := r.Bootstrap(ctx); err != nil {
		r.finish()
		return r.rec, err
	}
	if err := r.Grow(ctx); err != nil {
		r.finish()
		return r.rec, err
	}
	r.finish()
	return r.rec, nil
}

func (r *Reconstructor) begin() {
	if r.start.IsZero() {
		r.start = time.Now()
		r.report.Started = r.start
	}
}

// Grow registers images one per round until no eligible candidate remains
// or a budget is exhausted. Images that fail registration are skipped for the
// rest of the round and retried once the reconstruction changed.
func (r *Reconstructor) Grow(ctx context.Context) error {
	if r.state != StateBootstrapped && r.state != StateGrowing {
		return fmt.Errorf("grow in state %s: %w", r.state, ErrInvalidState)
	}
	r.begin()
	r.state = StateGrowing
	r.logger.Info("Growing reconstruction", "run_id", r.runID, "shots", r.rec.NumShots(), "points", r.rec.NumValidPoints())

	skipped := make(map[sfm.ImageID]bool)
	for {
		if reason := r.budgetExhausted(); reason != "" {
			r.report.StopReason = reason
			break
		}
		if err := ctx.Err(); err != nil {
			return r.canceled(err)
		}

		cands, err := r.ranker.Rank(ctx, r.session, r.graph, r.rec)
		if err != nil {
			if ctx.Err() != nil {
				return r.canceled(err)
			}
			return err
		}

		round := r.round + 1
		var added sfm.ImageID
		for _, c := range cands {
			if skipped[c.Image] {
				continue
			}
			if err := r.register(c, round); err != nil {
				skipped[c.Image] = true
				r.skip(round, c.Image, err)
				continue
			}
			added = c.Image
			break
		}
		if added == "" {
			r.report.StopReason = StopNoCandidates
			r.logger.Debug("No eligible candidates", "round", round, "skipped", len(skipped))
			break
		}

		r.round = round
		r.report.Rounds = round
		clear(skipped)

		n := r.triangulateImage(added)
		r.logger.Debug("Triangulated new points", "image", added, "points", n)
		if err := r.adjust(ctx, round); err != nil {
			return r.canceled(err)
		}
	}

	r.state = StateConverged
	return nil
}

func (r *Reconstructor) budgetExhausted() string {
	if r.opts.MaxIterations > 0 && r.round >= r.opts.MaxIterations {
		return StopMaxIterations
	}
	if r.opts.TimeBudget > 0 && time.Since(r.start) >= r.opts.TimeBudget {
		return StopTimeBudget
	}
	return ""
}

// register resects a candidate against the valid points it observes and adds it as a shot.
func (r *Reconstructor) register(c ranker.Candidate, round int) error {
	cam := r.session.Camera(c.Image)
	shared := r.graph.SharedWith(c.Image, r.rec.ValidTracks())

	var (
		points []r3.Vector
		pixels []r2.Point
	)
	it := shared.Iterator()
	for it.HasNext() {
		t := sfm.TrackID(it.Next())
		p, ok := r.rec.Point(t)
		if !ok || !p.Valid {
			continue
		}
		o, ok := r.graph.Observation(c.Image, t)
		if !ok {
			continue
		}
		points = append(points, p.Position)
		pixels = append(pixels, o.Point)
	}

	res, err := geometry.Resect(points, pixels, cam, geometry.ResectionOptions{
		Ransac:     r.opts.ransac(r.opts.OutlierThreshold, round),
		MinInliers: r.opts.MinResectionInliers,
		Refine:     true,
	})
	if err != nil {
		r.metrics.RecordRegistration(outcomeOf(err))
		return fmt.Errorf("register %s: %w", c.Image, err)
	}
	r.rec.AddShot(sfm.Shot{Image: c.Image, Camera: cam, Pose: res.Pose, Round: round})
	r.metrics.RecordRegistration(metrics.OutcomeRegistered)
	r.logger.Info("Registered image",
		"image", c.Image,
		"round", round,
		"score", c.Score.Value,
		"shared", c.Shared,
		"inliers", res.Count,
		"mean_error", res.MeanError)
	r.emit(Event{Round: round, Kind: EventRegistered, Image: c.Image,
		Detail: fmt.Sprintf("%d inliers of %d shared tracks", res.Count, c.Shared)})
	return nil
}

func (r *Reconstructor) skip(round int, id sfm.ImageID, err error) {
	kind := errorKind(err)
	r.report.Skips = append(r.report.Skips, Skip{Round: round, Image: id, Kind: kind, Detail: err.Error()})
	r.logger.Debug("Skipping candidate", "image", id, "round", round, "kind", kind, "error", err)
	r.emit(Event{Round: round, Kind: EventSkipped, Image: id, Detail: kind})
}

func (r *Reconstructor) emit(e Event) {
	e.RunID = r.runID
	e.State = r.state
	e.Registered = r.rec.NumShots()
	e.Total = r.session.Len()
	e.ValidPoints = r.rec.NumValidPoints()
	e.MeanResidual = r.rec.Residuals.Mean
	for _, o := range r.observers {
		o.OnEvent(e)
	}
}

// finish fills the report with the final reconstruction summary.
func (r *Reconstructor) finish() {
	rep := r.report
	rep.State = r.state
	rep.Rounds = r.round
	rep.Registered = r.rec.ShotIDs()
	rep.Unregistered = rep.Unregistered[:0]
	for _, id := range r.session.ImageIDs() {
		if !r.rec.HasShot(id) {
			rep.Unregistered = append(rep.Unregistered, id)
		}
	}
	rep.ValidPoints = r.rec.NumValidPoints()
	rep.InvalidPoints = r.rec.NumInvalidPoints()
	rep.Residuals = r.rec.Residuals
	if !r.start.IsZero() {
		rep.Duration = time.Since(r.start)
	}

	r.metrics.SetProgress(r.rec.NumShots(), rep.ValidPoints)
	r.metrics.RecordRun(r.state.String(), rep.Duration)

	kind := EventFinished
	if r.state == StateAborted {
		kind = EventAborted
	}
	r.emit(Event{Round: r.round, Kind: kind, Detail: rep.StopReason})
	r.logger.Info("Reconstruction finished",
		"run_id", r.runID,
		"state", r.state.String(),
		"registered", len(rep.Registered),
		"unregistered", len(rep.Unregistered),
		"points", rep.ValidPoints,
		"invalid_points", rep.InvalidPoints,
		"rounds", rep.Rounds,
		"stop_reason", rep.StopReason,
		"duration", rep.Duration)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, sfm.ErrInsufficientCorrespondences):
		return metrics.OutcomeInsufficient
	case errors.Is(err, sfm.ErrDegenerateGeometry):
		return metrics.OutcomeDegenerate
	default:
		return metrics.OutcomeError
	}
}
