// Package metrics exposes Prometheus collectors for reconstruction runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeRegistered   = "registered"
	OutcomeInsufficient = "insufficient_correspondences"
	OutcomeDegenerate   = "degenerate_geometry"
	OutcomeConverged    = "converged"
	OutcomeDiverged     = "diverged"
	OutcomeError        = "error"
)

// Collectors groups the run metrics. A nil *Collectors is valid and records nothing.
type Collectors struct {
	tracksBuilt        prometheus.Gauge
	inconsistentTracks prometheus.Gauge
	registrations      *prometheus.CounterVec
	bundleRuns         *prometheus.CounterVec
	bundleDuration     prometheus.Histogram
	registeredShots    prometheus.Gauge
	validPoints        prometheus.Gauge
	invalidatedPoints  prometheus.Counter
	runs               *prometheus.CounterVec
	runDuration        prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collectors{
		tracksBuilt: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracksfm_tracks_built",
			Help: "Number of tracks in the current track graph",
		}),
		inconsistentTracks: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracksfm_inconsistent_tracks",
			Help: "Number of correspondence sets rejected for repeating an image",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracksfm_registration_attempts_total",
			Help: "Image registration attempts by outcome",
		}, []string{"outcome"}),
		bundleRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracksfm_bundle_adjustments_total",
			Help: "Bundle adjustment runs by outcome",
		}, []string{"outcome"}),
		bundleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracksfm_bundle_adjustment_duration_seconds",
			Help:    "Bundle adjustment duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
		registeredShots: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracksfm_registered_shots",
			Help: "Number of registered shots in the running reconstruction",
		}),
		validPoints: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracksfm_valid_points",
			Help: "Number of valid 3D points in the running reconstruction",
		}),
		invalidatedPoints: f.NewCounter(prometheus.CounterOpts{
			Name: "tracksfm_invalidated_points_total",
			Help: "Points marked invalid by outlier rejection",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracksfm_runs_total",
			Help: "Finished reconstruction runs by final state",
		}, []string{"state"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracksfm_run_duration_seconds",
			Help:    "Reconstruction run duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),
	}
}

// ObserveTracks records the size of a built track graph.
func (c *Collectors) ObserveTracks(tracks, inconsistent int) {
	if c == nil {
		return
	}
	c.tracksBuilt.Set(float64(tracks))
	c.inconsistentTracks.Set(float64(inconsistent))
}

// RecordRegistration counts a registration attempt.
func (c *Collectors) RecordRegistration(outcome string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordBundle counts a bundle adjustment and its duration.
func (c *Collectors) RecordBundle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.bundleRuns.WithLabelValues(outcome).Inc()
	c.bundleDuration.Observe(d.Seconds())
}

// SetProgress updates the reconstruction size gauges.
func (c *Collectors) SetProgress(shots, points int) {
	if c == nil {
		return
	}
	c.registeredShots.Set(float64(shots))
	c.validPoints.Set(float64(points))
}

// RecordInvalidated adds invalidated points.
func (c *Collectors) RecordInvalidated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.invalidatedPoints.Add(float64(n))
}

// RecordRun counts a finished run.
func (c *Collectors) RecordRun(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(state).Inc()
	c.runDuration.Observe(d.Seconds())
}
