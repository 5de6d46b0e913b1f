// Package pipeline runs a reconstruction end to end: dataset session, pair
// selection, correspondences, tracks, incremental reconstruction and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/common"
	"github.com/MeKo-Tech/tracksfm/internal/config"
	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/export"
	"github.com/MeKo-Tech/tracksfm/internal/metrics"
	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/server"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoCorrespondences is returned when a dataset has no correspondence database.
var ErrNoCorrespondences = errors.New("correspondence database not found")

// Options wires optional collaborators into a run.
type Options struct {
	Progress ProgressCallback
	Logger   *slog.Logger
	// Registry receives the run metrics; nil creates a private registry.
	Registry  *prometheus.Registry
	Observers []reconstruct.Observer
	// Adapter replaces the built-in bundle adjuster.
	Adapter bundle.Adapter
	// Sink replaces file and S3 output resolution.
	Sink export.Sink
}

// Result is everything a run produced. Fields are filled as far as the run got.
type Result struct {
	Session        *dataset.Session
	Pairs          []sfm.ImagePair
	PairSource     string
	Graph          *tracks.Graph
	TrackStats     tracks.Stats
	Reconstruction *sfm.Reconstruction
	Report         *reconstruct.Report
	Document       *export.Document
	Output         string
	Phases         []common.Phase
}

// LoadSession reads the dataset directory with the configured feature settings.
func LoadSession(cfg *config.Config, dir string) (*dataset.Session, error) {
	opts, diag := cfg.ToDatasetOptions()
	if diag != "" {
		slog.Warn("Feature type fallback", "message", diag)
	}
	session, _, err := dataset.Load(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return session, nil
}

// SelectPairs picks the candidate pairs of a session and names their source.
func SelectPairs(cfg *config.Config, session *dataset.Session) ([]sfm.ImagePair, string, error) {
	pairs, source, err := dataset.SelectPairs(session,
		cfg.CandidateFile(session.Root()), cfg.Pairs.SpatialRange, cfg.Pairs.MaxNeighbors)
	if err != nil {
		return nil, source, fmt.Errorf("select pairs: %w", err)
	}
	slog.Info("Selected candidate pairs", "source", source, "pairs", len(pairs))
	return pairs, source, nil
}

// BuildTracks loads the correspondences of pairs from the dataset's database
// and merges them into a track graph. m may be nil.
func BuildTracks(ctx context.Context, cfg *config.Config, session *dataset.Session, pairs []sfm.ImagePair, m *metrics.Collectors) (*tracks.Graph, tracks.Stats, error) {
	path := filepath.Join(session.Root(), dataset.CorrespondencesDB)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, tracks.Stats{}, fmt.Errorf("%s: %w", path, ErrNoCorrespondences)
		}
		return nil, tracks.Stats{}, err
	}
	store, err := correspondence.Open(path)
	if err != nil {
		return nil, tracks.Stats{}, fmt.Errorf("open correspondences: %w", err)
	}
	defer func() { _ = store.Close() }()

	detector := string(session.Options().FeatureType)
	ix, err := store.LoadIndex(ctx, session.ImageIDs(), pairs, detector)
	if err != nil {
		return nil, tracks.Stats{}, fmt.Errorf("load correspondences: %w", err)
	}

	b := tracks.NewBuilder()
	b.MinLength = cfg.Tracks.MinTrackLength
	graph, stats := b.Build(ix)
	m.ObserveTracks(stats.Tracks, stats.InconsistentTracks)
	return graph, stats, nil
}

// Run executes the whole pipeline on the dataset in dir. A failed bootstrap
// is returned as an error together with the partial result; image-level
// failures are only recorded in the report.
func Run(ctx context.Context, cfg *config.Config, dir string, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	progress := opts.Progress
	if progress == nil {
		progress = NoOpProgressCallback{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collectors := metrics.New(registry)

	var phases common.Phases
	res := &Result{}
	defer func() { res.Phases = phases.List() }()

	stop := phases.Start("load")
	session, err := LoadSession(cfg, dir)
	stop()
	if err != nil {
		return res, err
	}
	res.Session = session

	stop = phases.Start("pairs")
	res.Pairs, res.PairSource, err = SelectPairs(cfg, session)
	stop()
	if err != nil {
		return res, err
	}

	stop = phases.Start("tracks")
	res.Graph, res.TrackStats, err = BuildTracks(ctx, cfg, session, res.Pairs, collectors)
	stop()
	if err != nil {
		return res, err
	}
	logger.Info("Built tracks",
		"tracks", res.TrackStats.Tracks,
		"inconsistent", res.TrackStats.InconsistentTracks,
		"skipped_matches", res.TrackStats.SkippedMatches)

	scorer, diag := score.Lookup(cfg.Reconstruction.Score, cfg.ToScoreOptions())
	if diag != "" {
		logger.Warn("Scorer fallback", "message", diag)
	}
	adapter := opts.Adapter
	if adapter == nil {
		adapter = bundle.NewLevenbergMarquardt(cfg.ToBundleOptions())
	}

	options := []reconstruct.Option{
		reconstruct.WithLogger(logger),
		reconstruct.WithMetrics(collectors),
		reconstruct.WithObserver(newProgressObserver(progress)),
	}
	for _, o := range opts.Observers {
		options = append(options, reconstruct.WithObserver(o))
	}

	if cfg.Server.Enabled {
		srv := server.NewServer(cfg.ToServerConfig(), registry)
		options = append(options, reconstruct.WithObserver(srv))
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.ListenAndServe(srvCtx); err != nil {
				logger.Error("Server failed", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	r := reconstruct.New(session, res.Graph, res.Pairs, scorer, adapter, cfg.ToReconstructOptions(), options...)
	progress.OnStart(session.Len())
	stop = phases.Start("reconstruct")
	res.Reconstruction, err = r.Run(ctx)
	stop()
	res.Report = r.Report()
	if err != nil {
		progress.OnError(res.Reconstruction.NumShots(), err)
		return res, fmt.Errorf("reconstruct: %w", err)
	}
	progress.OnComplete()

	res.Document = export.FromReconstruction(res.Reconstruction, session, res.Report)
	if cfg.Output.File == "" {
		return res, nil
	}

	format, err := export.ParseFormat(cfg.Output.Format)
	if err != nil {
		return res, err
	}
	w := export.NewWriter(format, cfg.ToS3Options())
	w.Logger = logger
	if opts.Sink != nil {
		w.WithSink(opts.Sink)
	}
	stop = phases.Start("export")
	err = w.Write(ctx, cfg.Output.File, res.Document)
	stop()
	if err != nil {
		return res, fmt.Errorf("export: %w", err)
	}
	res.Output = cfg.Output.File
	return res, nil
}
