package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/config"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/export"
	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Output.File = filepath.Join(t.TempDir(), "out", "reconstruction.json")
	return &cfg
}

func TestRunWritesReconstruction(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})
	cfg := testConfig(t)

	progress := &recordingProgress{}
	reg := prometheus.NewRegistry()
	res, err := Run(context.Background(), cfg, dir, Options{Progress: progress, Registry: reg})
	require.NoError(t, err)

	assert.Equal(t, dataset.SourceAll, res.PairSource)
	assert.Len(t, res.Pairs, len(scene.AllPairs()))
	assert.Positive(t, res.TrackStats.Tracks)
	assert.Equal(t, reconstruct.StateConverged, res.Report.State)
	assert.Equal(t, len(scene.IDs), res.Reconstruction.NumShots())
	assert.Equal(t, cfg.Output.File, res.Output)

	names := make([]string, 0, len(res.Phases))
	for _, p := range res.Phases {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"load", "pairs", "tracks", "reconstruct", "export"}, names)

	assert.Equal(t, []int{len(scene.IDs)}, progress.starts)
	require.NotEmpty(t, progress.progress)
	assert.Equal(t, [2]int{len(scene.IDs), len(scene.IDs)}, progress.progress[len(progress.progress)-1])
	assert.Equal(t, 1, progress.complete)

	doc, err := export.ReadFile(cfg.Output.File)
	require.NoError(t, err)
	assert.Len(t, doc.Shots, len(scene.IDs))
	assert.Len(t, doc.Points, res.Reconstruction.NumValidPoints())
	assert.Equal(t, res.Report.RunID, doc.Metadata.RunID)

	count, err := promtest.GatherAndCount(reg, "tracksfm_registered_shots")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunUsesPairFileAndGPS(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	chain := []sfm.ImagePair{}
	for i := 0; i+1 < len(scene.IDs); i++ {
		chain = append(chain, sfm.NewImagePair(scene.IDs[i], scene.IDs[i+1]))
	}
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{Pairs: chain, PairFile: true, GPS: true})
	cfg := testConfig(t)
	cfg.Output.File = ""

	res, err := Run(context.Background(), cfg, dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, dataset.SourceFile, res.PairSource)
	assert.ElementsMatch(t, chain, res.Pairs)
	assert.Empty(t, res.Output)
	assert.NotNil(t, res.Document)

	require.NoError(t, os.Remove(filepath.Join(dir, dataset.CandidatePairsFile)))
	pairs, source, err := SelectPairs(cfg, res.Session)
	require.NoError(t, err)
	assert.Equal(t, dataset.SourceSpatial, source)
	assert.NotEmpty(t, pairs)
}

func TestRunWithBootstrapOverride(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})
	cfg := testConfig(t)
	cfg.Reconstruction.BootstrapImage1 = string(scene.IDs[3])
	cfg.Reconstruction.BootstrapImage2 = string(scene.IDs[4])

	res, err := Run(context.Background(), cfg, dir, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Report.BootstrapPair)
	assert.Equal(t, sfm.NewImagePair(scene.IDs[3], scene.IDs[4]), *res.Report.BootstrapPair)
}

func TestRunAbortsWithoutCommonTracks(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})
	cfg := testConfig(t)
	cfg.Reconstruction.MinBootstrapInliers = 10000

	progress := &recordingProgress{}
	res, err := Run(context.Background(), cfg, dir, Options{Progress: progress})
	require.Error(t, err)
	assert.ErrorIs(t, err, sfm.ErrInsufficientCorrespondences)
	assert.Equal(t, reconstruct.StateAborted, res.Report.State)
	assert.Len(t, progress.errs, 1)
	assert.Nil(t, res.Document)
	assert.NoFileExists(t, cfg.Output.File)
}

func TestRunMissingCorrespondences(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})
	require.NoError(t, os.Remove(filepath.Join(dir, dataset.CorrespondencesDB)))

	res, err := Run(context.Background(), testConfig(t), dir, Options{})
	require.ErrorIs(t, err, ErrNoCorrespondences)
	assert.NotNil(t, res.Session)
	assert.Nil(t, res.Graph)
}

func TestRunMissingDataset(t *testing.T) {
	_, err := Run(context.Background(), testConfig(t), filepath.Join(t.TempDir(), "none"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load dataset")
}

type memSink struct {
	mu    sync.Mutex
	names []string
}

type discard struct{ io.Writer }

func (discard) Close() error { return nil }

func (m *memSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return discard{io.Discard}, nil
}

func TestRunWritesThroughSink(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})
	cfg := testConfig(t)
	cfg.Output.File = "s3://bucket/runs/rec.yaml.zst"

	sink := &memSink{}
	var events []reconstruct.Event
	res, err := Run(context.Background(), cfg, dir, Options{
		Sink:      sink,
		Observers: []reconstruct.Observer{reconstruct.ObserverFunc(func(e reconstruct.Event) { events = append(events, e) })},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/runs/rec.yaml.zst"}, sink.names)
	assert.Equal(t, cfg.Output.File, res.Output)
	require.NotEmpty(t, events)
	assert.Equal(t, reconstruct.EventFinished, events[len(events)-1].Kind)
}

func TestRunCanceled(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	dir := testutil.TempDataset(t, scene, testutil.DatasetOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, testConfig(t), dir, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
