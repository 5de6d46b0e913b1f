package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDatasetLoadsBack(t *testing.T) {
	scene := NewScene(DefaultSceneOptions())
	dir := TempDataset(t, scene, DatasetOptions{GPS: true, PairFile: true})

	session, diags, err := dataset.Load(dir, dataset.Options{})
	require.NoError(t, err)
	assert.Empty(t, diags)
	require.Equal(t, scene.IDs, session.ImageIDs())

	for _, id := range scene.IDs {
		img, ok := session.Image(id)
		require.True(t, ok)
		assert.InDelta(t, scene.Camera.Focal, img.Camera.Focal, 1e-9)
		assert.InDelta(t, scene.Camera.Cx, img.Camera.Cx, 1e-9)
		assert.Equal(t, scene.Camera.Width, img.Camera.Width)
		require.NotNil(t, img.GPS)
	}

	pairs, source, err := dataset.SelectPairs(session, filepath.Join(dir, dataset.CandidatePairsFile), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, dataset.SourceFile, source)
	assert.ElementsMatch(t, scene.AllPairs(), pairs)
}

func TestWriteDatasetCorrespondences(t *testing.T) {
	scene := NewScene(DefaultSceneOptions())
	dir := TempDataset(t, scene, DatasetOptions{Pairs: scene.AllPairs()[:2]})

	_, err := os.Stat(filepath.Join(dir, dataset.GPSFile))
	assert.True(t, os.IsNotExist(err))

	store, err := correspondence.Open(filepath.Join(dir, dataset.CorrespondencesDB))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ix, err := store.LoadIndex(context.Background(), scene.IDs, scene.AllPairs(), string(dataset.DefaultFeatureType))
	require.NoError(t, err)
	assert.Len(t, ix.Pairs(), 2)
	for _, p := range ix.Pairs() {
		assert.Len(t, p.Matches, len(scene.Matches(p.Image1, p.Image2)))
	}
}

func TestWriteDatasetWithoutCalibration(t *testing.T) {
	scene := NewScene(DefaultSceneOptions())
	dir := TempDataset(t, scene, DatasetOptions{SkipCalibration: true})

	session, _, err := dataset.Load(dir, dataset.Options{})
	require.NoError(t, err)
	img, _ := session.Image(scene.IDs[0])
	assert.InDelta(t, 1.2*640, img.Camera.Focal, 1e-9)
	assert.InDelta(t, 320, img.Camera.Cx, 1e-9)
}
