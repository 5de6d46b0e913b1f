package correspondence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSwapsMatchesIntoCanonicalOrder(t *testing.T) {
	ix := NewIndex()
	ix.AddImage("b.jpg", []r2.Point{{X: 1}, {X: 2}})
	ix.AddImage("a.jpg", []r2.Point{{X: 3}})
	ix.AddMatches("b.jpg", "a.jpg", []sfm.Match{{Feature1: 1, Feature2: 0}})

	assert.Equal(t, []sfm.ImageID{"a.jpg", "b.jpg"}, ix.Images())
	cp, ok := ix.Pair("b.jpg", "a.jpg")
	require.True(t, ok)
	assert.Equal(t, sfm.ImageID("a.jpg"), cp.Image1)
	assert.Equal(t, []sfm.Match{{Feature1: 0, Feature2: 1}}, cp.Matches)

	f, ok := ix.Feature("b.jpg", 1)
	require.True(t, ok)
	assert.Equal(t, 2.0, f.Point.X)
	_, ok = ix.Feature("b.jpg", 2)
	assert.False(t, ok)
	assert.Equal(t, 1, ix.NumMatches())
}

func TestStoreRoundTripsIndex(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "correspondences.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.PutFeatures(ctx, "a.jpg", "ORB", []r2.Point{{X: 10, Y: 20}, {X: 30, Y: 40}}))
	require.NoError(t, store.PutFeatures(ctx, "b.jpg", "ORB", []r2.Point{{X: 11, Y: 21}}))
	require.NoError(t, store.PutFeatures(ctx, "c.jpg", "ORB", []r2.Point{{X: 5, Y: 5}}))
	require.NoError(t, store.PutMatches(ctx, "b.jpg", "a.jpg", "ORB", []sfm.Match{{Feature1: 0, Feature2: 1}}))

	ids, err := store.ImageIDs(ctx, "ORB")
	require.NoError(t, err)
	assert.Equal(t, []sfm.ImageID{"a.jpg", "b.jpg", "c.jpg"}, ids)

	ix, err := store.LoadIndex(ctx, ids, []sfm.ImagePair{
		sfm.NewImagePair("a.jpg", "b.jpg"),
		sfm.NewImagePair("a.jpg", "c.jpg"),
	}, "ORB")
	require.NoError(t, err)

	assert.Len(t, ix.Features("a.jpg"), 2)
	pairs := ix.Pairs()
	require.Len(t, pairs, 1, "a pair without stored matches contributes nothing")
	assert.Equal(t, []sfm.Match{{Feature1: 1, Feature2: 0}}, pairs[0].Matches)

	other, err := store.LoadIndex(ctx, ids, nil, "SIFT")
	require.NoError(t, err)
	assert.Empty(t, other.Features("a.jpg"))
}
