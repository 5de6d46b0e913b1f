package tracks

import (
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pointsN(n int) []r2.Point {
	pts := make([]r2.Point, n)
	for i := range pts {
		pts[i] = r2.Point{X: float64(i), Y: float64(2 * i)}
	}
	return pts
}

func TestBuildMergesTransitiveMatches(t *testing.T) {
	ix := correspondence.NewIndex()
	for _, id := range []sfm.ImageID{"a", "b", "c"} {
		ix.AddImage(id, pointsN(4))
	}
	// a0-b1-c2 form one track through two pairs; a1-b2 is a second track.
	ix.AddMatches("a", "b", []sfm.Match{{Feature1: 0, Feature2: 1}, {Feature1: 1, Feature2: 2}})
	ix.AddMatches("b", "c", []sfm.Match{{Feature1: 1, Feature2: 2}})

	g, stats := NewBuilder().Build(ix)
	require.Equal(t, 2, g.NumTracks())
	assert.Equal(t, 2, stats.Tracks)
	assert.Equal(t, 0, stats.InconsistentTracks)

	tr, ok := g.Track(0)
	require.True(t, ok)
	require.Len(t, tr.Observations, 3)
	assert.Equal(t, sfm.ImageID("a"), tr.Observations[0].Image)
	assert.Equal(t, 0, tr.Observations[0].Feature)
	assert.Equal(t, sfm.ImageID("c"), tr.Observations[2].Image)

	assert.Equal(t, uint64(2), g.CommonTracks("a", "b").GetCardinality())
	assert.Equal(t, uint64(1), g.CommonTracks("a", "c").GetCardinality())
	assert.Equal(t, []sfm.ImageID{"a", "b", "c"}, g.Images())

	obs, ok := g.Observation("b", 1)
	require.True(t, ok)
	assert.Equal(t, 2, obs.Feature)
	assert.Equal(t, 2.0, obs.Point.X)
}

func TestBuildRejectsInconsistentSets(t *testing.T) {
	ix := correspondence.NewIndex()
	for _, id := range []sfm.ImageID{"a", "b", "c"} {
		ix.AddImage(id, pointsN(4))
	}
	// a0-b0, b0-c0 and c0-a1 chain a0 and a1 into one set.
	ix.AddMatches("a", "b", []sfm.Match{{Feature1: 0, Feature2: 0}, {Feature1: 3, Feature2: 3}})
	ix.AddMatches("b", "c", []sfm.Match{{Feature1: 0, Feature2: 0}})
	ix.AddMatches("a", "c", []sfm.Match{{Feature1: 1, Feature2: 0}})

	g, stats := NewBuilder().Build(ix)
	assert.Equal(t, 1, stats.InconsistentTracks)
	require.Equal(t, 1, g.NumTracks())
	tr, _ := g.Track(0)
	assert.Equal(t, 3, tr.Observations[0].Feature)
}

func TestBuildSkipsMalformedInput(t *testing.T) {
	ix := correspondence.NewIndex()
	ix.AddImage("a", pointsN(2))
	ix.AddImage("b", pointsN(2))
	ix.AddMatches("a", "b", []sfm.Match{{Feature1: 0, Feature2: 0}, {Feature1: 5, Feature2: 1}})
	ix.AddMatches("a", "ghost", []sfm.Match{{Feature1: 0, Feature2: 0}})
	ix.AddMatches("b", "b", []sfm.Match{{Feature1: 0, Feature2: 1}})

	g, stats := NewBuilder().Build(ix)
	assert.Equal(t, 2, stats.SkippedPairs)
	assert.Equal(t, 1, stats.SkippedMatches)
	assert.Equal(t, 1, g.NumTracks())
}

func TestBuildMinLength(t *testing.T) {
	ix := correspondence.NewIndex()
	for _, id := range []sfm.ImageID{"a", "b", "c"} {
		ix.AddImage(id, pointsN(2))
	}
	ix.AddMatches("a", "b", []sfm.Match{{Feature1: 0, Feature2: 0}, {Feature1: 1, Feature2: 1}})
	ix.AddMatches("b", "c", []sfm.Match{{Feature1: 0, Feature2: 0}})

	g, stats := (&Builder{MinLength: 3}).Build(ix)
	assert.Equal(t, 1, g.NumTracks())
	assert.Equal(t, 1, stats.ShortTracks)
}

func TestUnionFind(t *testing.T) {
	var uf unionFind
	for i := 0; i < 6; i++ {
		uf.add()
	}
	uf.union(0, 1)
	uf.union(2, 3)
	uf.union(1, 3)
	assert.Equal(t, uf.find(0), uf.find(2))
	assert.NotEqual(t, uf.find(0), uf.find(4))
	assert.NotEqual(t, uf.find(4), uf.find(5))
}
