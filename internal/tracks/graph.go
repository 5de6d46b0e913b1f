package tracks

import (
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/RoaringBitmap/roaring/v2"
)

// Graph is the bipartite image/track graph. It is immutable once built and
// safe for concurrent reads.
type Graph struct {
	tracks      []sfm.Track
	images      []sfm.ImageID
	imageTracks map[sfm.ImageID]*roaring.Bitmap
	// obs maps image -> track -> position in the track's observation list.
	obs map[sfm.ImageID]map[sfm.TrackID]int
}

func newGraph(tracks []sfm.Track) *Graph {
	g := &Graph{
		tracks:      tracks,
		imageTracks: make(map[sfm.ImageID]*roaring.Bitmap),
		obs:         make(map[sfm.ImageID]map[sfm.TrackID]int),
	}
	for _, t := range tracks {
		for i, o := range t.Observations {
			bm, ok := g.imageTracks[o.Image]
			if !ok {
				bm = roaring.New()
				g.imageTracks[o.Image] = bm
				g.obs[o.Image] = make(map[sfm.TrackID]int)
				g.images = append(g.images, o.Image)
			}
			bm.Add(uint32(t.ID))
			g.obs[o.Image][t.ID] = i
		}
	}
	sort.Slice(g.images, func(i, j int) bool { return g.images[i] < g.images[j] })
	for _, bm := range g.imageTracks {
		bm.RunOptimize()
	}
	return g
}

// NumTracks returns the number of tracks.
func (g *Graph) NumTracks() int {
	return len(g.tracks)
}

// Tracks returns all tracks ordered by id.
func (g *Graph) Tracks() []sfm.Track {
	return g.tracks
}

// Track returns a track by id.
func (g *Graph) Track(id sfm.TrackID) (sfm.Track, bool) {
	if int(id) >= len(g.tracks) {
		return sfm.Track{}, false
	}
	return g.tracks[id], true
}

// Images returns the ids of images observing at least one track, ascending.
func (g *Graph) Images() []sfm.ImageID {
	return append([]sfm.ImageID(nil), g.images...)
}

// TracksOf returns a copy of the set of tracks observed by an image.
func (g *Graph) TracksOf(id sfm.ImageID) *roaring.Bitmap {
	bm, ok := g.imageTracks[id]
	if !ok {
		return roaring.New()
	}
	return bm.Clone()
}

// CountTracksOf returns how many tracks an image observes.
func (g *Graph) CountTracksOf(id sfm.ImageID) int {
	bm, ok := g.imageTracks[id]
	if !ok {
		return 0
	}
	return int(bm.GetCardinality())
}

// CommonTracks returns the tracks observed by both images.
func (g *Graph) CommonTracks(a, b sfm.ImageID) *roaring.Bitmap {
	ba, ok := g.imageTracks[a]
	if !ok {
		return roaring.New()
	}
	bb, ok := g.imageTracks[b]
	if !ok {
		return roaring.New()
	}
	return roaring.And(ba, bb)
}

// SharedWith returns the tracks of an image that are also in set.
func (g *Graph) SharedWith(id sfm.ImageID, set *roaring.Bitmap) *roaring.Bitmap {
	bm, ok := g.imageTracks[id]
	if !ok {
		return roaring.New()
	}
	return roaring.And(bm, set)
}

// Observation returns the observation of a track in an image.
func (g *Graph) Observation(id sfm.ImageID, track sfm.TrackID) (sfm.Observation, bool) {
	m, ok := g.obs[id]
	if !ok {
		return sfm.Observation{}, false
	}
	i, ok := m[track]
	if !ok {
		return sfm.Observation{}, false
	}
	return g.tracks[track].Observations[i], true
}
