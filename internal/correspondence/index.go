// Package correspondence holds per-image feature locations and the verified
// matches of candidate image pairs, and persists them in SQLite.
package correspondence

import (
	"fmt"
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
)

// Index is the read-only input of track building: features per image and
// matches per candidate pair. It is filled once and not mutated afterwards.
type Index struct {
	images   []sfm.ImageID
	features map[sfm.ImageID][]sfm.Feature
	pairs    map[sfm.ImagePair]*sfm.CandidatePair
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		features: make(map[sfm.ImageID][]sfm.Feature),
		pairs:    make(map[sfm.ImagePair]*sfm.CandidatePair),
	}
}

// AddImage stores the keypoints of an image. Feature i gets index i.
func (ix *Index) AddImage(id sfm.ImageID, points []r2.Point) {
	if _, ok := ix.features[id]; !ok {
		ix.images = append(ix.images, id)
		sort.Slice(ix.images, func(i, j int) bool { return ix.images[i] < ix.images[j] })
	}
	feats := make([]sfm.Feature, len(points))
	for i, p := range points {
		feats[i] = sfm.Feature{Index: i, Point: p}
	}
	ix.features[id] = feats
}

// AddMatches appends matches between a and b. Matches are stored relative to
// the canonical pair order; the feature indices are swapped when b < a.
func (ix *Index) AddMatches(a, b sfm.ImageID, matches []sfm.Match) {
	pair := sfm.NewImagePair(a, b)
	swapped := pair.Image1 != a
	cp, ok := ix.pairs[pair]
	if !ok {
		cp = &sfm.CandidatePair{ImagePair: pair}
		ix.pairs[pair] = cp
	}
	for _, m := range matches {
		if swapped {
			m = sfm.Match{Feature1: m.Feature2, Feature2: m.Feature1}
		}
		cp.Matches = append(cp.Matches, m)
	}
}

// Images returns the image ids in ascending order.
func (ix *Index) Images() []sfm.ImageID {
	return append([]sfm.ImageID(nil), ix.images...)
}

// HasImage reports whether features were stored for id.
func (ix *Index) HasImage(id sfm.ImageID) bool {
	_, ok := ix.features[id]
	return ok
}

// Features returns the features of an image.
func (ix *Index) Features(id sfm.ImageID) []sfm.Feature {
	return ix.features[id]
}

// Feature returns one feature of an image.
func (ix *Index) Feature(id sfm.ImageID, idx int) (sfm.Feature, bool) {
	feats, ok := ix.features[id]
	if !ok || idx < 0 || idx >= len(feats) {
		return sfm.Feature{}, false
	}
	return feats[idx], true
}

// Pairs returns all candidate pairs ordered by (Image1, Image2).
func (ix *Index) Pairs() []sfm.CandidatePair {
	out := make([]sfm.CandidatePair, 0, len(ix.pairs))
	for _, cp := range ix.pairs {
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Image1 != out[j].Image1 {
			return out[i].Image1 < out[j].Image1
		}
		return out[i].Image2 < out[j].Image2
	})
	return out
}

// Pair returns the candidate pair for two images in either order.
func (ix *Index) Pair(a, b sfm.ImageID) (sfm.CandidatePair, bool) {
	cp, ok := ix.pairs[sfm.NewImagePair(a, b)]
	if !ok {
		return sfm.CandidatePair{}, false
	}
	return *cp, true
}

// NumMatches returns the total number of matches over all pairs.
func (ix *Index) NumMatches() int {
	n := 0
	for _, cp := range ix.pairs {
		n += len(cp.Matches)
	}
	return n
}

// String summarizes the index for logs.
func (ix *Index) String() string {
	return fmt.Sprintf("%d images, %d pairs, %d matches", len(ix.images), len(ix.pairs), ix.NumMatches())
}
