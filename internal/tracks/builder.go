// Package tracks builds tracks from pairwise correspondences and exposes the
// resulting image/track graph.
package tracks

import (
	"log/slog"
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// Stats counts what the builder kept and rejected.
type Stats struct {
	Pairs              int `json:"pairs"`
	SkippedPairs       int `json:"skipped_pairs"`
	Matches            int `json:"matches"`
	SkippedMatches     int `json:"skipped_matches"`
	Sets               int `json:"sets"`
	InconsistentTracks int `json:"inconsistent_tracks"`
	Singletons         int `json:"singletons"`
	ShortTracks        int `json:"short_tracks"`
	Tracks             int `json:"tracks"`
}

// Builder merges correspondences into tracks.
type Builder struct {
	// MinLength drops tracks with fewer observations. Values below 2 mean 2.
	MinLength int
	Logger    *slog.Logger
}

// NewBuilder returns a builder keeping tracks of at least two observations.
func NewBuilder() *Builder {
	return &Builder{MinLength: 2}
}

type nodeKey struct {
	image   sfm.ImageID
	feature int
}

func (k nodeKey) less(o nodeKey) bool {
	if k.image != o.image {
		return k.image < o.image
	}
	return k.feature < o.feature
}

// Build unions all valid correspondences of the index and returns the track
// graph. Sets with two observations from one image are rejected whole and
// counted as inconsistent; singleton sets are dropped. Track ids follow the
// order of each set's smallest (image, feature) key, so equal input yields
// equal ids regardless of pair iteration order.
func (b *Builder) Build(ix *correspondence.Index) (*Graph, Stats) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minLen := max(b.MinLength, 2)

	var (
		stats Stats
		uf    unionFind
		nodes = make(map[nodeKey]int32)
		keys  []nodeKey
	)
	node := func(k nodeKey) int32 {
		if id, ok := nodes[k]; ok {
			return id
		}
		id := uf.add()
		nodes[k] = id
		keys = append(keys, k)
		return id
	}

	for _, cp := range ix.Pairs() {
		if cp.Image1 == cp.Image2 || !ix.HasImage(cp.Image1) || !ix.HasImage(cp.Image2) {
			stats.SkippedPairs++
			logger.Warn("Skipping malformed pair", "image1", cp.Image1, "image2", cp.Image2)
			continue
		}
		stats.Pairs++
		for _, m := range cp.Matches {
			if _, ok := ix.Feature(cp.Image1, m.Feature1); !ok {
				stats.SkippedMatches++
				continue
			}
			if _, ok := ix.Feature(cp.Image2, m.Feature2); !ok {
				stats.SkippedMatches++
				continue
			}
			stats.Matches++
			uf.union(
				node(nodeKey{image: cp.Image1, feature: m.Feature1}),
				node(nodeKey{image: cp.Image2, feature: m.Feature2}),
			)
		}
	}

	sets := make(map[int32][]nodeKey)
	for i, k := range keys {
		root := uf.find(int32(i))
		sets[root] = append(sets[root], k)
	}
	stats.Sets = len(sets)

	groups := make([][]nodeKey, 0, len(sets))
	for _, members := range sets {
		sort.Slice(members, func(i, j int) bool { return members[i].less(members[j]) })
		switch {
		case len(members) < 2:
			stats.Singletons++
			continue
		case hasDuplicateImage(members):
			stats.InconsistentTracks++
			continue
		case len(members) < minLen:
			stats.ShortTracks++
			continue
		}
		groups = append(groups, members)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].less(groups[j][0]) })

	tracks := make([]sfm.Track, len(groups))
	for i, members := range groups {
		obs := make([]sfm.Observation, len(members))
		for j, k := range members {
			f, _ := ix.Feature(k.image, k.feature)
			obs[j] = sfm.Observation{Image: k.image, Feature: k.feature, Point: f.Point}
		}
		tracks[i] = sfm.Track{ID: sfm.TrackID(i), Observations: obs}
	}
	stats.Tracks = len(tracks)

	logger.Info("Built tracks",
		"tracks", stats.Tracks,
		"inconsistent", stats.InconsistentTracks,
		"skipped_pairs", stats.SkippedPairs,
		"skipped_matches", stats.SkippedMatches)
	return newGraph(tracks), stats
}

// members must be sorted.
func hasDuplicateImage(members []nodeKey) bool {
	for i := 1; i < len(members); i++ {
		if members[i].image == members[i-1].image {
			return true
		}
	}
	return false
}
