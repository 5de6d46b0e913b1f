package tracks

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	propImages   = 5
	propFeatures = 8
)

type rawMatch struct {
	img1, f1, img2, f2 int
}

func genRawMatch() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, propImages-1),
		gen.IntRange(0, propFeatures-1),
		gen.IntRange(0, propImages-1),
		gen.IntRange(0, propFeatures-1),
	).Map(func(vals []interface{}) rawMatch {
		return rawMatch{img1: vals[0].(int), f1: vals[1].(int), img2: vals[2].(int), f2: vals[3].(int)}
	})
}

func imageName(i int) sfm.ImageID {
	return sfm.ImageID(fmt.Sprintf("img%02d.jpg", i))
}

func buildIndex(matches []rawMatch, order []int) *correspondence.Index {
	ix := correspondence.NewIndex()
	for i := propImages - 1; i >= 0; i-- {
		ix.AddImage(imageName(i), pointsN(propFeatures))
	}
	for _, i := range order {
		m := matches[i]
		ix.AddMatches(imageName(m.img1), imageName(m.img2), []sfm.Match{{Feature1: m.f1, Feature2: m.f2}})
	}
	return ix
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestBuild_NoTrackRepeatsAnImage(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every track has at least two observations from distinct images", prop.ForAll(
		func(matches []rawMatch) bool {
			g, _ := NewBuilder().Build(buildIndex(matches, identity(len(matches))))
			for _, tr := range g.Tracks() {
				if tr.Len() < 2 {
					return false
				}
				seen := make(map[sfm.ImageID]bool)
				for _, o := range tr.Observations {
					if seen[o.Image] {
						return false
					}
					seen[o.Image] = true
				}
			}
			return true
		},
		gen.SliceOfN(30, genRawMatch()),
	))

	properties.TestingRun(t)
}

func TestBuild_DeterministicUnderPairOrder(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("shuffling the correspondence input keeps tracks and ids", prop.ForAll(
		func(matches []rawMatch, seed uint64) bool {
			order := identity(len(matches))
			rand.New(rand.NewPCG(seed, 1)).Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
			g1, s1 := NewBuilder().Build(buildIndex(matches, identity(len(matches))))
			g2, s2 := NewBuilder().Build(buildIndex(matches, order))
			return s1 == s2 && reflect.DeepEqual(g1.Tracks(), g2.Tracks())
		},
		gen.SliceOfN(30, genRawMatch()),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
