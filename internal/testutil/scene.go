package testutil

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// SceneOptions configures a synthetic scene: cameras on a horizontal arc
// looking at a cloud of points around the origin.
type SceneOptions struct {
	Images int
	Points int
	// StepDegrees is the angular spacing of neighbouring cameras on the arc.
	StepDegrees float64
	Radius      float64
	// Extent is the half side of the cube holding the points.
	Extent float64
	// Noise is the standard deviation of pixel noise added to observations.
	Noise  float64
	Seed   uint64
	Camera geometry.Camera
	// Extension is the image file extension used for ids.
	Extension string
}

// DefaultSceneOptions returns a well-conditioned scene.
func DefaultSceneOptions() SceneOptions {
	return SceneOptions{
		Images:      5,
		Points:      120,
		StepDegrees: 12,
		Radius:      10,
		Extent:      2,
		Seed:        42,
		Camera:      geometry.Camera{Focal: 800, Cx: 320, Cy: 240, Width: 640, Height: 480},
		Extension:   ".png",
	}
}

// Scene is ground truth for tests.
type Scene struct {
	Camera geometry.Camera
	IDs    []sfm.ImageID
	Poses  map[sfm.ImageID]geometry.Pose
	Points []r3.Vector

	noise float64
	rng   *rand.Rand
	// featureOf maps image -> point index -> feature index; pointOf is its inverse.
	featureOf map[sfm.ImageID]map[int]int
	pointOf   map[sfm.ImageID]map[int]int
}

// NewScene generates a scene.
func NewScene(opts SceneOptions) *Scene {
	d := DefaultSceneOptions()
	if opts.Camera.Focal == 0 {
		opts.Camera = d.Camera
	}
	if opts.Radius == 0 {
		opts.Radius = d.Radius
	}
	if opts.Extent == 0 {
		opts.Extent = d.Extent
	}
	if opts.Extension == "" {
		opts.Extension = d.Extension
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5bd1e995))
	s := &Scene{
		Camera:    opts.Camera,
		Poses:     make(map[sfm.ImageID]geometry.Pose),
		noise:     opts.Noise,
		rng:       rng,
		featureOf: make(map[sfm.ImageID]map[int]int),
		pointOf:   make(map[sfm.ImageID]map[int]int),
	}
	for i := 0; i < opts.Images; i++ {
		id := sfm.ImageID(fmt.Sprintf("img%02d%s", i, opts.Extension))
		a := float64(i) * opts.StepDegrees * math.Pi / 180
		center := r3.Vector{X: opts.Radius * math.Cos(a), Y: opts.Radius * math.Sin(a), Z: 1 + 0.2*float64(i%2)}
		s.IDs = append(s.IDs, id)
		s.Poses[id] = geometry.LookAt(center, r3.Vector{}, r3.Vector{Z: 1})
	}
	for i := 0; i < opts.Points; i++ {
		s.Points = append(s.Points, r3.Vector{
			X: (rng.Float64()*2 - 1) * opts.Extent,
			Y: (rng.Float64()*2 - 1) * opts.Extent,
			Z: (rng.Float64()*2 - 1) * opts.Extent,
		})
	}
	return s
}

// AddImage adds a camera with an explicit pose.
func (s *Scene) AddImage(id sfm.ImageID, pose geometry.Pose) {
	s.IDs = append(s.IDs, id)
	s.Poses[id] = pose
}

// Project returns the pixel of point i in an image and whether it is inside the frame.
func (s *Scene) Project(id sfm.ImageID, i int) (r2.Point, bool) {
	px, ok := s.Poses[id].Project(s.Camera, s.Points[i])
	if !ok || px.X < 0 || px.Y < 0 || px.X >= float64(s.Camera.Width) || px.Y >= float64(s.Camera.Height) {
		return r2.Point{}, false
	}
	return px, true
}

// Images returns session images for all scene cameras with the true calibration.
func (s *Scene) Images() []sfm.Image {
	out := make([]sfm.Image, len(s.IDs))
	for i, id := range s.IDs {
		out[i] = sfm.Image{ID: id, Camera: s.Camera}
	}
	return out
}

// Session returns a session over the scene's images.
func (s *Scene) Session() *dataset.Session {
	return dataset.NewSession("", s.Images(), dataset.Options{})
}

// AllPairs returns every image pair.
func (s *Scene) AllPairs() []sfm.ImagePair {
	var out []sfm.ImagePair
	for i := range s.IDs {
		for j := i + 1; j < len(s.IDs); j++ {
			out = append(out, sfm.NewImagePair(s.IDs[i], s.IDs[j]))
		}
	}
	return out
}

// Visibility decides whether an image observes a point.
type Visibility func(id sfm.ImageID, point int) bool

// Features returns the pixel observations of every visible point per image.
// Feature order is a seeded permutation so feature indices differ from point indices.
func (s *Scene) Features(visible Visibility) map[sfm.ImageID][]r2.Point {
	out := make(map[sfm.ImageID][]r2.Point, len(s.IDs))
	for _, id := range s.IDs {
		var idx []int
		for i := range s.Points {
			if _, ok := s.Project(id, i); ok && (visible == nil || visible(id, i)) {
				idx = append(idx, i)
			}
		}
		s.rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		feats := make([]r2.Point, len(idx))
		m := make(map[int]int, len(idx))
		inv := make(map[int]int, len(idx))
		for f, i := range idx {
			px, _ := s.Project(id, i)
			if s.noise > 0 {
				px = px.Add(r2.Point{X: s.rng.NormFloat64() * s.noise, Y: s.rng.NormFloat64() * s.noise})
			}
			feats[f] = px
			m[i] = f
			inv[f] = i
		}
		s.featureOf[id] = m
		s.pointOf[id] = inv
		out[id] = feats
	}
	return out
}

// Matches returns the true correspondences of a pair. Features must have been generated.
func (s *Scene) Matches(a, b sfm.ImageID) []sfm.Match {
	fa, fb := s.featureOf[a], s.featureOf[b]
	var out []sfm.Match
	for i := range s.Points {
		ia, okA := fa[i]
		ib, okB := fb[i]
		if okA && okB {
			out = append(out, sfm.Match{Feature1: ia, Feature2: ib})
		}
	}
	return out
}

// Index builds a correspondence index with ground-truth matches for pairs.
// A nil pair list means all pairs.
func (s *Scene) Index(pairs []sfm.ImagePair, visible Visibility) *correspondence.Index {
	if pairs == nil {
		pairs = s.AllPairs()
	}
	ix := correspondence.NewIndex()
	for id, feats := range s.Features(visible) {
		ix.AddImage(id, feats)
	}
	for _, p := range pairs {
		if m := s.Matches(p.Image1, p.Image2); len(m) > 0 {
			ix.AddMatches(p.Image1, p.Image2, m)
		}
	}
	return ix
}

// FeatureOf returns the feature index of point i in an image after Features ran.
func (s *Scene) FeatureOf(id sfm.ImageID, i int) (int, bool) {
	f, ok := s.featureOf[id][i]
	return f, ok
}

// PointOf returns the scene point observed by a track.
func (s *Scene) PointOf(tr sfm.Track) (int, bool) {
	if len(tr.Observations) == 0 {
		return 0, false
	}
	o := tr.Observations[0]
	i, ok := s.pointOf[o.Image][o.Feature]
	return i, ok
}

// Reconstruction returns a reconstruction with the true poses of ids and a
// valid true point for every track seen by at least two of them.
func (s *Scene) Reconstruction(graph *tracks.Graph, ids ...sfm.ImageID) *sfm.Reconstruction {
	rec := sfm.NewReconstruction()
	for _, id := range ids {
		rec.AddShot(sfm.Shot{Image: id, Camera: s.Camera, Pose: s.Poses[id]})
	}
	for _, tr := range graph.Tracks() {
		seen := 0
		for _, o := range tr.Observations {
			if rec.HasShot(o.Image) {
				seen++
			}
		}
		if seen < 2 {
			continue
		}
		if i, ok := s.PointOf(tr); ok {
			rec.AddPoint(tr.ID, s.Points[i], 0)
		}
	}
	return rec
}
