// Package dataset loads the read-only session context of a reconstruction:
// images, calibration, GPS priors and candidate pairs.
package dataset

import (
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// Options are the session-wide settings recorded alongside the images.
type Options struct {
	FeatureType  FeatureType
	Resize       bool
	MaxImageSize int
}

// Session is the single read-only context shared by pair selection,
// correspondence loading and reconstruction. It is never mutated after
// construction and is safe for concurrent use.
type Session struct {
	root   string
	images []sfm.Image
	byID   map[sfm.ImageID]int
	opts   Options
}

// NewSession builds a session from images. Images are ordered by id.
func NewSession(root string, images []sfm.Image, opts Options) *Session {
	imgs := append([]sfm.Image(nil), images...)
	sort.Slice(imgs, func(i, j int) bool { return imgs[i].ID < imgs[j].ID })
	byID := make(map[sfm.ImageID]int, len(imgs))
	for i, img := range imgs {
		byID[img.ID] = i
	}
	if opts.FeatureType == "" {
		opts.FeatureType = DefaultFeatureType
	}
	return &Session{root: root, images: imgs, byID: byID, opts: opts}
}

// Root returns the dataset directory, empty for in-memory sessions.
func (s *Session) Root() string {
	return s.root
}

// Options returns the session settings.
func (s *Session) Options() Options {
	return s.opts
}

// Len returns the number of images.
func (s *Session) Len() int {
	return len(s.images)
}

// Images returns the images ordered by id.
func (s *Session) Images() []sfm.Image {
	return append([]sfm.Image(nil), s.images...)
}

// ImageIDs returns the image ids in ascending order.
func (s *Session) ImageIDs() []sfm.ImageID {
	ids := make([]sfm.ImageID, len(s.images))
	for i, img := range s.images {
		ids[i] = img.ID
	}
	return ids
}

// Image returns the image for id.
func (s *Session) Image(id sfm.ImageID) (sfm.Image, bool) {
	i, ok := s.byID[id]
	if !ok {
		return sfm.Image{}, false
	}
	return s.images[i], true
}

// Has reports whether id belongs to the session.
func (s *Session) Has(id sfm.ImageID) bool {
	_, ok := s.byID[id]
	return ok
}

// Camera returns the calibration of an image, or the zero camera when unknown.
func (s *Session) Camera(id sfm.ImageID) geometry.Camera {
	i, ok := s.byID[id]
	if !ok {
		return geometry.Camera{}
	}
	return s.images[i].Camera
}
