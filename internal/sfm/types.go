// Package sfm holds the data model shared by track building, scoring and
// incremental reconstruction.
package sfm

import (
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/golang/geo/r2"
)

// ImageID identifies an image within a session. It is the image file name.
type ImageID string

// TrackID identifies a track. Ids are dense and assigned deterministically.
type TrackID uint32

// GPS is an optional geolocation prior for an image.
type GPS struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Altitude  float64 `json:"altitude" yaml:"altitude"`
}

// Image describes one input image and its calibration.
type Image struct {
	ID     ImageID         `json:"id" yaml:"id"`
	Path   string          `json:"path,omitempty" yaml:"path,omitempty"`
	Camera geometry.Camera `json:"camera" yaml:"camera"`
	GPS    *GPS            `json:"gps,omitempty" yaml:"gps,omitempty"`
}

// Feature is a detected keypoint; Index is its position in the image's feature list.
type Feature struct {
	Index int
	Point r2.Point
}

// Match links feature indices of the two images of a pair.
type Match struct {
	Feature1 int
	Feature2 int
}

// ImagePair is an unordered pair of images in canonical order (Image1 < Image2).
type ImagePair struct {
	Image1 ImageID `json:"image1" yaml:"image1"`
	Image2 ImageID `json:"image2" yaml:"image2"`
}

// NewImagePair returns the pair in canonical order.
func NewImagePair(a, b ImageID) ImagePair {
	if b < a {
		a, b = b, a
	}
	return ImagePair{Image1: a, Image2: b}
}

// Other returns the image of the pair that is not id.
func (p ImagePair) Other(id ImageID) ImageID {
	if p.Image1 == id {
		return p.Image2
	}
	return p.Image1
}

func (p ImagePair) String() string {
	return string(p.Image1) + "-" + string(p.Image2)
}

// CandidatePair is a pair of images with geometrically verified matches.
type CandidatePair struct {
	ImagePair
	Matches []Match
}

// Observation is a feature of an image that belongs to a track.
type Observation struct {
	Image   ImageID
	Feature int
	Point   r2.Point
}

// Track is a maximal set of observations of one scene point, at most one per
// image, ordered by image id.
type Track struct {
	ID           TrackID
	Observations []Observation
}

// Len returns the number of observations.
func (t Track) Len() int {
	return len(t.Observations)
}
