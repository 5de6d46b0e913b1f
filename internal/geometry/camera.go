package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Camera is a pinhole camera with two-term radial distortion. Focal length and
// principal point are in pixels.
type Camera struct {
	Focal  float64 `json:"focal" yaml:"focal"`
	Cx     float64 `json:"cx" yaml:"cx"`
	Cy     float64 `json:"cy" yaml:"cy"`
	K1     float64 `json:"k1" yaml:"k1"`
	K2     float64 `json:"k2" yaml:"k2"`
	Width  int     `json:"width" yaml:"width"`
	Height int     `json:"height" yaml:"height"`
}

// DefaultCamera returns the calibration assumed for an image without one:
// focal length 1.2 times the larger image side and the principal point at the centre.
func DefaultCamera(width, height int) Camera {
	return Camera{
		Focal:  1.2 * float64(max(width, height)),
		Cx:     float64(width) / 2,
		Cy:     float64(height) / 2,
		Width:  width,
		Height: height,
	}
}

// Project maps a point in camera coordinates to pixels. The second return value
// is false for points on or behind the image plane.
func (c Camera) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 1e-12 {
		return r2.Point{}, false
	}
	x, y := p.X/p.Z, p.Y/p.Z
	rr := x*x + y*y
	d := 1 + c.K1*rr + c.K2*rr*rr
	return r2.Point{X: c.Focal*d*x + c.Cx, Y: c.Focal*d*y + c.Cy}, true
}

// Normalize removes intrinsics and distortion from a pixel, returning
// coordinates on the z=1 plane.
func (c Camera) Normalize(px r2.Point) r2.Point {
	xd := (px.X - c.Cx) / c.Focal
	yd := (px.Y - c.Cy) / c.Focal
	if c.K1 == 0 && c.K2 == 0 {
		return r2.Point{X: xd, Y: yd}
	}
	x, y := xd, yd
	for i := 0; i < 20; i++ {
		rr := x*x + y*y
		d := 1 + c.K1*rr + c.K2*rr*rr
		nx, ny := xd/d, yd/d
		if math.Abs(nx-x) < 1e-12 && math.Abs(ny-y) < 1e-12 {
			x, y = nx, ny
			break
		}
		x, y = nx, ny
	}
	return r2.Point{X: x, Y: y}
}

// Bearing returns the unit ray through a pixel in camera coordinates.
func (c Camera) Bearing(px r2.Point) r3.Vector {
	n := c.Normalize(px)
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize()
}

// PixelToNormalized converts a pixel threshold to normalized image units.
func (c Camera) PixelToNormalized(px float64) float64 {
	if c.Focal <= 0 {
		return px
	}
	return px / c.Focal
}
