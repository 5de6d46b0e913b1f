package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Pose maps world points into camera coordinates: x_c = R·X + t, with R stored
// as a rotation vector.
type Pose struct {
	Rotation    r3.Vector `json:"rotation" yaml:"rotation"`
	Translation r3.Vector `json:"translation" yaml:"translation"`
}

// NewPose builds a pose from a rotation matrix and translation.
func NewPose(r Mat3, t r3.Vector) Pose {
	return Pose{Rotation: r.RotationVector(), Translation: t}
}

// LookAt returns the pose of a camera at center looking at target, with the
// image y axis pointing against up.
func LookAt(center, target, up r3.Vector) Pose {
	z := target.Sub(center).Normalize()
	x := z.Cross(up).Normalize()
	y := z.Cross(x)
	r := Mat3{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}
	return NewPose(r, r.MulVec(center).Mul(-1))
}

// Matrix returns the rotation matrix of the pose.
func (p Pose) Matrix() Mat3 {
	return RotationMatrix(p.Rotation)
}

// Apply transforms a world point into camera coordinates.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return p.Matrix().MulVec(x).Add(p.Translation)
}

// Center returns the camera centre in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.Matrix().T().MulVec(p.Translation).Mul(-1)
}

// Project maps a world point to pixels through cam.
func (p Pose) Project(cam Camera, x r3.Vector) (r2.Point, bool) {
	return cam.Project(p.Apply(x))
}

// Depth returns the z coordinate of a world point in the camera frame.
func (p Pose) Depth(x r3.Vector) float64 {
	return p.Apply(x).Z
}

// ReprojectionError is the pixel distance between the projection of x and the
// observation. Points behind the camera have infinite error.
func (p Pose) ReprojectionError(cam Camera, x r3.Vector, obs r2.Point) float64 {
	proj, ok := p.Project(cam, x)
	if !ok {
		return math.Inf(1)
	}
	return proj.Sub(obs).Norm()
}
