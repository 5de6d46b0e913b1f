package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// View is one observation of a point: the observing camera pose and the
// normalized image coordinates.
type View struct {
	Pose  Pose
	Point r2.Point
}

// Triangulate solves the linear (DLT) multi-view triangulation. It fails for
// fewer than two views or a point at infinity.
func Triangulate(views []View) (r3.Vector, bool) {
	if len(views) < 2 {
		return r3.Vector{}, false
	}
	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		r := v.Pose.Matrix()
		t := v.Pose.Translation
		p := [3][4]float64{
			{r[0][0], r[0][1], r[0][2], t.X},
			{r[1][0], r[1][1], r[1][2], t.Y},
			{r[2][0], r[2][1], r[2][2], t.Z},
		}
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, v.Point.X*p[2][j]-p[0][j])
			a.Set(2*i+1, j, v.Point.Y*p[2][j]-p[1][j])
		}
	}
	x, _, ok := nullVector(a)
	if !ok || math.Abs(x[3]) < 1e-12 {
		return r3.Vector{}, false
	}
	out := r3.Vector{X: x[0] / x[3], Y: x[1] / x[3], Z: x[2] / x[3]}
	if !isFinite(out.X) || !isFinite(out.Y) || !isFinite(out.Z) {
		return r3.Vector{}, false
	}
	return out, true
}

// RayAngle is the angle in radians at x between the rays to two camera centres.
func RayAngle(c1, c2, x r3.Vector) float64 {
	a := c1.Sub(x)
	b := c2.Sub(x)
	if a.Norm() < 1e-12 || b.Norm() < 1e-12 {
		return 0
	}
	return float64(a.Angle(b))
}

// MaxRayAngle returns the widest pairwise ray angle at x over the given camera centres.
func MaxRayAngle(centers []r3.Vector, x r3.Vector) float64 {
	var best float64
	for i := 0; i < len(centers); i++ {
		for j := i + 1; j < len(centers); j++ {
			best = math.Max(best, RayAngle(centers[i], centers[j], x))
		}
	}
	return best
}
