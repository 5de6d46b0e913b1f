package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// nullVector returns the right singular vector of a belonging to its smallest
// singular value, together with all singular values in descending order.
func nullVector(a *mat.Dense) ([]float64, []float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, c := a.Dims()
	return mat.Col(nil, c-1, &v), svd.Values(nil), true
}

func toDense(m Mat3) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func fromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

func fromSlice(v []float64) Mat3 {
	return Mat3{
		{v[0], v[1], v[2]},
		{v[3], v[4], v[5]},
		{v[6], v[7], v[8]},
	}
}

// svd3 decomposes m = U·diag(s)·Vᵀ.
func svd3(m Mat3) (Mat3, [3]float64, Mat3, bool) {
	var svd mat.SVD
	if !svd.Factorize(toDense(m), mat.SVDFull) {
		return Mat3{}, [3]float64{}, Mat3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)
	return fromDense(&u), [3]float64{vals[0], vals[1], vals[2]}, fromDense(&v), true
}

// normalizePoints applies the isotropic Hartley normalization: centroid at the
// origin and mean distance sqrt(2). It returns the transformed points and the
// similarity that maps original to normalized coordinates.
func normalizePoints(pts []r2.Point) ([]r2.Point, Mat3) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))

	var mean float64
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	s := 1.0
	if mean > 1e-12 {
		s = math.Sqrt2 / mean
	}

	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	t := Mat3{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}
	return out, t
}

func applyHomogeneous(h Mat3, p r2.Point) (r2.Point, bool) {
	x := h[0][0]*p.X + h[0][1]*p.Y + h[0][2]
	y := h[1][0]*p.X + h[1][1]*p.Y + h[1][2]
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	if math.Abs(w) < 1e-12 {
		return r2.Point{}, false
	}
	return r2.Point{X: x / w, Y: y / w}, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
