package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m·o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return out
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Scale returns s·m.
func (m Mat3) Scale(s float64) Mat3 {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] *= s
		}
	}
	return m
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Skew returns the cross-product matrix [v]x.
func Skew(v r3.Vector) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// RotationMatrix converts a rotation vector (axis times angle) to a rotation matrix
// using the Rodrigues formula.
func RotationMatrix(v r3.Vector) Mat3 {
	theta := v.Norm()
	if theta < 1e-12 {
		return Mat3{
			{1, -v.Z, v.Y},
			{v.Z, 1, -v.X},
			{-v.Y, v.X, 1},
		}
	}
	k := v.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	cc := 1 - c
	return Mat3{
		{c + k.X*k.X*cc, k.X*k.Y*cc - k.Z*s, k.X*k.Z*cc + k.Y*s},
		{k.Y*k.X*cc + k.Z*s, c + k.Y*k.Y*cc, k.Y*k.Z*cc - k.X*s},
		{k.Z*k.X*cc - k.Y*s, k.Z*k.Y*cc + k.X*s, c + k.Z*k.Z*cc},
	}
}

// RotationVector converts a rotation matrix back to its rotation vector.
func (m Mat3) RotationVector() r3.Vector {
	cosTheta := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)
	w := r3.Vector{X: m[2][1] - m[1][2], Y: m[0][2] - m[2][0], Z: m[1][0] - m[0][1]}

	switch {
	case theta < 1e-9:
		return w.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// Near pi the antisymmetric part vanishes; recover the axis from (R+I)/2 = k·kᵀ.
		i := 0
		if m[1][1] > m[i][i] {
			i = 1
		}
		if m[2][2] > m[i][i] {
			i = 2
		}
		var k [3]float64
		k[i] = math.Sqrt(math.Max(0, (m[i][i]+1)/2))
		for j := 0; j < 3; j++ {
			if j != i {
				k[j] = (m[i][j] + m[j][i]) / (4 * k[i])
			}
		}
		axis := r3.Vector{X: k[0], Y: k[1], Z: k[2]}.Normalize()
		return axis.Mul(theta)
	default:
		return w.Mul(theta / (2 * math.Sin(theta)))
	}
}

// NearestRotation projects m onto SO(3) in the Frobenius sense.
func NearestRotation(m Mat3) Mat3 {
	u, _, v, ok := svd3(m)
	if !ok {
		return Identity3()
	}
	r := u.Mul(v.T())
	if r.Det() < 0 {
		for i := 0; i < 3; i++ {
			u[i][2] = -u[i][2]
		}
		r = u.Mul(v.T())
	}
	return r
}

// RotationAngle returns the angle in radians of the rotation between a and b.
func RotationAngle(a, b Mat3) float64 {
	return a.T().Mul(b).RotationVector().Norm()
}
