package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genRotationVector generates rotation vectors with angles below pi.
func genRotationVector() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-1, 1),
		gen.Float64Range(-1, 1),
		gen.Float64Range(-1, 1),
		gen.Float64Range(0, 3.0),
	).Map(func(vals []interface{}) r3.Vector {
		v := r3.Vector{X: vals[0].(float64), Y: vals[1].(float64), Z: vals[2].(float64)}
		if v.Norm() < 1e-6 {
			return r3.Vector{}
		}
		return v.Normalize().Mul(vals[3].(float64))
	})
}

func TestRotationMatrix_Orthonormal(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("rotation matrices are orthonormal with det 1", prop.ForAll(
		func(v r3.Vector) bool {
			m := RotationMatrix(v)
			p := m.Mul(m.T())
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					want := 0.0
					if i == j {
						want = 1
					}
					if math.Abs(p[i][j]-want) > 1e-9 {
						return false
					}
				}
			}
			return math.Abs(m.Det()-1) < 1e-9
		},
		genRotationVector(),
	))

	properties.TestingRun(t)
}

func TestRotationVector_RoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("log then exp reproduces the rotation", prop.ForAll(
		func(v r3.Vector) bool {
			m := RotationMatrix(v)
			return RotationAngle(m, RotationMatrix(m.RotationVector())) < 1e-6
		},
		genRotationVector(),
	))

	properties.TestingRun(t)
}
