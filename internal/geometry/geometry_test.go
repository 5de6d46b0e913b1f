package geometry

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCamera = Camera{Focal: 800, Cx: 320, Cy: 240, Width: 640, Height: 480}

func randomPoints(n int, seed uint64) []r3.Vector {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: rng.Float64()*4 - 2,
			Y: rng.Float64()*4 - 2,
			Z: rng.Float64()*4 - 2,
		}
	}
	return pts
}

func cameraOnArc(deg float64) Pose {
	a := deg * math.Pi / 180
	center := r3.Vector{X: 10 * math.Cos(a), Y: 10 * math.Sin(a), Z: 1}
	return LookAt(center, r3.Vector{}, r3.Vector{Z: 1})
}

func TestRotationVectorRoundTrip(t *testing.T) {
	vectors := []r3.Vector{
		{},
		{X: 0.1},
		{X: 0.3, Y: -0.2, Z: 0.5},
		{Z: math.Pi - 1e-8},
		{X: 1, Y: 1, Z: 1},
	}
	for _, v := range vectors {
		m := RotationMatrix(v)
		assert.InDelta(t, 1.0, m.Det(), 1e-9)
		back := RotationMatrix(m.RotationVector())
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				assert.InDelta(t, m[i][j], back[i][j], 1e-6, "vector %v entry %d,%d", v, i, j)
			}
		}
	}
}

func TestLookAtPointsAtTarget(t *testing.T) {
	p := cameraOnArc(30)
	target := p.Apply(r3.Vector{})
	assert.InDelta(t, 0, target.X, 1e-9)
	assert.InDelta(t, 0, target.Y, 1e-9)
	assert.Greater(t, target.Z, 0.0)

	c := p.Center()
	assert.InDelta(t, 10*math.Cos(math.Pi/6), c.X, 1e-9)
	assert.InDelta(t, 1, c.Z, 1e-9)
}

func TestCameraNormalizeInvertsDistortion(t *testing.T) {
	cam := testCamera
	cam.K1, cam.K2 = -0.1, 0.02
	p := r3.Vector{X: 0.2, Y: -0.15, Z: 1}
	px, ok := cam.Project(p)
	require.True(t, ok)
	n := cam.Normalize(px)
	assert.InDelta(t, 0.2, n.X, 1e-9)
	assert.InDelta(t, -0.15, n.Y, 1e-9)
}

func TestTriangulateRecoversPoint(t *testing.T) {
	p1, p2, p3 := cameraOnArc(0), cameraOnArc(15), cameraOnArc(30)
	x := r3.Vector{X: 0.5, Y: -0.3, Z: 0.8}

	views := make([]View, 0, 3)
	for _, p := range []Pose{p1, p2, p3} {
		c := p.Apply(x)
		views = append(views, View{Pose: p, Point: r2.Point{X: c.X / c.Z, Y: c.Y / c.Z}})
	}
	got, ok := Triangulate(views)
	require.True(t, ok)
	assert.InDelta(t, x.X, got.X, 1e-8)
	assert.InDelta(t, x.Y, got.Y, 1e-8)
	assert.InDelta(t, x.Z, got.Z, 1e-8)

	_, ok = Triangulate(views[:1])
	assert.False(t, ok)

	angle := MaxRayAngle([]r3.Vector{p1.Center(), p3.Center()}, x)
	assert.Greater(t, angle, 20*math.Pi/180)
}

func TestRelativePoseRecoversMotion(t *testing.T) {
	p1, p2 := cameraOnArc(0), cameraOnArc(20)
	// Motion of the second camera relative to the first one.
	r1, r2m := p1.Matrix(), p2.Matrix()
	relR := r2m.Mul(r1.T())
	relT := p2.Translation.Sub(relR.MulVec(p1.Translation))

	var x1, x2 []r2.Point
	for _, x := range randomPoints(80, 3) {
		c1, c2 := p1.Apply(x), p2.Apply(x)
		x1 = append(x1, r2.Point{X: c1.X / c1.Z, Y: c1.Y / c1.Z})
		x2 = append(x2, r2.Point{X: c2.X / c2.Z, Y: c2.Y / c2.Z})
	}

	res, err := RelativePose(x1, x2, RansacOptions{Threshold: 1e-3, Iterations: 200, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, 80, countTrue(res.Inliers))
	assert.Less(t, RotationAngle(res.Pose.Matrix(), relR), 1e-6)

	want := relT.Normalize()
	assert.InDelta(t, 1, res.Pose.Translation.Dot(want), 1e-6)
	assert.Greater(t, res.MedianAngle, 5*math.Pi/180)
}

func TestRelativePoseTooFewPoints(t *testing.T) {
	x := make([]r2.Point, 5)
	_, err := RelativePose(x, x, RansacOptions{})
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestHomographyFitsPlanarScene(t *testing.T) {
	p1, p2 := cameraOnArc(0), cameraOnArc(10)
	rng := rand.New(rand.NewPCG(5, 6))
	var x1, x2 []r2.Point
	for i := 0; i < 40; i++ {
		// Points on the plane x = 0.
		x := r3.Vector{Y: rng.Float64()*4 - 2, Z: rng.Float64()*4 - 2}
		a, _ := p1.Project(testCamera, x)
		b, _ := p2.Project(testCamera, x)
		x1 = append(x1, a)
		x2 = append(x2, b)
	}
	_, mask, err := EstimateHomography(x1, x2, RansacOptions{Threshold: 1, Seed: 2})
	require.NoError(t, err)
	assert.Equal(t, 40, countTrue(mask))
}

func TestRotationFitSeparatesPureRotation(t *testing.T) {
	base := cameraOnArc(0)
	rotated := Pose{
		Rotation:    RotationMatrix(r3.Vector{Z: 0.1}).Mul(base.Matrix()).RotationVector(),
		Translation: RotationMatrix(r3.Vector{Z: 0.1}).MulVec(base.Translation),
	}
	translated := cameraOnArc(25)

	fit := func(p Pose) int {
		var b1, b2 []r3.Vector
		for _, x := range randomPoints(60, 11) {
			b1 = append(b1, base.Apply(x).Normalize())
			b2 = append(b2, p.Apply(x).Normalize())
		}
		_, mask, err := EstimateRotation(b1, b2, RansacOptions{Threshold: 0.002, Seed: 3})
		require.NoError(t, err)
		return countTrue(mask)
	}

	assert.Equal(t, 60, fit(rotated))
	assert.Less(t, fit(translated), 30)
}

func TestResectRecoversPose(t *testing.T) {
	truth := cameraOnArc(40)
	points := randomPoints(50, 21)
	pixels := make([]r2.Point, len(points))
	for i, x := range points {
		px, ok := truth.Project(testCamera, x)
		require.True(t, ok)
		pixels[i] = px
	}
	// Corrupt a few observations.
	for i := 0; i < 5; i++ {
		pixels[i] = pixels[i].Add(r2.Point{X: 40, Y: -35})
	}

	res, err := Resect(points, pixels, testCamera, ResectionOptions{
		Ransac:     RansacOptions{Threshold: 2, Iterations: 300, Seed: 9},
		MinInliers: 10,
		Refine:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, 45, res.Count)
	assert.Less(t, RotationAngle(res.Pose.Matrix(), truth.Matrix()), 1e-5)
	assert.InDelta(t, 0, res.Pose.Center().Sub(truth.Center()).Norm(), 1e-4)
	assert.Less(t, res.MeanError, 1e-3)
}

func TestResectRejectsTooFewInliers(t *testing.T) {
	points := randomPoints(8, 4)
	pixels := make([]r2.Point, len(points))
	_, err := Resect(points[:4], pixels[:4], testCamera, ResectionOptions{})
	assert.ErrorIs(t, err, ErrTooFewPoints)
}
