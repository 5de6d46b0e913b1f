package reconstruct

import (
	"context"
	"errors"
	"testing"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/correspondence"
	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/testutil"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, scene *testutil.Scene, pairs []sfm.ImagePair) *tracks.Graph {
	t.Helper()
	g, _ := tracks.NewBuilder().Build(scene.Index(pairs, nil))
	require.Positive(t, g.NumTracks())
	return g
}

func newReconstructor(scene *testutil.Scene, g *tracks.Graph, pairs []sfm.ImagePair, adapter bundle.Adapter, opts Options, options ...Option) *Reconstructor {
	if adapter == nil {
		adapter = bundle.NewLevenbergMarquardt(bundle.DefaultOptions())
	}
	return New(scene.Session(), g, pairs, score.MatchesCount{}, adapter, opts, options...)
}

// identityAdapter reports convergence without moving anything.
func identityAdapter(residual func(p *bundle.Problem, o bundle.Observation) float64) bundle.Adapter {
	return bundle.AdapterFunc(func(_ context.Context, p *bundle.Problem) (*bundle.Result, error) {
		res := &bundle.Result{Converged: true, Reason: "identity"}
		for _, c := range p.Cameras {
			res.Poses = append(res.Poses, c.Pose)
		}
		for _, pt := range p.Points {
			res.Points = append(res.Points, pt.Position)
		}
		for _, o := range p.Observations {
			res.Residuals = append(res.Residuals, residual(p, o))
		}
		return res, nil
	})
}

func TestRunRegistersAllImages(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	r := newReconstructor(scene, g, scene.AllPairs(), nil, DefaultOptions())

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, len(scene.IDs), rec.NumShots())
	assert.Positive(t, rec.NumValidPoints())

	rep := r.Report()
	assert.Equal(t, StopNoCandidates, rep.StopReason)
	assert.Empty(t, rep.Unregistered)
	assert.Len(t, rep.Registered, len(scene.IDs))
	assert.Equal(t, len(scene.IDs)-2, rep.Rounds)
	require.NotNil(t, rep.BootstrapPair)
	assert.Less(t, rep.Residuals.Mean, 1.0)
	assert.NotEmpty(t, rep.RunID)

	// Relative rotations match the ground truth.
	shots := rec.Shots()
	for i := 1; i < len(shots); i++ {
		a, b := shots[0], shots[i]
		est := b.Pose.Matrix().Mul(a.Pose.Matrix().T())
		truth := scene.Poses[b.Image].Matrix().Mul(scene.Poses[a.Image].Matrix().T())
		assert.Less(t, geometry.RotationAngle(est, truth), 1e-2, "shot %s", b.Image)
	}
}

func TestChainOfPairsRegistersAllThree(t *testing.T) {
	opts := testutil.DefaultSceneOptions()
	opts.Images = 3
	scene := testutil.NewScene(opts)
	a, b, c := scene.IDs[0], scene.IDs[1], scene.IDs[2]
	pairs := []sfm.ImagePair{sfm.NewImagePair(a, b), sfm.NewImagePair(b, c)}
	g := build(t, scene, pairs)

	r := newReconstructor(scene, g, pairs, nil, DefaultOptions())
	rec, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, r.Report().BootstrapPair)
	assert.Contains(t, pairs, *r.Report().BootstrapPair)
	assert.Equal(t, 3, rec.NumShots())
	for _, id := range scene.IDs {
		assert.True(t, rec.HasShot(id), id)
	}
}

func TestBootstrapOverride(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	opts := DefaultOptions()
	opts.Bootstrap = [2]sfm.ImageID{scene.IDs[3], scene.IDs[2]}

	r := newReconstructor(scene, g, scene.AllPairs(), nil, opts)
	require.NoError(t, r.Bootstrap(context.Background()))
	assert.Equal(t, StateBootstrapped, r.State())
	assert.Equal(t, sfm.NewImagePair(scene.IDs[2], scene.IDs[3]), *r.Report().BootstrapPair)
	assert.Equal(t, []sfm.ImageID{scene.IDs[2], scene.IDs[3]}, r.Reconstruction().ShotIDs())
	require.Len(t, r.Report().BootstrapAttempts, 1)
}

func TestBootstrapOverrideValidation(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	pairs := []sfm.ImagePair{sfm.NewImagePair(scene.IDs[0], scene.IDs[1])}
	g := build(t, scene, pairs)

	tests := []struct {
		name string
		a, b sfm.ImageID
	}{
		{"unknown image", scene.IDs[0], "missing.png"},
		{"same image", scene.IDs[0], scene.IDs[0]},
		{"not a candidate pair", scene.IDs[0], scene.IDs[2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconstructor(scene, g, pairs, nil, DefaultOptions())
			err := r.BootstrapWith(context.Background(), tt.a, tt.b)
			require.ErrorIs(t, err, sfm.ErrInsufficientCorrespondences)
			assert.Equal(t, StateAborted, r.State())
			assert.Zero(t, r.Reconstruction().NumShots())

			// The caller may retry with another pair.
			require.NoError(t, r.BootstrapWith(context.Background(), scene.IDs[0], scene.IDs[1]))
			assert.Equal(t, StateBootstrapped, r.State())
		})
	}
}

func TestBootstrapAbortsOnPureRotation(t *testing.T) {
	opts := testutil.DefaultSceneOptions()
	opts.Images = 1
	scene := testutil.NewScene(opts)
	base := scene.Poses[scene.IDs[0]]
	turn := geometry.RotationMatrix(r3.Vector{Z: 0.08})
	scene.AddImage("rot.png", geometry.NewPose(turn.Mul(base.Matrix()), turn.MulVec(base.Translation)))

	g := build(t, scene, nil)
	r := newReconstructor(scene, g, scene.AllPairs(), nil, DefaultOptions())

	rec, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sfm.ErrDegenerateGeometry) || errors.Is(err, sfm.ErrInsufficientCorrespondences), err)
	assert.Equal(t, StateAborted, r.State())
	assert.Zero(t, rec.NumShots())
	require.Len(t, r.Report().BootstrapAttempts, 1)
	assert.NotEmpty(t, r.Report().BootstrapAttempts[0].Error)
	assert.Len(t, r.Report().Unregistered, 2)
}

func TestBootstrapWithoutEnoughCommonTracks(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	opts := DefaultOptions()
	opts.MinBootstrapInliers = 1_000

	r := newReconstructor(scene, g, nil, nil, opts)
	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, sfm.ErrInsufficientCorrespondences)
	assert.Equal(t, StateAborted, r.State())
	assert.Equal(t, "insufficient_correspondences", r.Report().StopReason)
}

func TestMaxIterationsStopsEarly(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	opts := DefaultOptions()
	opts.MaxIterations = 1

	r := newReconstructor(scene, g, nil, nil, opts)
	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, 3, rec.NumShots())
	assert.Equal(t, StopMaxIterations, r.Report().StopReason)
	assert.Len(t, r.Report().Unregistered, len(scene.IDs)-3)
}

func TestDivergenceKeepsState(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)

	var calls int
	adapter := bundle.AdapterFunc(func(_ context.Context, p *bundle.Problem) (*bundle.Result, error) {
		calls++
		res := &bundle.Result{Converged: false, Reason: "max iterations", Iterations: 100}
		for range p.Cameras {
			res.Poses = append(res.Poses, geometry.Pose{Translation: r3.Vector{X: 100}})
		}
		for range p.Points {
			res.Points = append(res.Points, r3.Vector{})
		}
		res.Residuals = make([]float64, len(p.Observations))
		return res, nil
	})

	r := newReconstructor(scene, g, nil, adapter, DefaultOptions())
	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, len(scene.IDs), rec.NumShots())
	assert.Equal(t, calls, r.Report().Divergences)
	assert.Equal(t, len(scene.IDs)-1, calls)
	assert.Zero(t, rec.NumInvalidPoints())
	for _, s := range rec.Shots() {
		assert.NotEqual(t, 100.0, s.Pose.Translation.X)
	}
	for _, p := range rec.Points() {
		assert.NotEqual(t, r3.Vector{}, p.Position)
	}
	for _, s := range r.Report().Skips {
		if s.Image == "" {
			assert.Equal(t, "optimizer_divergence", s.Kind)
		}
	}
}

func TestOutlierInvalidationUsesThreshold(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	opts := DefaultOptions()

	var bad sfm.TrackID
	var picked bool
	adapter := identityAdapter(func(p *bundle.Problem, o bundle.Observation) float64 {
		tr := p.Points[o.Point].Track
		if !picked {
			bad, picked = tr, true
		}
		if tr == bad {
			return opts.OutlierThreshold + 1
		}
		// Exactly at the threshold stays valid.
		return opts.OutlierThreshold
	})

	r := newReconstructor(scene, g, nil, adapter, opts)
	require.NoError(t, r.Bootstrap(context.Background()))
	rec := r.Reconstruction()

	require.Equal(t, 1, rec.NumInvalidPoints())
	p, ok := rec.Point(bad)
	require.True(t, ok)
	assert.False(t, p.Valid)
	assert.Greater(t, p.Residual, opts.OutlierThreshold)
	assert.Zero(t, p.InvalidatedRound)
	for _, p := range rec.Points() {
		if p.Valid {
			assert.LessOrEqual(t, p.Residual, opts.OutlierThreshold)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() (*Reconstructor, *sfm.Reconstruction) {
		opts := testutil.DefaultSceneOptions()
		opts.Noise = 0.3
		scene := testutil.NewScene(opts)
		g := build(t, scene, nil)
		r := New(scene.Session(), g, nil, score.NewSnavely(score.DefaultOptions()),
			bundle.NewLevenbergMarquardt(bundle.DefaultOptions()), DefaultOptions())
		rec, err := r.Run(context.Background())
		require.NoError(t, err)
		return r, rec
	}
	r1, rec1 := run()
	r2, rec2 := run()

	assert.Equal(t, rec1.ShotIDs(), rec2.ShotIDs())
	assert.Equal(t, rec1.Shots(), rec2.Shots())
	assert.Equal(t, rec1.Points(), rec2.Points())
	assert.Equal(t, *r1.Report().BootstrapPair, *r2.Report().BootstrapPair)
}

func TestStateTransitions(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	r := newReconstructor(scene, g, nil, nil, DefaultOptions())

	require.ErrorIs(t, r.Grow(context.Background()), ErrInvalidState)
	require.NoError(t, r.Bootstrap(context.Background()))
	require.ErrorIs(t, r.Bootstrap(context.Background()), ErrInvalidState)
	require.NoError(t, r.Grow(context.Background()))
	assert.Equal(t, StateConverged, r.State())
	require.ErrorIs(t, r.Grow(context.Background()), ErrInvalidState)
}

func TestCanceledRun(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)
	r := newReconstructor(scene, g, nil, nil, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateEmpty, r.State())
	assert.Zero(t, rec.NumShots())

	rep := r.Report()
	assert.Equal(t, StateEmpty, rep.State)
	assert.Equal(t, StopCanceled, rep.StopReason)
	assert.Empty(t, rep.BootstrapAttempts)
}

func TestCanceledDuringBootstrapAdjustment(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := bundle.AdapterFunc(func(actx context.Context, _ *bundle.Problem) (*bundle.Result, error) {
		cancel()
		return nil, actx.Err()
	})

	r := newReconstructor(scene, g, nil, adapter, DefaultOptions())
	rec, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateEmpty, r.State())
	assert.Zero(t, rec.NumShots())

	rep := r.Report()
	assert.Equal(t, StopCanceled, rep.StopReason)
	assert.Empty(t, rep.BootstrapAttempts)
	assert.Nil(t, rep.BootstrapPair)
}

func TestCanceledDuringGrowth(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := identityAdapter(func(*bundle.Problem, bundle.Observation) float64 { return 0 })
	var calls int
	adapter := bundle.AdapterFunc(func(actx context.Context, p *bundle.Problem) (*bundle.Result, error) {
		calls++
		if calls == 2 {
			cancel()
			return nil, actx.Err()
		}
		return base.Adjust(actx, p)
	})

	r := newReconstructor(scene, g, nil, adapter, DefaultOptions())
	rec, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateGrowing, r.State())
	assert.Equal(t, 3, rec.NumShots())

	rep := r.Report()
	assert.Equal(t, StateGrowing, rep.State)
	assert.Equal(t, StopCanceled, rep.StopReason)
	assert.Equal(t, 1, rep.Rounds)
	require.Len(t, rep.BootstrapAttempts, 1)
	assert.Empty(t, rep.BootstrapAttempts[0].Error)
}

func TestObserverReceivesEvents(t *testing.T) {
	scene := testutil.NewScene(testutil.DefaultSceneOptions())
	g := build(t, scene, nil)

	var kinds []string
	r := newReconstructor(scene, g, nil, nil, DefaultOptions(),
		WithRunID("run-1"),
		WithObserver(ObserverFunc(func(e Event) {
			assert.Equal(t, "run-1", e.RunID)
			assert.Equal(t, len(scene.IDs), e.Total)
			assert.NotEqual(t, StateEmpty, e.State, e.Kind)
			kinds = append(kinds, e.Kind)
		})))
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, kinds)
	assert.Equal(t, EventBootstrapped, kinds[0])
	assert.Equal(t, EventFinished, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventRegistered)
	assert.Contains(t, kinds, EventAdjusted)
}

// preferImage ranks one image above all others.
type preferImage struct {
	score.Scorer
	image sfm.ImageID
}

func (p preferImage) ScoreImage(c score.ImageContext) score.Score {
	s := p.Scorer.ScoreImage(c)
	if c.Image == p.image {
		s.Value += 1e6
	}
	return s
}

func TestSkippedImageRegistersInLaterRound(t *testing.T) {
	opts := testutil.DefaultSceneOptions()
	opts.Images = 4
	opts.Points = 200
	scene := testutil.NewScene(opts)
	first, second, late, helper := scene.IDs[0], scene.IDs[1], scene.IDs[2], scene.IDs[3]
	half := len(scene.Points) / 2

	// The bootstrap pair sees only the first half of the points, so the
	// second half is triangulated once helper is registered.
	feats := scene.Features(func(id sfm.ImageID, i int) bool {
		return id != second || i < half
	})
	// late observes the first half at wrong pixels and cannot be resected
	// until the second half exists.
	for i := 0; i < half; i++ {
		if f, ok := scene.FeatureOf(late, i); ok {
			feats[late][f] = r2.Point{X: float64((i * 97) % 640), Y: float64((i * 61) % 480)}
		}
	}
	ix := correspondence.NewIndex()
	for id, f := range feats {
		ix.AddImage(id, f)
	}
	for _, p := range scene.AllPairs() {
		if m := scene.Matches(p.Image1, p.Image2); len(m) > 0 {
			ix.AddMatches(p.Image1, p.Image2, m)
		}
	}
	g, _ := tracks.NewBuilder().Build(ix)

	ro := DefaultOptions()
	ro.Bootstrap = [2]sfm.ImageID{first, second}
	var skipped []Event
	r := New(scene.Session(), g, nil, preferImage{Scorer: score.MatchesCount{}, image: late},
		identityAdapter(func(*bundle.Problem, bundle.Observation) float64 { return 0 }), ro,
		WithObserver(ObserverFunc(func(e Event) {
			if e.Kind == EventSkipped {
				skipped = append(skipped, e)
			}
		})))

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, 4, rec.NumShots())
	assert.Empty(t, r.Report().Unregistered)

	skips := r.Report().SkipsFor(late)
	require.Len(t, skips, 1)
	assert.Equal(t, 1, skips[0].Round)
	assert.Contains(t, []string{"insufficient_correspondences", "degenerate_geometry"}, skips[0].Kind)
	assert.Empty(t, r.Report().SkipsFor(helper))

	require.Len(t, skipped, 1)
	assert.Equal(t, late, skipped[0].Image)
	assert.Equal(t, 1, skipped[0].Round)

	h, ok := rec.Shot(helper)
	require.True(t, ok)
	assert.Equal(t, 1, h.Round)
	s, ok := rec.Shot(late)
	require.True(t, ok)
	assert.Equal(t, 2, s.Round)
}
