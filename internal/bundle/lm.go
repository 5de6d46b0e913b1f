package bundle

import (
	"context"
	"math"
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
	"github.com/MeKo-Tech/tracksfm/internal/mempool"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	camDim   = 6
	pointDim = 3

	// behindResidual replaces residuals of points behind a camera.
	behindResidual = 1e4

	minLambda = 1e-12
	maxLambda = 1e12
)

// Options configure the Levenberg-Marquardt solver.
type Options struct {
	MaxIterations int
	// Tolerance is the relative cost decrease below which the solver stops.
	Tolerance float64
	// Huber enables the robust loss scaled by the problem's outlier threshold.
	Huber bool
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{MaxIterations: 100, Tolerance: 1e-6, Huber: true}
}

// LevenbergMarquardt is the built-in Adapter. The reduced camera system is
// formed by eliminating point blocks (Schur complement) and solved by Cholesky.
type LevenbergMarquardt struct {
	opts Options
}

// NewLevenbergMarquardt returns a solver; zero option fields take defaults.
func NewLevenbergMarquardt(opts Options) *LevenbergMarquardt {
	d := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = d.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = d.Tolerance
	}
	return &LevenbergMarquardt{opts: opts}
}

type camParams [camDim]float64
type pointParams [pointDim]float64

type state struct {
	cams   []camParams
	points []pointParams
}

func (s state) clone() state {
	return state{
		cams:   append([]camParams(nil), s.cams...),
		points: append([]pointParams(nil), s.points...),
	}
}

func (c camParams) pose() geometry.Pose {
	return geometry.Pose{
		Rotation:    r3.Vector{X: c[0], Y: c[1], Z: c[2]},
		Translation: r3.Vector{X: c[3], Y: c[4], Z: c[5]},
	}
}

func (p pointParams) vec() r3.Vector {
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}
}

type solver struct {
	problem *Problem
	opts    Options
	delta   float64
	free    []int // camera index -> free block index, -1 when fixed
	nFree   int
	byPoint [][]int // point index -> observation indices
}

// Adjust runs the optimization. It never modifies the problem.
func (lm *LevenbergMarquardt) Adjust(ctx context.Context, p *Problem) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &solver{problem: p, opts: lm.opts, delta: p.OutlierThreshold}
	if s.delta <= 0 {
		s.delta = 4
	}
	s.free = make([]int, len(p.Cameras))
	for i, c := range p.Cameras {
		if c.Fixed {
			s.free[i] = -1
			continue
		}
		s.free[i] = s.nFree
		s.nFree++
	}
	s.byPoint = make([][]int, len(p.Points))
	for i, o := range p.Observations {
		s.byPoint[o.Point] = append(s.byPoint[o.Point], i)
	}

	cur := state{cams: make([]camParams, len(p.Cameras)), points: make([]pointParams, len(p.Points))}
	for i, c := range p.Cameras {
		r, t := c.Pose.Rotation, c.Pose.Translation
		cur.cams[i] = camParams{r.X, r.Y, r.Z, t.X, t.Y, t.Z}
	}
	for i, pt := range p.Points {
		cur.points[i] = pointParams{pt.Position.X, pt.Position.Y, pt.Position.Z}
	}

	cost := s.cost(cur)
	res := &Result{InitialCost: cost}
	if !isFinite(cost) {
		res.Reason = "initial cost is not finite"
		return s.finish(res, cur, cost), nil
	}

	lambda := 1e-3
	for res.Iterations < lm.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cost < 1e-20 {
			res.Converged = true
			res.Reason = "zero cost"
			break
		}
		res.Iterations++

		sys := s.linearize(cur)
		if sys.gradNorm < 1e-14 {
			res.Converged = true
			res.Reason = "gradient below threshold"
			break
		}

		accepted := false
		for lambda <= maxLambda {
			next, ok := s.step(cur, sys, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			nextCost := s.cost(next)
			if isFinite(nextCost) && nextCost < cost {
				rel := (cost - nextCost) / cost
				cur, cost = next, nextCost
				lambda = math.Max(lambda/10, minLambda)
				accepted = true
				if rel < lm.opts.Tolerance {
					res.Converged = true
					res.Reason = "relative cost change below tolerance"
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			// No damping level decreases the cost: a local minimum.
			res.Converged = true
			res.Reason = "no further decrease"
			break
		}
		if res.Converged {
			break
		}
	}
	if !res.Converged && res.Reason == "" {
		res.Reason = "iteration limit reached"
	}
	return s.finish(res, cur, cost), nil
}

func (s *solver) finish(res *Result, st state, cost float64) *Result {
	p := s.problem
	res.FinalCost = cost
	if !isFinite(cost) || cost > res.InitialCost {
		res.Converged = false
	}
	res.Poses = make([]geometry.Pose, len(p.Cameras))
	for i := range p.Cameras {
		res.Poses[i] = st.cams[i].pose()
	}
	res.Points = make([]r3.Vector, len(p.Points))
	for i := range p.Points {
		res.Points[i] = st.points[i].vec()
	}
	res.Residuals = make([]float64, len(p.Observations))
	for i, o := range p.Observations {
		r, ok := s.residual(o, st.cams[o.Camera], st.points[o.Point])
		if !ok {
			res.Residuals[i] = math.Inf(1)
			continue
		}
		res.Residuals[i] = math.Hypot(r[0], r[1])
	}
	res.Stats = residualStats(res.Residuals)
	return res
}

func residualStats(residuals []float64) sfm.ResidualStats {
	var finite []float64
	for _, r := range residuals {
		if isFinite(r) {
			finite = append(finite, r)
		}
	}
	st := sfm.ResidualStats{Count: len(residuals)}
	if len(finite) == 0 {
		return st
	}
	sort.Float64s(finite)
	st.Mean = stat.Mean(finite, nil)
	st.Median = stat.Quantile(0.5, stat.Empirical, finite, nil)
	st.Max = finite[len(finite)-1]
	if len(finite) < len(residuals) {
		st.Max = math.Inf(1)
	}
	return st
}

// residual returns projection minus measurement; false for points behind the camera.
func (s *solver) residual(o Observation, c camParams, p pointParams) ([2]float64, bool) {
	cam := s.problem.Cameras[o.Camera].Camera
	px, ok := c.pose().Project(cam, p.vec())
	if !ok {
		return [2]float64{behindResidual, behindResidual}, false
	}
	return [2]float64{px.X - o.Pixel.X, px.Y - o.Pixel.Y}, true
}

// rho is the robust loss of a squared residual norm.
func (s *solver) rho(e2 float64) float64 {
	if !s.opts.Huber {
		return e2
	}
	e := math.Sqrt(e2)
	if e <= s.delta {
		return e2
	}
	return 2*s.delta*e - s.delta*s.delta
}

func (s *solver) weight(e2 float64) float64 {
	if !s.opts.Huber {
		return 1
	}
	e := math.Sqrt(e2)
	if e <= s.delta {
		return 1
	}
	return s.delta / e
}

func (s *solver) cost(st state) float64 {
	var sum float64
	for _, o := range s.problem.Observations {
		r, _ := s.residual(o, st.cams[o.Camera], st.points[o.Point])
		sum += s.rho(r[0]*r[0] + r[1]*r[1])
	}
	return sum / 2
}

type system struct {
	u        [][camDim][camDim]float64     // per free camera
	v        [][pointDim][pointDim]float64 // per point
	w        [][camDim][pointDim]float64   // per observation, zero for fixed cameras
	gc       [][camDim]float64
	gp       [][pointDim]float64
	gradNorm float64
}

// linearize builds the weighted normal equations J^T W J and the negative gradient.
func (s *solver) linearize(st state) *system {
	p := s.problem
	sys := &system{
		u:  make([][camDim][camDim]float64, s.nFree),
		v:  make([][pointDim][pointDim]float64, len(p.Points)),
		w:  make([][camDim][pointDim]float64, len(p.Observations)),
		gc: make([][camDim]float64, s.nFree),
		gp: make([][pointDim]float64, len(p.Points)),
	}
	for oi, o := range p.Observations {
		c := st.cams[o.Camera]
		pt := st.points[o.Point]
		r, ok := s.residual(o, c, pt)
		if !ok {
			continue
		}
		w := s.weight(r[0]*r[0] + r[1]*r[1])

		var jp [2][pointDim]float64
		for k := 0; k < pointDim; k++ {
			h := 1e-6 * math.Max(1, math.Abs(pt[k]))
			plus, minus := pt, pt
			plus[k] += h
			minus[k] -= h
			rp, _ := s.residual(o, c, plus)
			rm, _ := s.residual(o, c, minus)
			jp[0][k] = (rp[0] - rm[0]) / (2 * h)
			jp[1][k] = (rp[1] - rm[1]) / (2 * h)
		}
		for a := 0; a < pointDim; a++ {
			for b := 0; b < pointDim; b++ {
				sys.v[o.Point][a][b] += w * (jp[0][a]*jp[0][b] + jp[1][a]*jp[1][b])
			}
			sys.gp[o.Point][a] -= w * (jp[0][a]*r[0] + jp[1][a]*r[1])
		}

		fi := s.free[o.Camera]
		if fi < 0 {
			continue
		}
		var jc [2][camDim]float64
		for k := 0; k < camDim; k++ {
			h := 1e-6 * math.Max(1, math.Abs(c[k]))
			plus, minus := c, c
			plus[k] += h
			minus[k] -= h
			rp, _ := s.residual(o, plus, pt)
			rm, _ := s.residual(o, minus, pt)
			jc[0][k] = (rp[0] - rm[0]) / (2 * h)
			jc[1][k] = (rp[1] - rm[1]) / (2 * h)
		}
		for a := 0; a < camDim; a++ {
			for b := 0; b < camDim; b++ {
				sys.u[fi][a][b] += w * (jc[0][a]*jc[0][b] + jc[1][a]*jc[1][b])
			}
			for b := 0; b < pointDim; b++ {
				sys.w[oi][a][b] += w * (jc[0][a]*jp[0][b] + jc[1][a]*jp[1][b])
			}
			sys.gc[fi][a] -= w * (jc[0][a]*r[0] + jc[1][a]*r[1])
		}
	}

	for _, g := range sys.gc {
		for _, x := range g {
			sys.gradNorm = math.Max(sys.gradNorm, math.Abs(x))
		}
	}
	for _, g := range sys.gp {
		for _, x := range g {
			sys.gradNorm = math.Max(sys.gradNorm, math.Abs(x))
		}
	}
	return sys
}

// step solves the damped system and returns the updated state.
func (s *solver) step(cur state, sys *system, lambda float64) (state, bool) {
	p := s.problem
	n := s.nFree * camDim

	vinv := make([]geometry.Mat3, len(p.Points))
	vok := mempool.GetBool(len(p.Points))
	defer mempool.PutBool(vok)
	for i := range p.Points {
		var m geometry.Mat3
		for a := 0; a < pointDim; a++ {
			for b := 0; b < pointDim; b++ {
				m[a][b] = sys.v[i][a][b]
			}
			m[a][a] += lambda * math.Max(sys.v[i][a][a], 1e-9)
		}
		vinv[i], vok[i] = m.Inverse()
	}

	dc := make([]float64, n)
	if n > 0 {
		sm := mempool.GetFloat64(n * n)
		defer mempool.PutFloat64(sm)
		b := mempool.GetFloat64(n)
		defer mempool.PutFloat64(b)
		for fi := 0; fi < s.nFree; fi++ {
			for a := 0; a < camDim; a++ {
				for c := 0; c < camDim; c++ {
					sm[(fi*camDim+a)*n+fi*camDim+c] = sys.u[fi][a][c]
				}
				sm[(fi*camDim+a)*n+fi*camDim+a] += lambda * math.Max(sys.u[fi][a][a], 1e-9)
				b[fi*camDim+a] = sys.gc[fi][a]
			}
		}

		for pi, obs := range s.byPoint {
			if !vok[pi] {
				continue
			}
			vi := vinv[pi]
			for _, o1 := range obs {
				f1 := s.free[p.Observations[o1].Camera]
				if f1 < 0 {
					continue
				}
				// wv = W_o1 · V⁻¹
				var wv [camDim][pointDim]float64
				for a := 0; a < camDim; a++ {
					for c := 0; c < pointDim; c++ {
						for k := 0; k < pointDim; k++ {
							wv[a][c] += sys.w[o1][a][k] * vi[k][c]
						}
					}
				}
				for a := 0; a < camDim; a++ {
					for k := 0; k < pointDim; k++ {
						b[f1*camDim+a] -= wv[a][k] * sys.gp[pi][k]
					}
				}
				for _, o2 := range obs {
					f2 := s.free[p.Observations[o2].Camera]
					if f2 < 0 {
						continue
					}
					for a := 0; a < camDim; a++ {
						for c := 0; c < camDim; c++ {
							var sum float64
							for k := 0; k < pointDim; k++ {
								sum += wv[a][k] * sys.w[o2][c][k]
							}
							sm[(f1*camDim+a)*n+f2*camDim+c] -= sum
						}
					}
				}
			}
		}

		// Symmetrize against round-off before factorizing.
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				avg := (sm[i*n+j] + sm[j*n+i]) / 2
				sm[i*n+j], sm[j*n+i] = avg, avg
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(mat.NewSymDense(n, sm)) {
			return state{}, false
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, mat.NewVecDense(n, b)); err != nil {
			return state{}, false
		}
		for i := 0; i < n; i++ {
			dc[i] = x.AtVec(i)
		}
	}

	next := cur.clone()
	for ci := range p.Cameras {
		fi := s.free[ci]
		if fi < 0 {
			continue
		}
		for a := 0; a < camDim; a++ {
			next.cams[ci][a] += dc[fi*camDim+a]
		}
	}
	for pi, obs := range s.byPoint {
		if !vok[pi] {
			continue
		}
		rhs := sys.gp[pi]
		for _, oi := range obs {
			fi := s.free[p.Observations[oi].Camera]
			if fi < 0 {
				continue
			}
			for k := 0; k < pointDim; k++ {
				for a := 0; a < camDim; a++ {
					rhs[k] -= sys.w[oi][a][k] * dc[fi*camDim+a]
				}
			}
		}
		d := vinv[pi].MulVec(r3.Vector{X: rhs[0], Y: rhs[1], Z: rhs[2]})
		next.points[pi][0] += d.X
		next.points[pi][1] += d.Y
		next.points[pi][2] += d.Z
	}
	for _, c := range next.cams {
		for _, x := range c {
			if !isFinite(x) {
				return state{}, false
			}
		}
	}
	return next, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
