// Package iterate solves fixed point problems x = F(x) in the sup-norm. It is
// used for both the mean-utility contraction and equilibrium price solving.
package iterate

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"blpgo/internal/config"
)

// Stats records the work performed by one fixed point solve.
type Stats struct {
	Converged   bool
	Iterations  int
	Evaluations int
}

// Contraction maps the current point to the next one. Implementations must
// write the next point into dst and may not retain x.
type Contraction func(dst, x []float64)

// Solver drives a fixed point computation with a configured scheme.
type Solver struct {
	scheme    config.Scheme
	tolerance float64
	maxIter   int
}

// New builds a solver from an iteration configuration. The Newton scheme has
// no generic form here; callers that own an analytic Jacobian root-find
// themselves and fall back to this solver otherwise.
func New(cfg config.Iteration) *Solver {
	scheme := cfg.Scheme
	if scheme == config.Newton {
		scheme = config.Simple
	}
	return &Solver{scheme: scheme, tolerance: cfg.Tolerance, maxIter: cfg.MaxIterations}
}

// Iterate runs the fixed point computation from x0 and returns the terminal
// point with solver statistics. The input slice is not modified.
func (s *Solver) Iterate(x0 []float64, f Contraction) ([]float64, Stats) {
	if s.scheme == config.SQUAREM {
		return s.squarem(x0, f)
	}
	return s.simple(x0, f)
}

func (s *Solver) simple(x0 []float64, f Contraction) ([]float64, Stats) {
	var stats Stats
	x := append([]float64(nil), x0...)
	next := make([]float64, len(x))

	for stats.Iterations < s.maxIter {
		f(next, x)
		stats.Iterations++
		stats.Evaluations++
		norm := supDiff(next, x)
		copy(x, next)
		if !isFinite(x) {
			return x, stats
		}
		if norm < s.tolerance {
			stats.Converged = true
			return x, stats
		}
	}
	return x, stats
}

// squarem applies squared extrapolation (scheme S3) to the contraction: two
// contraction steps determine a step length, the extrapolated point is
// stabilized with one more contraction application.
func (s *Solver) squarem(x0 []float64, f Contraction) ([]float64, Stats) {
	var stats Stats
	n := len(x0)
	x := append([]float64(nil), x0...)
	x1 := make([]float64, n)
	x2 := make([]float64, n)
	q1 := make([]float64, n)
	q2 := make([]float64, n)
	v := make([]float64, n)

	for stats.Iterations < s.maxIter {
		f(x1, x)
		stats.Evaluations++
		if !isFinite(x1) {
			copy(x, x1)
			return x, stats
		}
		if supDiff(x1, x) < s.tolerance {
			stats.Iterations++
			stats.Converged = true
			copy(x, x1)
			return x, stats
		}

		f(x2, x1)
		stats.Evaluations++
		if !isFinite(x2) {
			copy(x, x2)
			return x, stats
		}
		if supDiff(x2, x1) < s.tolerance {
			stats.Iterations++
			stats.Converged = true
			copy(x, x2)
			return x, stats
		}

		floats.SubTo(q1, x1, x)
		floats.SubTo(q2, x2, x1)
		floats.SubTo(v, q2, q1)

		vv := floats.Dot(v, v)
		alpha := -1.0
		if vv > 0 {
			alpha = -math.Sqrt(floats.Dot(q1, q1) / vv)
		}
		// keep the extrapolation at least as long as a plain step
		if alpha > -1 {
			alpha = -1
		}

		for i := range x {
			x[i] = x[i] - 2*alpha*q1[i] + alpha*alpha*v[i]
		}
		f(x1, x)
		stats.Evaluations++
		stats.Iterations++
		norm := supDiff(x1, x)
		copy(x, x1)
		if !isFinite(x) {
			return x, stats
		}
		if norm < s.tolerance {
			stats.Converged = true
			return x, stats
		}
	}
	return x, stats
}

func supDiff(a, b []float64) float64 {
	max := 0.0
	for i := range a {
		d := math.Abs(a[i] - b[i])
		if math.IsNaN(d) {
			return math.NaN()
		}
		if d > max {
			max = d
		}
	}
	return max
}

func isFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
