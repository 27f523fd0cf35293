package market

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/iterate"
	"blpgo/internal/numerr"
)

// solveDelta inverts observed shares into mean utilities. The fixed point
// runs in the requested formulation; Newton iteration replaces the
// contraction when the scheme asks for it.
func (c *context) solveDelta(initial []float64, form config.Formulation, cfg config.Iteration) ([]float64, iterate.Stats, error) {
	if cfg.Scheme == config.Newton {
		return c.newtonDelta(initial, cfg)
	}

	solver := iterate.New(cfg)
	var x0 []float64
	var f iterate.Contraction
	exponentiated := form.Exponentiated() && c.groups == nil
	if exponentiated {
		x0 = make([]float64, c.J)
		for j, d := range initial {
			x0[j] = math.Exp(d)
		}
		f = c.exponentiatedContraction(form.Stabilized())
	} else {
		x0 = append([]float64(nil), initial...)
		f = c.linearContraction(form.Stabilized())
	}

	x, stats := solver.Iterate(x0, f)
	delta := x
	if exponentiated {
		delta = make([]float64, c.J)
		for j, v := range x {
			delta[j] = math.Log(v)
		}
	}
	if !isFiniteVec(delta) {
		return initial, stats, numerr.NewMarket(numerr.DeltaConvergence, c.s.ID,
			"mean utility iteration produced non-finite values")
	}
	if !stats.Converged {
		return delta, stats, numerr.NewMarket(numerr.DeltaConvergence, c.s.ID,
			fmt.Sprintf("mean utility fixed point did not converge in %d iterations", stats.Iterations))
	}
	return delta, stats, nil
}

// linearContraction is delta + (1 - rho) (log observed - log predicted). The
// damping factor reduces to 1 without nesting.
func (c *context) linearContraction(safe bool) iterate.Contraction {
	return func(dst, x []float64) {
		pr := c.probabilities(x, safe)
		for j := 0; j < c.J; j++ {
			dst[j] = x[j] + (1-c.rhoOf(j))*(c.logShares[j]-math.Log(pr.shares[j]))
		}
	}
}

// exponentiatedContraction iterates on exp(delta), trading logs inside the
// loop for one log at the end. Only defined without nesting.
func (c *context) exponentiatedContraction(safe bool) iterate.Contraction {
	return func(dst, x []float64) {
		for i := 0; i < c.I; i++ {
			shift := 0.0
			if safe {
				for j := 0; j < c.J; j++ {
					if v := c.mu.At(j, i); v > shift {
						shift = v
					}
				}
			}
			denom := math.Exp(-shift)
			for j := 0; j < c.J; j++ {
				denom += x[j] * math.Exp(c.mu.At(j, i)-shift)
			}
			for j := 0; j < c.J; j++ {
				if i == 0 {
					dst[j] = 0
				}
				dst[j] += c.weights[i] * math.Exp(c.mu.At(j, i)-shift) / denom
			}
		}
		// dst now holds predicted shares divided by x, so the update
		// x' = x observed / predicted needs no second pass over agents.
		for j := 0; j < c.J; j++ {
			dst[j] = c.s.Shares[j] / dst[j]
		}
	}
}

// newtonDelta applies damped-free Newton steps to log predicted minus log
// observed shares, using the analytic share Jacobian.
func (c *context) newtonDelta(initial []float64, cfg config.Iteration) ([]float64, iterate.Stats, error) {
	delta := append([]float64(nil), initial...)
	stats := iterate.Stats{}
	residual := make([]float64, c.J)
	for it := 0; it < cfg.MaxIterations; it++ {
		stats.Iterations++
		stats.Evaluations++
		pr := c.probabilities(delta, true)
		for j := 0; j < c.J; j++ {
			residual[j] = math.Log(pr.shares[j]) - c.logShares[j]
		}

		jac := c.shareDeltaJacobian(pr)
		// Scale rows to the log-share Jacobian.
		for j := 0; j < c.J; j++ {
			for k := 0; k < c.J; k++ {
				jac.Set(j, k, jac.At(j, k)/pr.shares[j])
			}
		}
		var lu mat.LU
		lu.Factorize(jac)
		step := mat.NewVecDense(c.J, nil)
		if err := lu.SolveVecTo(step, false, mat.NewVecDense(c.J, residual)); err != nil {
			return delta, stats, numerr.NewMarket(numerr.SingularMatrix, c.s.ID,
				"singular share Jacobian in Newton iteration")
		}

		norm := 0.0
		for j := 0; j < c.J; j++ {
			delta[j] -= step.AtVec(j)
			if d := math.Abs(step.AtVec(j)); d > norm {
				norm = d
			}
		}
		if !isFiniteVec(delta) {
			return initial, stats, numerr.NewMarket(numerr.DeltaConvergence, c.s.ID,
				"Newton iteration produced non-finite mean utilities")
		}
		if norm < cfg.Tolerance {
			stats.Converged = true
			return delta, stats, nil
		}
	}
	return delta, stats, numerr.NewMarket(numerr.DeltaConvergence, c.s.ID,
		fmt.Sprintf("Newton iteration did not converge in %d steps", stats.Iterations))
}
