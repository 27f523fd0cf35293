package market

import (
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
	"blpgo/internal/params"
)

// shareDeltaJacobian integrates the agent-level derivatives of choice
// probabilities with respect to mean utilities into the J x J market matrix.
func (c *context) shareDeltaJacobian(pr *probs) *mat.Dense {
	return c.weightedLambda(pr, c.weights)
}

// weightedLambda accumulates the per-agent probability Jacobian under an
// arbitrary agent weighting. The price-response matrix reuses it with the
// weights scaled by each agent's price sensitivity.
func (c *context) weightedLambda(pr *probs, weights []float64) *mat.Dense {
	jac := mat.NewDense(c.J, c.J, nil)
	if c.groups == nil {
		for i := 0; i < c.I; i++ {
			w := weights[i]
			for j := 0; j < c.J; j++ {
				sj := pr.agent.At(j, i)
				for k := 0; k < c.J; k++ {
					d := -sj * pr.agent.At(k, i)
					if j == k {
						d += sj
					}
					jac.Set(j, k, jac.At(j, k)+w*d)
				}
			}
		}
		return jac
	}
	for i := 0; i < c.I; i++ {
		w := weights[i]
		for j := 0; j < c.J; j++ {
			sj := pr.agent.At(j, i)
			h := c.groups[j]
			scale := 1 - c.rho[h]
			for k := 0; k < c.J; k++ {
				d := -pr.agent.At(k, i)
				if c.groups[k] == h {
					cond := pr.conditionals.At(k, i)
					d += cond - cond/scale
				}
				if j == k {
					d += 1 / scale
				}
				jac.Set(j, k, jac.At(j, k)+w*sj*d)
			}
		}
	}
	return jac
}

// agentDeriv evaluates the derivative of agent i's probabilities along a
// utility direction v, writing the per-product result into out.
func (c *context) agentDeriv(pr *probs, i int, v, out []float64) {
	total := 0.0
	for k := 0; k < c.J; k++ {
		total += pr.agent.At(k, i) * v[k]
	}
	if c.groups == nil {
		for j := 0; j < c.J; j++ {
			out[j] = pr.agent.At(j, i) * (v[j] - total)
		}
		return
	}
	condMean := make([]float64, c.ngroup)
	for k := 0; k < c.J; k++ {
		condMean[c.groups[k]] += pr.conditionals.At(k, i) * v[k]
	}
	for j := 0; j < c.J; j++ {
		h := c.groups[j]
		scale := 1 - c.rho[h]
		out[j] = pr.agent.At(j, i) * ((v[j]-condMean[h])/scale + condMean[h] - total)
	}
}

// utilityDirection fills v with the derivative of agent i's utilities with
// respect to a sigma or pi entry. It reports false for entries without a
// direct utility channel (rho, beta, gamma).
func (c *context) utilityDirection(f params.FreeEntry, i int, v []float64) bool {
	switch f.Loc {
	case params.LocSigma:
		node := c.s.Nodes.At(i, f.Col)
		for j := 0; j < c.J; j++ {
			v[j] = c.s.X2.At(j, f.Row) * node
		}
		return true
	case params.LocPi:
		d := c.s.Demographics.At(i, f.Col)
		for j := 0; j < c.J; j++ {
			v[j] = c.s.X2.At(j, f.Row) * d
		}
		return true
	}
	return false
}

// rhoAgentDeriv accumulates the derivative of agent i's probabilities with
// respect to the nesting correlation of an economy-wide group. A scalar rho
// (global == -1) sums the effect over every group in the market.
func (c *context) rhoAgentDeriv(pr *probs, i, global int, out []float64) {
	for j := range out {
		out[j] = 0
	}
	for h := 0; h < c.ngroup; h++ {
		if global >= 0 && c.global[h] != global {
			continue
		}
		scale := 1 - c.rho[h]
		vbar := 0.0
		for k := 0; k < c.J; k++ {
			if c.groups[k] == h {
				vbar += pr.conditionals.At(k, i) * pr.utilities.At(k, i)
			}
		}
		a := -pr.inclusive.At(h, i) + vbar/scale
		gs := pr.groupShares.At(h, i)
		for j := 0; j < c.J; j++ {
			sj := pr.agent.At(j, i)
			d := -gs * a
			if c.groups[j] == h {
				d += (pr.utilities.At(j, i)-vbar)/(scale*scale) + a
			}
			out[j] += sj * d
		}
	}
}

// shareThetaJacobian holds delta fixed and differentiates integrated shares
// with respect to each theta entry. Beta and gamma columns are zero: they do
// not enter utilities beyond delta.
func (c *context) shareThetaJacobian(pr *probs) *mat.Dense {
	np := len(c.entries)
	jac := mat.NewDense(c.J, np, nil)
	v := make([]float64, c.J)
	d := make([]float64, c.J)
	for p, f := range c.entries {
		switch f.Loc {
		case params.LocRho:
			if c.groups == nil {
				continue
			}
			for i := 0; i < c.I; i++ {
				c.rhoAgentDeriv(pr, i, rhoTarget(f, c.ex.Rho), d)
				for j := 0; j < c.J; j++ {
					jac.Set(j, p, jac.At(j, p)+c.weights[i]*d[j])
				}
			}
		case params.LocSigma, params.LocPi:
			for i := 0; i < c.I; i++ {
				c.utilityDirection(f, i, v)
				c.agentDeriv(pr, i, v, d)
				for j := 0; j < c.J; j++ {
					jac.Set(j, p, jac.At(j, p)+c.weights[i]*d[j])
				}
			}
		}
	}
	return jac
}

// deltaJacobian applies the implicit function theorem at the converged fixed
// point: d delta / d theta = -(ds/ddelta)^{-1} (ds/dtheta).
func (c *context) deltaJacobian(pr *probs) (*mat.Dense, error) {
	np := len(c.entries)
	if np == 0 {
		return nil, nil
	}
	shareJac := c.shareDeltaJacobian(pr)
	thetaJac := c.shareThetaJacobian(pr)
	var lu mat.LU
	lu.Factorize(shareJac)
	out := mat.NewDense(c.J, np, nil)
	if err := lu.SolveTo(out, false, thetaJac); err != nil {
		return nil, numerr.NewMarket(numerr.SingularMatrix, c.s.ID,
			"singular share Jacobian in mean utility differentiation")
	}
	out.Scale(-1, out)
	return out, nil
}

// totalAgentDeriv evaluates the total derivative of agent i's probabilities
// with respect to theta entry p, combining the direct utility channel with
// the induced mean utility movement from deltaJac.
func (c *context) totalAgentDeriv(pr *probs, deltaJac *mat.Dense, p, i int, v, out []float64) {
	f := c.entries[p]
	if f.Loc == params.LocRho && c.groups != nil {
		c.rhoAgentDeriv(pr, i, rhoTarget(f, c.ex.Rho), out)
		for j := 0; j < c.J; j++ {
			v[j] = deltaJac.At(j, p)
		}
		tmp := make([]float64, c.J)
		c.agentDeriv(pr, i, v, tmp)
		for j := 0; j < c.J; j++ {
			out[j] += tmp[j]
		}
		return
	}
	if !c.utilityDirection(f, i, v) {
		for j := 0; j < c.J; j++ {
			v[j] = 0
		}
	}
	for j := 0; j < c.J; j++ {
		v[j] += deltaJac.At(j, p)
	}
	c.agentDeriv(pr, i, v, out)
}

func rhoTarget(f params.FreeEntry, rho []float64) int {
	if len(rho) == 1 {
		return -1
	}
	return f.Col
}
