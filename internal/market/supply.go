package market

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/numerr"
	"blpgo/internal/params"
)

// alphas returns each agent's marginal utility of price: the linear price
// coefficient plus any random coefficient on the price column of X2.
func (c *context) alphas(opts SupplyOptions) []float64 {
	base := 0.0
	if opts.PriceColumnX1 >= 0 {
		base = c.ex.Beta[opts.PriceColumnX1]
	}
	out := make([]float64, c.I)
	for i := range out {
		out[i] = base
		if opts.PriceColumnX2 >= 0 && c.tastes != nil {
			out[i] += c.tastes.At(opts.PriceColumnX2, i)
		}
	}
	return out
}

// intraFirm builds the ownership-masked price response whose inversion
// yields markups: Delta = -(O hadamard dS/dp').
func (c *context) intraFirm(pr *probs, alpha []float64) *mat.Dense {
	scaled := make([]float64, c.I)
	for i := range scaled {
		scaled[i] = c.weights[i] * alpha[i]
	}
	priceJac := c.weightedLambda(pr, scaled)
	intra := mat.NewDense(c.J, c.J, nil)
	for j := 0; j < c.J; j++ {
		for k := 0; k < c.J; k++ {
			intra.Set(j, k, -c.s.Ownership.At(j, k)*priceJac.At(k, j))
		}
	}
	return intra
}

// etaWith solves Delta eta = s for a prepared intra-firm matrix, returning
// the factorization for reuse in the Jacobian.
func (c *context) etaWith(intra *mat.Dense) ([]float64, *mat.LU, error) {
	var lu mat.LU
	lu.Factorize(intra)
	out := mat.NewVecDense(c.J, nil)
	if err := lu.SolveVecTo(out, false, mat.NewVecDense(c.J, append([]float64(nil), c.s.Shares...))); err != nil {
		return nil, nil, numerr.NewMarket(numerr.SingularMatrix, c.s.ID,
			"singular intra-firm price response in markup inversion")
	}
	eta := make([]float64, c.J)
	for j := range eta {
		eta[j] = out.AtVec(j)
	}
	if !isFiniteVec(eta) {
		return nil, nil, numerr.NewMarket(numerr.CostsConvergence, c.s.ID,
			"markup inversion produced non-finite values")
	}
	return eta, &lu, nil
}

// omegaJacobian differentiates transformed marginal costs with respect to
// theta. Without nesting the derivative is analytic through the implicit
// markup equation; with nesting it falls back to directional finite
// differences along the mean utility Jacobian.
func (c *context) omegaJacobian(pr *probs, delta []float64, deltaJac *mat.Dense, res SupplyResult, opts SupplyOptions) (*mat.Dense, error) {
	np := len(c.entries)
	if np == 0 {
		return nil, nil
	}
	if deltaJac == nil {
		var err error
		deltaJac, err = c.deltaJacobian(pr)
		if err != nil {
			return nil, err
		}
	}
	if c.groups != nil {
		return c.omegaJacobianFD(delta, deltaJac, res, opts)
	}
	return c.omegaJacobianAnalytic(pr, deltaJac, res, opts)
}

func (c *context) omegaJacobianAnalytic(pr *probs, deltaJac *mat.Dense, res SupplyResult, opts SupplyOptions) (*mat.Dense, error) {
	np := len(c.entries)
	alpha := c.alphas(opts)
	intra := c.intraFirm(pr, alpha)
	eta, lu, err := c.etaWith(intra)
	if err != nil {
		return nil, err
	}

	jac := mat.NewDense(c.J, np, nil)
	v := make([]float64, c.J)
	ds := make([]float64, c.J)
	dPriceJac := mat.NewDense(c.J, c.J, nil)
	dIntra := mat.NewDense(c.J, c.J, nil)
	rhs := mat.NewVecDense(c.J, nil)
	dEta := mat.NewVecDense(c.J, nil)
	for p := 0; p < np; p++ {
		dPriceJac.Zero()
		for i := 0; i < c.I; i++ {
			w := c.weights[i]
			da := c.alphaDeriv(c.entries[p], i, opts)
			c.totalAgentDeriv(pr, deltaJac, p, i, v, ds)
			for j := 0; j < c.J; j++ {
				sj := pr.agent.At(j, i)
				for k := 0; k < c.J; k++ {
					sk := pr.agent.At(k, i)
					lambda := -sj * sk
					dLambda := -ds[j]*sk - sj*ds[k]
					if j == k {
						lambda += sj
						dLambda += ds[j]
					}
					dPriceJac.Set(j, k, dPriceJac.At(j, k)+w*(da*lambda+alpha[i]*dLambda))
				}
			}
		}
		for j := 0; j < c.J; j++ {
			for k := 0; k < c.J; k++ {
				dIntra.Set(j, k, -c.s.Ownership.At(j, k)*dPriceJac.At(k, j))
			}
		}
		// Differentiating Delta eta = s with fixed observed shares gives
		// d eta = -Delta^{-1} (d Delta) eta.
		rhs.MulVec(dIntra, mat.NewVecDense(c.J, eta))
		if err := lu.SolveVecTo(dEta, false, rhs); err != nil {
			return nil, numerr.NewMarket(numerr.SingularMatrix, c.s.ID,
				"singular intra-firm price response in markup differentiation")
		}
		// d eta = -Delta^{-1} (d Delta) eta and costs are p - eta, so the
		// solved vector is the cost derivative directly.
		for j := 0; j < c.J; j++ {
			dc := dEta.AtVec(j)
			if opts.Costs == config.LogCosts {
				dc /= res.Costs[j]
			}
			if res.Clipped[j] {
				dc = 0
			}
			jac.Set(j, p, dc)
		}
	}
	return jac, nil
}

// alphaDeriv is the derivative of agent i's price sensitivity with respect
// to one theta entry.
func (c *context) alphaDeriv(f params.FreeEntry, i int, opts SupplyOptions) float64 {
	switch f.Loc {
	case params.LocSigma:
		if opts.PriceColumnX2 >= 0 && f.Row == opts.PriceColumnX2 {
			return c.s.Nodes.At(i, f.Col)
		}
	case params.LocPi:
		if opts.PriceColumnX2 >= 0 && f.Row == opts.PriceColumnX2 {
			return c.s.Demographics.At(i, f.Col)
		}
	case params.LocBeta:
		if f.Col == opts.PriceColumnX1 {
			return 1
		}
	}
	return 0
}

// omegaJacobianFD perturbs each theta entry and moves delta along its
// Jacobian column, re-solving the markup equation on both sides.
func (c *context) omegaJacobianFD(delta []float64, deltaJac *mat.Dense, res SupplyResult, opts SupplyOptions) (*mat.Dense, error) {
	if opts.Perturb == nil {
		return nil, numerr.Configf("nested cost Jacobian requires a parameter perturbation callback")
	}
	np := len(c.entries)
	h := math.Sqrt(machineEps)
	jac := mat.NewDense(c.J, np, nil)
	shifted := make([]float64, c.J)
	for p := 0; p < np; p++ {
		plus, err := c.tildeAt(delta, deltaJac, p, h, shifted, opts)
		if err != nil {
			return nil, err
		}
		minus, err := c.tildeAt(delta, deltaJac, p, -h, shifted, opts)
		if err != nil {
			return nil, err
		}
		for j := 0; j < c.J; j++ {
			d := (plus[j] - minus[j]) / (2 * h)
			if res.Clipped[j] {
				d = 0
			}
			jac.Set(j, p, d)
		}
	}
	return jac, nil
}

// tildeAt evaluates transformed costs at theta entry p shifted by h.
func (c *context) tildeAt(delta []float64, deltaJac *mat.Dense, p int, h float64, shifted []float64, opts SupplyOptions) ([]float64, error) {
	ex := opts.Perturb(p, h)
	side := newContext(c.s, ex, c.entries)
	for j := 0; j < c.J; j++ {
		shifted[j] = delta[j] + h*deltaJac.At(j, p)
	}
	pr := side.probabilities(shifted, true)
	alpha := side.alphas(opts)
	intra := side.intraFirm(pr, alpha)
	eta, _, err := side.etaWith(intra)
	if err != nil {
		return nil, err
	}
	tilde := make([]float64, c.J)
	for j := range tilde {
		v := c.s.Prices[j] - eta[j]
		if opts.Costs == config.LogCosts {
			v = math.Log(v)
		}
		tilde[j] = v
	}
	return tilde, nil
}

const machineEps = 2.220446049250313e-16
