package market

import (
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/moments"
)

// microContribution evaluates this market's micro moment values and, when a
// delta Jacobian is available, their derivatives with respect to theta. The
// conditioning statistic for agent i is the share-weighted mean of the
// matched characteristic across inside goods, divided by the agent's inside
// probability.
func (c *context) microContribution(pr *probs, deltaJac *mat.Dense, bound []moments.Indexed, withCov bool) *moments.Contribution {
	m := len(bound)
	out := &moments.Contribution{
		MarketID: c.s.ID,
		Values:   make([]float64, m),
	}

	// stats[m][i] is d_i z_i, the per-agent statistic entering moment m.
	stats := mat.NewDense(m, c.I, nil)
	nums := mat.NewDense(m, c.I, nil)
	dens := make([]float64, c.I)
	for i := 0; i < c.I; i++ {
		dens[i] = pr.totalAgentShare(i)
		for local, im := range bound {
			num := 0.0
			col := im.Moment.CharacteristicColumn
			for j := 0; j < c.J; j++ {
				num += pr.agent.At(j, i) * c.s.X2.At(j, col)
			}
			nums.Set(local, i, num)
			d := c.s.Demographics.At(i, im.Moment.DemographicColumn)
			stats.Set(local, i, d*num/dens[i])
			out.Values[local] += c.weights[i] * stats.At(local, i)
		}
	}
	for local, im := range bound {
		out.Values[local] -= im.Moment.Value
	}

	if withCov {
		// Covariance of the per-agent statistics under the quadrature
		// measure, uncentered means taken before the observed values are
		// subtracted.
		cov := mat.NewDense(m, m, nil)
		means := make([]float64, m)
		for local, im := range bound {
			means[local] = out.Values[local] + im.Moment.Value
		}
		for i := 0; i < c.I; i++ {
			w := c.weights[i]
			for a := 0; a < m; a++ {
				for b := 0; b < m; b++ {
					cov.Set(a, b, cov.At(a, b)+w*stats.At(a, i)*stats.At(b, i))
				}
			}
		}
		for a := 0; a < m; a++ {
			for b := 0; b < m; b++ {
				cov.Set(a, b, cov.At(a, b)-means[a]*means[b])
			}
		}
		out.Covariances = cov
	}

	np := len(c.entries)
	if deltaJac == nil || np == 0 {
		return out
	}

	jac := mat.NewDense(m, np, nil)
	v := make([]float64, c.J)
	ds := make([]float64, c.J)
	for p := 0; p < np; p++ {
		for i := 0; i < c.I; i++ {
			c.totalAgentDeriv(pr, deltaJac, p, i, v, ds)
			dden := 0.0
			for j := 0; j < c.J; j++ {
				dden += ds[j]
			}
			for local, im := range bound {
				col := im.Moment.CharacteristicColumn
				dnum := 0.0
				for j := 0; j < c.J; j++ {
					dnum += ds[j] * c.s.X2.At(j, col)
				}
				den := dens[i]
				dz := (dnum*den - nums.At(local, i)*dden) / (den * den)
				d := c.s.Demographics.At(i, im.Moment.DemographicColumn)
				jac.Set(local, p, jac.At(local, p)+c.weights[i]*d*dz)
			}
		}
	}
	out.Jacobian = jac
	return out
}
