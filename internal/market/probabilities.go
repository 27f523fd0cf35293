package market

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// probs collects the choice-probability pieces evaluated at one delta. All
// matrices are J x I except the group-level ones, which are G x I for the
// market-local group count.
type probs struct {
	agent *mat.Dense

	// utilities holds V = delta + mu, needed for rho derivatives.
	utilities *mat.Dense

	// conditionals, inclusive and groupShares are nil without nesting.
	// inclusive holds the true log-sum-exp inclusive values.
	conditionals *mat.Dense
	inclusive    *mat.Dense
	groupShares  *mat.Dense

	// shares integrates agent probabilities against quadrature weights.
	shares []float64
}

// probabilities evaluates choice probabilities at delta. Safe mode shifts
// utilities by their maximum before exponentiating; the unsafe path matches
// the textbook expressions exactly and is cheaper when utilities are small.
func (c *context) probabilities(delta []float64, safe bool) *probs {
	if c.groups != nil {
		return c.nestedProbabilities(delta, safe)
	}
	p := &probs{
		agent:     mat.NewDense(c.J, c.I, nil),
		utilities: mat.NewDense(c.J, c.I, nil),
		shares:    make([]float64, c.J),
	}
	for i := 0; i < c.I; i++ {
		shift := 0.0
		if safe {
			for j := 0; j < c.J; j++ {
				if v := delta[j] + c.mu.At(j, i); v > shift {
					shift = v
				}
			}
		}
		denom := math.Exp(-shift)
		for j := 0; j < c.J; j++ {
			v := delta[j] + c.mu.At(j, i)
			p.utilities.Set(j, i, v)
			e := math.Exp(v - shift)
			p.agent.Set(j, i, e)
			denom += e
		}
		for j := 0; j < c.J; j++ {
			s := p.agent.At(j, i) / denom
			p.agent.Set(j, i, s)
			p.shares[j] += c.weights[i] * s
		}
	}
	return p
}

func (c *context) nestedProbabilities(delta []float64, safe bool) *probs {
	p := &probs{
		agent:        mat.NewDense(c.J, c.I, nil),
		utilities:    mat.NewDense(c.J, c.I, nil),
		conditionals: mat.NewDense(c.J, c.I, nil),
		inclusive:    mat.NewDense(c.ngroup, c.I, nil),
		groupShares:  mat.NewDense(c.ngroup, c.I, nil),
		shares:       make([]float64, c.J),
	}
	scaled := make([]float64, c.J)
	groupMax := make([]float64, c.ngroup)
	groupSum := make([]float64, c.ngroup)
	for i := 0; i < c.I; i++ {
		for h := 0; h < c.ngroup; h++ {
			groupMax[h] = math.Inf(-1)
			groupSum[h] = 0
		}
		for j := 0; j < c.J; j++ {
			v := delta[j] + c.mu.At(j, i)
			p.utilities.Set(j, i, v)
			h := c.groups[j]
			scaled[j] = v / (1 - c.rho[h])
			if scaled[j] > groupMax[h] {
				groupMax[h] = scaled[j]
			}
		}
		if !safe {
			for h := range groupMax {
				groupMax[h] = 0
			}
		}
		for j := 0; j < c.J; j++ {
			h := c.groups[j]
			e := math.Exp(scaled[j] - groupMax[h])
			p.conditionals.Set(j, i, e)
			groupSum[h] += e
		}
		// Inclusive value per group, then a stabilized logit across groups
		// plus the outside option.
		shift := 0.0
		for h := 0; h < c.ngroup; h++ {
			iv := groupMax[h] + math.Log(groupSum[h])
			p.inclusive.Set(h, i, iv)
			if safe {
				if g := (1 - c.rho[h]) * iv; g > shift {
					shift = g
				}
			}
		}
		denom := math.Exp(-shift)
		for h := 0; h < c.ngroup; h++ {
			g := math.Exp((1-c.rho[h])*p.inclusive.At(h, i) - shift)
			p.groupShares.Set(h, i, g)
			denom += g
		}
		for h := 0; h < c.ngroup; h++ {
			p.groupShares.Set(h, i, p.groupShares.At(h, i)/denom)
		}
		for j := 0; j < c.J; j++ {
			h := c.groups[j]
			cond := p.conditionals.At(j, i) / groupSum[h]
			p.conditionals.Set(j, i, cond)
			s := cond * p.groupShares.At(h, i)
			p.agent.Set(j, i, s)
			p.shares[j] += c.weights[i] * s
		}
	}
	return p
}

// totalAgentShare returns the inside-good probability of agent i.
func (p *probs) totalAgentShare(i int) float64 {
	total := 0.0
	r, _ := p.agent.Dims()
	for j := 0; j < r; j++ {
		total += p.agent.At(j, i)
	}
	return total
}
