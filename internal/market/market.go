package market

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/iterate"
	"blpgo/internal/moments"
	"blpgo/internal/params"
)

// DemandOptions selects what a demand-side solve must produce beyond the
// converged mean utilities.
type DemandOptions struct {
	Formulation config.Formulation
	Iteration   config.Iteration

	// ComputeJacobian requests d delta / d theta at the converged point.
	ComputeJacobian bool

	// Moments lists the micro moments bound to this market. Values are always
	// computed when non-empty; covariances only when requested.
	Moments                 []moments.Indexed
	ComputeMicroCovariances bool
}

// DemandResult carries everything a demand-side pass produces for one market.
type DemandResult struct {
	MarketID string
	Delta    []float64
	Stats    iterate.Stats

	// Jacobian is J x P, nil unless requested.
	Jacobian *mat.Dense

	// Micro is nil when no micro moments bind to the market.
	Micro *moments.Contribution

	// Err is non-nil when the fixed point failed to converge or produced
	// non-finite values; Delta then holds the last finite iterate.
	Err error
}

// SupplyOptions configures the markup inversion for one market.
type SupplyOptions struct {
	Costs  config.CostsType
	Bounds config.CostsBounds

	// PriceColumnX1 locates price among the linear characteristics; the
	// expanded beta at that position must be resolved (not a concentrated
	// NaN) before supply runs. PriceColumnX2 locates price among the
	// nonlinear characteristics, -1 when price has no random coefficient.
	PriceColumnX1 int
	PriceColumnX2 int

	// ComputeJacobian requests d omega / d theta, the Jacobian of transformed
	// marginal costs with respect to the nonlinear parameters.
	ComputeJacobian bool

	// Perturb expands theta with entry p shifted by h. Required for the
	// Jacobian in nested markets, where the markup derivative is taken by
	// directional finite differences.
	Perturb func(p int, h float64) params.Expanded
}

// SupplyResult carries the supply-side outputs for one market.
type SupplyResult struct {
	MarketID string

	// Eta is the markup vector, Costs the implied marginal costs, and
	// TildeCosts the transformed (levels or logs) and clipped costs.
	Eta        []float64
	Costs      []float64
	TildeCosts []float64

	// Clipped flags rows whose costs hit a bound; their Jacobian rows are
	// zeroed.
	Clipped []bool

	// Jacobian is J x P, nil unless requested.
	Jacobian *mat.Dense

	Err error
}

// context bundles the per-market quantities that every computation needs:
// the slice itself, the taste matrix mu, nesting structure, and resolved
// nesting correlations.
type context struct {
	s       *economy.Slice
	ex      params.Expanded
	entries []params.FreeEntry

	J, I    int
	weights []float64

	// mu is J x I; zero when there are no nonlinear characteristics.
	mu *mat.Dense

	// tastes is K2 x I, Sigma Nodes' + Pi Demo'. Nil when K2 == 0.
	tastes *mat.Dense

	// groups maps products to market-local group indices; global maps those
	// back to economy-wide group indices. Nil without nesting.
	groups []int
	global []int
	ngroup int
	rho    []float64

	logShares []float64
}

func newContext(s *economy.Slice, ex params.Expanded, entries []params.FreeEntry) *context {
	c := &context{s: s, ex: ex, entries: entries, J: s.J}

	if s.X2 == nil || s.Nodes == nil {
		// No heterogeneity: a single synthetic agent with unit weight.
		c.I = 1
		c.weights = []float64{1}
		c.mu = mat.NewDense(c.J, 1, nil)
	} else {
		c.I = s.I
		c.weights = s.Weights
		k2 := ex.Sigma.RawMatrix().Rows
		c.tastes = mat.NewDense(k2, c.I, nil)
		c.tastes.Mul(ex.Sigma, s.Nodes.T())
		if ex.Pi != nil && s.Demographics != nil {
			var dt mat.Dense
			dt.Mul(ex.Pi, s.Demographics.T())
			c.tastes.Add(c.tastes, &dt)
		}
		c.mu = mat.NewDense(c.J, c.I, nil)
		c.mu.Mul(s.X2, c.tastes)
	}

	if s.Groups != nil {
		c.groups = make([]int, c.J)
		index := map[int]int{}
		for j, g := range s.Groups {
			k, ok := index[g]
			if !ok {
				k = len(index)
				index[g] = k
				c.global = append(c.global, g)
			}
			c.groups[j] = k
		}
		c.ngroup = len(index)
		c.rho = make([]float64, c.ngroup)
		for k, g := range c.global {
			c.rho[k] = resolveRho(ex.Rho, g)
		}
	}

	c.logShares = make([]float64, c.J)
	for j, sh := range s.Shares {
		c.logShares[j] = math.Log(sh)
	}
	return c
}

// rhoOf returns the nesting correlation for product j, zero without nesting.
func (c *context) rhoOf(j int) float64 {
	if c.groups == nil {
		return 0
	}
	return c.rho[c.groups[j]]
}

// resolveRho maps a scalar-or-vector rho onto an economy-wide group index.
func resolveRho(rho []float64, group int) float64 {
	if len(rho) == 0 {
		return 0
	}
	if len(rho) == 1 {
		return rho[0]
	}
	return rho[group]
}

// SolveDemand runs the share-inversion fixed point for one market and, when
// requested, the delta Jacobian and micro moment contributions at the
// converged point.
func SolveDemand(s *economy.Slice, p *params.Parameters, ex params.Expanded, initial []float64, opts DemandOptions) DemandResult {
	res := DemandResult{MarketID: s.ID}
	c := newContext(s, ex, p.FreeEntries())

	delta, stats, err := c.solveDelta(initial, opts.Formulation, opts.Iteration)
	res.Delta, res.Stats, res.Err = delta, stats, err
	if err != nil {
		return res
	}

	if !opts.ComputeJacobian && len(opts.Moments) == 0 {
		return res
	}

	pr := c.probabilities(delta, true)
	np := len(c.entries)

	var deltaJac *mat.Dense
	if opts.ComputeJacobian || (len(opts.Moments) > 0 && np > 0) {
		deltaJac, err = c.deltaJacobian(pr)
		if err != nil {
			res.Err = err
			return res
		}
	}
	if opts.ComputeJacobian {
		res.Jacobian = deltaJac
	}
	if len(opts.Moments) > 0 {
		res.Micro = c.microContribution(pr, deltaJac, opts.Moments, opts.ComputeMicroCovariances)
	}
	return res
}

// SolveSupply inverts markups at the converged mean utilities and transforms
// the implied marginal costs.
func SolveSupply(s *economy.Slice, p *params.Parameters, ex params.Expanded, delta []float64, deltaJac *mat.Dense, opts SupplyOptions) SupplyResult {
	res := SupplyResult{MarketID: s.ID}
	c := newContext(s, ex, p.FreeEntries())
	pr := c.probabilities(delta, true)

	alpha := c.alphas(opts)
	intra := c.intraFirm(pr, alpha)
	eta, _, err := c.etaWith(intra)
	if err != nil {
		res.Err = err
		return res
	}
	res.Eta = eta

	res.Costs = make([]float64, c.J)
	for j := range res.Costs {
		res.Costs[j] = s.Prices[j] - eta[j]
	}
	res.TildeCosts, res.Clipped = transformCosts(res.Costs, opts.Costs, opts.Bounds)

	if opts.ComputeJacobian {
		res.Jacobian, res.Err = c.omegaJacobian(pr, delta, deltaJac, res, opts)
	}
	return res
}

// transformCosts applies the cost specification and bound clipping. Clipping
// happens on levels before any log transform so a zero lower bound keeps log
// costs finite only for interior rows. Bounds arrive already normalized;
// zero-valued bounds really do clip everything to zero.
func transformCosts(costs []float64, kind config.CostsType, bounds config.CostsBounds) ([]float64, []bool) {
	tilde := make([]float64, len(costs))
	clipped := make([]bool, len(costs))
	for j, cj := range costs {
		v, wasClipped := bounds.Clip(cj)
		clipped[j] = wasClipped
		if kind == config.LogCosts {
			v = math.Log(v)
		}
		tilde[j] = v
	}
	return tilde, clipped
}

func isFiniteVec(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
