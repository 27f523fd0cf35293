// Package simulation builds synthetic economies with known structural
// parameters. Product and agent data are drawn from configured distributions,
// marginal costs follow the supply side, and prices solve the zeta markup
// fixed point, so the resulting economy is an internally consistent
// equilibrium that estimation can be checked against.
package simulation

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/iterate"
	"blpgo/internal/numerr"
)

// Config describes the synthetic economy. The linear index has three
// characteristics (price, a constant, and one drawn characteristic x); costs
// are linear in a constant, x, and a drawn cost shifter w.
type Config struct {
	Seed     int64
	Markets  int
	Products int // per market
	Firms    int // per market
	Agents   int // per market

	Beta  []float64 // price, constant, x
	Gamma []float64 // constant, x, w

	// Sigma is the random coefficient deviation on x. SigmaPrice, when
	// nonzero, adds a random coefficient on price as well.
	Sigma      float64
	SigmaPrice float64
	// Pi interacts x with the single demographic.
	Pi float64

	XiStd    float64
	OmegaStd float64

	Iteration config.Iteration
}

// Default returns a small two-firm economy with mild unobserved heterogeneity.
func Default() Config {
	return Config{
		Seed:     0,
		Markets:  20,
		Products: 6,
		Firms:    2,
		Agents:   100,
		Beta:     []float64{-2, 1, 1.5},
		Gamma:    []float64{1, 0.5, 0.5},
		Sigma:    0.5,
		Pi:       0.3,
		XiStd:    0.2,
		OmegaStd: 0.1,
		Iteration: config.Iteration{
			Scheme:        config.Simple,
			Tolerance:     1e-13,
			MaxIterations: 2000,
		},
	}
}

// Truth records the structural parameters and shocks the economy was built
// from.
type Truth struct {
	Beta  []float64
	Gamma []float64
	Sigma *mat.Dense
	Pi    *mat.Dense

	Xi    []float64
	Omega []float64
	Costs []float64
}

// Result pairs the simulated economy with its generating truth.
type Result struct {
	Economy *economy.Economy
	Truth   Truth
	Stats   iterate.Stats
}

func (cfg Config) validate() error {
	switch {
	case cfg.Markets <= 0 || cfg.Products <= 0 || cfg.Agents <= 0:
		return fmt.Errorf("simulation: markets, products and agents must be positive")
	case cfg.Firms <= 0 || cfg.Firms > cfg.Products:
		return fmt.Errorf("simulation: firms must be in [1, products]")
	case len(cfg.Beta) != 3 || len(cfg.Gamma) != 3:
		return fmt.Errorf("simulation: beta and gamma must have three entries")
	case cfg.Beta[0] >= 0:
		return fmt.Errorf("simulation: the price coefficient must be negative")
	}
	return nil
}

func (cfg Config) priceRC() bool { return cfg.SigmaPrice != 0 }

// k2 is the number of random coefficient columns: x, optionally preceded by
// price.
func (cfg Config) k2() int {
	if cfg.priceRC() {
		return 2
	}
	return 1
}

// Simulate draws an economy and solves every market's equilibrium prices.
func Simulate(cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	stdNormal := distuv.Normal{Mu: 0, Sigma: 1}

	n := cfg.Markets * cfg.Products
	ni := cfg.Markets * cfg.Agents
	k2 := cfg.k2()

	// product draws
	marketIDs := make([]string, n)
	firmIDs := make([]string, n)
	x := make([]float64, n)
	w := make([]float64, n)
	xi := make([]float64, n)
	omega := make([]float64, n)
	costs := make([]float64, n)
	for t := 0; t < cfg.Markets; t++ {
		for j := 0; j < cfg.Products; j++ {
			i := t*cfg.Products + j
			marketIDs[i] = fmt.Sprintf("t%d", t)
			firmIDs[i] = fmt.Sprintf("f%d", j%cfg.Firms)
			x[i] = 2 * rng.Float64()
			w[i] = rng.Float64()
			xi[i] = cfg.XiStd * stdNormal.Quantile(openUniform(rng))
			omega[i] = cfg.OmegaStd * stdNormal.Quantile(openUniform(rng))
			costs[i] = cfg.Gamma[0] + cfg.Gamma[1]*x[i] + cfg.Gamma[2]*w[i] + omega[i]
			if costs[i] <= 0 {
				return nil, fmt.Errorf("simulation: nonpositive marginal cost drawn; raise gamma or lower omega_std")
			}
		}
	}

	// agent draws
	agentMarkets := make([]string, ni)
	weights := make([]float64, ni)
	nodes := mat.NewDense(ni, k2, nil)
	demo := mat.NewDense(ni, 1, nil)
	for t := 0; t < cfg.Markets; t++ {
		for i := 0; i < cfg.Agents; i++ {
			r := t*cfg.Agents + i
			agentMarkets[r] = fmt.Sprintf("t%d", t)
			weights[r] = 1 / float64(cfg.Agents)
			for c := 0; c < k2; c++ {
				nodes.Set(r, c, stdNormal.Quantile(openUniform(rng)))
			}
			demo.Set(r, 0, 2*rng.Float64())
		}
	}

	sigma := sigmaMatrix(cfg)
	pi := piMatrix(cfg)

	prices := make([]float64, n)
	shares := make([]float64, n)
	stats := iterate.Stats{Converged: true}
	solver := iterate.New(cfg.Iteration)
	for t := 0; t < cfg.Markets; t++ {
		ms, err := solveMarket(cfg, solver, marketSlice{
			offset: t * cfg.Products,
			firms:  firmIDs[t*cfg.Products : (t+1)*cfg.Products],
			x:      x[t*cfg.Products : (t+1)*cfg.Products],
			xi:     xi[t*cfg.Products : (t+1)*cfg.Products],
			costs:  costs[t*cfg.Products : (t+1)*cfg.Products],
			nodes:  nodes.Slice(t*cfg.Agents, (t+1)*cfg.Agents, 0, k2).(*mat.Dense),
			demo:   demo.Slice(t*cfg.Agents, (t+1)*cfg.Agents, 0, 1).(*mat.Dense),
			sigma:  sigma,
			pi:     pi,
		}, prices, shares)
		if err != nil {
			return nil, err
		}
		stats.Iterations += ms.Iterations
		stats.Evaluations += ms.Evaluations
		stats.Converged = stats.Converged && ms.Converged
	}

	econ, err := assemble(cfg, marketIDs, firmIDs, prices, shares, x, w, agentMarkets, weights, nodes, demo)
	if err != nil {
		return nil, err
	}
	return &Result{
		Economy: econ,
		Truth: Truth{
			Beta:  append([]float64(nil), cfg.Beta...),
			Gamma: append([]float64(nil), cfg.Gamma...),
			Sigma: sigma,
			Pi:    pi,
			Xi:    xi,
			Omega: omega,
			Costs: costs,
		},
		Stats: stats,
	}, nil
}

// openUniform avoids the closed endpoint of Float64 so quantile transforms
// stay finite.
func openUniform(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}

func sigmaMatrix(cfg Config) *mat.Dense {
	if cfg.priceRC() {
		return mat.NewDense(2, 2, []float64{cfg.SigmaPrice, 0, 0, cfg.Sigma})
	}
	return mat.NewDense(1, 1, []float64{cfg.Sigma})
}

// piMatrix interacts only x with the demographic; a price row of zeros keeps
// the shape aligned with sigma.
func piMatrix(cfg Config) *mat.Dense {
	if cfg.priceRC() {
		return mat.NewDense(2, 1, []float64{0, cfg.Pi})
	}
	return mat.NewDense(1, 1, []float64{cfg.Pi})
}

type marketSlice struct {
	offset int
	firms  []string
	x      []float64
	xi     []float64
	costs  []float64
	nodes  *mat.Dense
	demo   *mat.Dense
	sigma  *mat.Dense
	pi     *mat.Dense
}

// solveMarket iterates the zeta markup map p = c + Lambda^{-1}[(O.Gamma)(p-c) - s]
// to the market's Bertrand equilibrium and stores prices and shares.
func solveMarket(cfg Config, solver *iterate.Solver, m marketSlice, prices, shares []float64) (iterate.Stats, error) {
	J := len(m.x)
	I, _ := m.nodes.Dims()
	k2 := cfg.k2()

	// taste deviations per agent: sigma nodes + pi demographics
	tastes := make([][]float64, k2)
	for r := 0; r < k2; r++ {
		tastes[r] = make([]float64, I)
		for i := 0; i < I; i++ {
			v := 0.0
			for c := 0; c < k2; c++ {
				v += m.sigma.At(r, c) * m.nodes.At(i, c)
			}
			v += m.pi.At(r, 0) * m.demo.At(i, 0)
			tastes[r][i] = v
		}
	}
	wi := 1 / float64(I)

	own := make([][]bool, J)
	for j := range own {
		own[j] = make([]bool, J)
		for k := range own[j] {
			own[j][k] = m.firms[j] == m.firms[k]
		}
	}

	s := make([]float64, J)
	lambda := make([]float64, J)
	gamma := make([][]float64, J)
	for j := range gamma {
		gamma[j] = make([]float64, J)
	}
	sji := make([]float64, J)

	evaluate := func(p []float64) {
		for j := range s {
			s[j], lambda[j] = 0, 0
			for k := range gamma[j] {
				gamma[j][k] = 0
			}
		}
		for i := 0; i < I; i++ {
			alpha := cfg.Beta[0]
			if cfg.priceRC() {
				alpha += tastes[0][i]
			}
			max := 0.0
			for j := 0; j < J; j++ {
				u := cfg.Beta[0]*p[j] + cfg.Beta[1] + cfg.Beta[2]*m.x[j] + m.xi[j]
				if cfg.priceRC() {
					u += p[j] * tastes[0][i]
				}
				u += m.x[j] * tastes[k2-1][i]
				sji[j] = u
				if u > max {
					max = u
				}
			}
			den := math.Exp(-max)
			for j := 0; j < J; j++ {
				sji[j] = math.Exp(sji[j] - max)
				den += sji[j]
			}
			for j := 0; j < J; j++ {
				sji[j] /= den
				s[j] += wi * sji[j]
				lambda[j] += wi * alpha * sji[j]
			}
			for j := 0; j < J; j++ {
				for k := j; k < J; k++ {
					g := wi * alpha * sji[j] * sji[k]
					gamma[j][k] += g
					if k != j {
						gamma[k][j] += g
					}
				}
			}
		}
	}

	zeta := func(dst, p []float64) {
		evaluate(p)
		for j := 0; j < J; j++ {
			v := -s[j]
			for k := 0; k < J; k++ {
				if own[j][k] {
					v += gamma[j][k] * (p[k] - m.costs[k])
				}
			}
			dst[j] = m.costs[j] + v/lambda[j]
		}
	}

	p0 := append([]float64(nil), m.costs...)
	p, stats := solver.Iterate(p0, zeta)
	if !stats.Converged {
		return stats, numerr.NewMarket(numerr.PricesConvergence,
			fmt.Sprintf("t%d", m.offset/len(m.x)), "equilibrium price fixed point did not converge")
	}
	evaluate(p)
	for j := 0; j < J; j++ {
		if !(s[j] > 0 && s[j] < 1) || math.IsNaN(p[j]) {
			return stats, numerr.NewMarket(numerr.PricesConvergence,
				fmt.Sprintf("t%d", m.offset/len(m.x)), "equilibrium produced degenerate shares")
		}
		prices[m.offset+j] = p[j]
		shares[m.offset+j] = s[j]
	}
	return stats, nil
}

// assemble packs the draws and solved equilibrium into a validated economy,
// with differentiation instruments for demand and cost shifters for supply.
func assemble(cfg Config, marketIDs, firmIDs []string, prices, shares, x, w []float64,
	agentMarkets []string, weights []float64, nodes, demo *mat.Dense) (*economy.Economy, error) {
	n := len(marketIDs)
	k2 := cfg.k2()

	x1 := mat.NewDense(n, 3, nil)
	x2 := mat.NewDense(n, k2, nil)
	x3 := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		x1.Set(i, 0, prices[i])
		x1.Set(i, 1, 1)
		x1.Set(i, 2, x[i])
		if cfg.priceRC() {
			x2.Set(i, 0, prices[i])
		}
		x2.Set(i, k2-1, x[i])
		x3.Set(i, 0, 1)
		x3.Set(i, 1, x[i])
		x3.Set(i, 2, w[i])
	}

	ownOther, rival := characteristicSums(marketIDs, firmIDs, x)
	_, rivalW := characteristicSums(marketIDs, firmIDs, w)
	zd := mat.NewDense(n, 5, nil)
	zs := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		zd.Set(i, 0, 1)
		zd.Set(i, 1, x[i])
		zd.Set(i, 2, ownOther[i])
		zd.Set(i, 3, rival[i])
		zd.Set(i, 4, w[i])
		zs.Set(i, 0, 1)
		zs.Set(i, 1, x[i])
		zs.Set(i, 2, w[i])
		zs.Set(i, 3, rivalW[i])
	}

	priceX2 := -1
	if cfg.priceRC() {
		priceX2 = 0
	}
	return economy.New(economy.Products{
		MarketIDs:     marketIDs,
		FirmIDs:       firmIDs,
		Shares:        shares,
		Prices:        prices,
		X1:            x1,
		X2:            x2,
		X3:            x3,
		ZD:            zd,
		ZS:            zs,
		PriceColumnX1: 0,
		PriceColumnX2: priceX2,
	}, economy.Agents{
		MarketIDs:    agentMarkets,
		Weights:      weights,
		Nodes:        nodes,
		Demographics: demo,
	})
}

// characteristicSums returns, for each product, the sums of v over the other
// products of its own firm and over rival firms' products in the same market.
func characteristicSums(marketIDs, firmIDs []string, v []float64) (ownOther, rival []float64) {
	ownOther = make([]float64, len(v))
	rival = make([]float64, len(v))
	for i := range v {
		for j := range v {
			if j == i || marketIDs[j] != marketIDs[i] {
				continue
			}
			if firmIDs[j] == firmIDs[i] {
				ownOther[i] += v[j]
			} else {
				rival[i] += v[j]
			}
		}
	}
	return ownOther, rival
}
