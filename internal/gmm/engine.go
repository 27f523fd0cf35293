// Package gmm assembles per-market demand and supply solutions into the GMM
// objective, its gradient, and the weighting machinery of the moment
// conditions.
package gmm

import (
	"context"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/iterate"
	"blpgo/internal/iv"
	"blpgo/internal/market"
	"blpgo/internal/moments"
	"blpgo/internal/numerr"
	"blpgo/internal/params"
)

// Engine evaluates the GMM objective for one problem. It is safe for
// sequential reuse across evaluations; market solving fans out internally.
type Engine struct {
	econ *economy.Economy
	par  *params.Parameters
	set  *moments.Set
	cfg  config.Config
	log  *slog.Logger

	supply     bool
	md, ms, mm int
	np         int

	w       *mat.Dense
	stacked *iv.Stacked

	initialDelta      []float64
	initialTildeCosts []float64
}

// NewEngine validates the problem wiring and prepares the initial weighting
// matrix and IV design.
func NewEngine(e *economy.Economy, p *params.Parameters, set *moments.Set, cfg config.Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	en := &Engine{
		econ:   e,
		par:    p,
		set:    set,
		cfg:    cfg,
		log:    log,
		supply: e.K3 > 0,
		md:     e.MD,
		mm:     set.MM,
		np:     p.P(),
	}
	if en.supply {
		en.ms = e.MS
		if col := e.Products.PriceColumnX1; col >= 0 && p.ConcentratedBeta()[col] {
			return nil, numerr.Configf(
				"the supply side requires the price coefficient in theta or fixed, not concentrated")
		}
	}
	if cfg.WType == config.Clustered || cfg.SEType == config.Clustered {
		if len(e.Products.ClusteringIDs) == 0 {
			return nil, numerr.Configf("clustered covariances require clustering ids")
		}
	}

	start := p.Expand(p.Compress())
	en.initialDelta = e.LogitDelta(start.Rho)
	if en.supply {
		// before the first markup inversion, fall back to prices as costs
		en.initialTildeCosts = make([]float64, e.N)
		for i, price := range e.Products.Prices {
			v, _ := cfg.CostsBounds.Clip(price)
			if cfg.CostsType == config.LogCosts {
				v = math.Log(v)
			}
			en.initialTildeCosts[i] = v
		}
	}

	w, err := en.initialWeighting()
	if err != nil {
		return nil, err
	}
	if err := en.SetW(w); err != nil {
		return nil, err
	}
	return en, nil
}

// Moments returns the stacked moment dimension.
func (en *Engine) Moments() int { return en.md + en.ms + en.mm }

// W returns the current weighting matrix.
func (en *Engine) W() *mat.Dense { return en.w }

// SetW installs a weighting matrix and rebuilds the IV design, whose
// coefficient mapping depends on the instrument block of W.
func (en *Engine) SetW(w *mat.Dense) error {
	if err := economy.DetectPSD(w, "weighting matrix"); err != nil {
		return err
	}
	en.w = w
	zBlock := mat.NewDense(en.md+en.ms, en.md+en.ms, nil)
	zBlock.Copy(w.Slice(0, en.md+en.ms, 0, en.md+en.ms))
	demand := iv.Config{
		Design:       en.econ.Products.X1,
		Concentrated: en.par.ConcentratedBeta(),
		Instruments:  en.econ.Products.ZD,
	}
	var supply *iv.Config
	if en.supply {
		supply = &iv.Config{
			Design:       en.econ.Products.X3,
			Concentrated: en.par.ConcentratedGamma(),
			Instruments:  en.econ.Products.ZS,
		}
	}
	stacked, err := iv.New(demand, supply, zBlock)
	if err != nil {
		return err
	}
	en.stacked = stacked
	return nil
}

// InitialProgress seeds the reversion state before any evaluation.
func (en *Engine) InitialProgress() *Progress {
	pr := &Progress{
		Theta:      en.par.Compress(),
		Delta:      append([]float64(nil), en.initialDelta...),
		TildeCosts: append([]float64(nil), en.initialTildeCosts...),
		Micro:      make([]float64, en.mm),
		Objective:  math.Inf(1),
		Gradient:   make([]float64, en.np),
	}
	return pr
}

// Request selects what one objective evaluation must produce.
type Request struct {
	Theta    []float64
	Progress *Progress

	// WarmDelta starts the contraction from the previous evaluation's point
	// under last-delta behavior. The reversion baseline in Progress tracks
	// the best objective so far, which is not the same point.
	WarmDelta []float64

	Gradient         bool
	MicroCovariances bool
}

// Evaluation is the full output of one objective computation.
type Evaluation struct {
	Theta []float64

	Objective float64
	Gradient  []float64 // nil unless requested

	Delta      []float64
	TildeCosts []float64
	Xi         []float64
	Omega      []float64

	Beta  []float64
	Gamma []float64

	// Micro holds the averaged micro moment deviations, also present in the
	// tail of MomentMeans.
	Micro            []float64
	MomentMeans      []float64
	MomentJacobian   *mat.Dense // M x P, nil unless gradient requested
	MicroCovariances *mat.Dense // MM x MM, nil unless requested

	DeltaJacobian *mat.Dense
	OmegaJacobian *mat.Dense
	MicroJacobian *mat.Dense

	// Stats accumulates fixed point work across markets.
	Stats iterate.Stats

	// ClippedCosts counts the marginal costs pinned at the configured bounds.
	ClippedCosts int

	// Errors collects the non-fatal numerical problems handled under the
	// configured error behavior.
	Errors []error
}

// ToProgress snapshots the evaluation as the new last-known-good state.
func (ev *Evaluation) ToProgress() *Progress {
	pr := &Progress{
		Theta:      append([]float64(nil), ev.Theta...),
		Delta:      append([]float64(nil), ev.Delta...),
		TildeCosts: append([]float64(nil), ev.TildeCosts...),
		Micro:      append([]float64(nil), ev.Micro...),
		Objective:  ev.Objective,
		Gradient:   append([]float64(nil), ev.Gradient...),
	}
	if ev.DeltaJacobian != nil {
		pr.DeltaJacobian = mat.DenseCopyOf(ev.DeltaJacobian)
	}
	if ev.OmegaJacobian != nil {
		pr.OmegaJacobian = mat.DenseCopyOf(ev.OmegaJacobian)
	}
	if ev.MicroJacobian != nil {
		pr.MicroJacobian = mat.DenseCopyOf(ev.MicroJacobian)
	}
	return pr
}

type marketOutput struct {
	demand market.DemandResult
	supply market.SupplyResult
}

// Evaluate computes the objective at theta. Numerical failures are handled
// under the configured error behavior; only fatal conditions (non-PSD
// weighting, configuration faults) surface as errors.
func (en *Engine) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	prog := req.Progress
	if prog == nil {
		prog = en.InitialProgress()
	}
	ex := en.par.Expand(req.Theta)
	wantJac := req.Gradient && en.np > 0

	ev := &Evaluation{
		Theta:      append([]float64(nil), req.Theta...),
		Delta:      make([]float64, en.econ.N),
		TildeCosts: nil,
	}
	if en.supply {
		ev.TildeCosts = make([]float64, en.econ.N)
	}

	// closed-form shortcut: plain or nested logit with nothing that needs
	// the iterative machinery
	if en.econ.K2 == 0 && en.mm == 0 && !wantJac {
		copy(ev.Delta, en.econ.LogitDelta(ex.Rho))
		if en.supply {
			if err := en.solveSupplyOnly(ex, ev, prog, req); err != nil {
				return nil, err
			}
		}
		if err := en.finishEvaluation(ev, ex, prog, req); err != nil {
			return nil, err
		}
		en.logEvaluation(ctx, ev)
		return ev, nil
	}

	outs := make([]marketOutput, en.econ.T)
	base := en.initialDelta
	if en.cfg.DeltaBehavior == config.LastDelta {
		base = prog.Delta
		if req.WarmDelta != nil {
			base = req.WarmDelta
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(en.workers())
	for idx, id := range en.econ.MarketIDs {
		idx, id := idx, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slice := en.econ.Market(id)
			initial := make([]float64, slice.J)
			for j, r := range slice.Rows {
				initial[j] = base[r]
			}
			dres := market.SolveDemand(slice, en.par, ex, initial, market.DemandOptions{
				Formulation:             en.cfg.Formulation,
				Iteration:               en.cfg.Iteration,
				ComputeJacobian:         wantJac,
				Moments:                 en.set.For(id),
				ComputeMicroCovariances: req.MicroCovariances,
			})
			outs[idx].demand = dres
			if en.supply && dres.Err == nil {
				outs[idx].supply = market.SolveSupply(slice, en.par, ex, dres.Delta, dres.Jacobian, market.SupplyOptions{
					Costs:           en.cfg.CostsType,
					Bounds:          en.cfg.CostsBounds,
					PriceColumnX1:   en.econ.Products.PriceColumnX1,
					PriceColumnX2:   en.econ.Products.PriceColumnX2,
					ComputeJacobian: wantJac,
					Perturb: func(q int, h float64) params.Expanded {
						shifted := append([]float64(nil), req.Theta...)
						shifted[q] += h
						return en.par.Expand(shifted)
					},
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := en.reduce(ev, outs, prog, req, wantJac); err != nil {
		return nil, err
	}
	if err := en.finishEvaluation(ev, ex, prog, req); err != nil {
		return nil, err
	}
	en.logEvaluation(ctx, ev)
	return ev, nil
}

func (en *Engine) logEvaluation(ctx context.Context, ev *Evaluation) {
	en.log.DebugContext(ctx, "objective evaluated",
		slog.Float64("objective", ev.Objective),
		slog.Int("fixed_point_iterations", ev.Stats.Iterations),
		slog.Int("numerical_errors", len(ev.Errors)))
}

func (en *Engine) workers() int {
	if en.cfg.Workers > 0 {
		return en.cfg.Workers
	}
	return 1
}

// solveSupplyOnly runs markup inversions for the closed-form delta path.
func (en *Engine) solveSupplyOnly(ex params.Expanded, ev *Evaluation, prog *Progress, req Request) error {
	for _, id := range en.econ.MarketIDs {
		slice := en.econ.Market(id)
		delta := make([]float64, slice.J)
		for j, r := range slice.Rows {
			delta[j] = ev.Delta[r]
		}
		sres := market.SolveSupply(slice, en.par, ex, delta, nil, market.SupplyOptions{
			Costs:         en.cfg.CostsType,
			Bounds:        en.cfg.CostsBounds,
			PriceColumnX1: en.econ.Products.PriceColumnX1,
			PriceColumnX2: en.econ.Products.PriceColumnX2,
		})
		if sres.Err != nil {
			if err := en.handleMarketError(ev, sres.Err); err != nil {
				return err
			}
			for _, r := range slice.Rows {
				ev.TildeCosts[r] = prog.TildeCosts[r]
			}
			continue
		}
		for j, r := range slice.Rows {
			ev.TildeCosts[r] = sres.TildeCosts[j]
		}
	}
	return nil
}

// handleMarketError applies the configured behavior to one non-fatal market
// failure: raise returns it, revert and punish record it for later handling.
func (en *Engine) handleMarketError(ev *Evaluation, err error) error {
	if numerr.IsFatal(err) {
		return err
	}
	if en.cfg.ErrorBehavior == config.Raise {
		return err
	}
	ev.Errors = append(ev.Errors, err)
	return nil
}

// reduce assembles per-market outputs into economy-wide vectors, reverting
// failed markets to the progress state.
func (en *Engine) reduce(ev *Evaluation, outs []marketOutput, prog *Progress, req Request, wantJac bool) error {
	n := en.econ.N
	if wantJac {
		ev.DeltaJacobian = mat.NewDense(n, en.np, nil)
		if en.supply {
			ev.OmegaJacobian = mat.NewDense(n, en.np, nil)
		}
	}
	agg := moments.NewAggregator(en.set, en.econ, en.np, req.MicroCovariances)
	failedMicro := make([]bool, en.mm)

	for idx, id := range en.econ.MarketIDs {
		slice := en.econ.Market(id)
		out := outs[idx]
		ev.Stats.Iterations += out.demand.Stats.Iterations
		ev.Stats.Evaluations += out.demand.Stats.Evaluations

		if out.demand.Err != nil {
			if err := en.handleMarketError(ev, out.demand.Err); err != nil {
				return err
			}
			en.revertMarket(ev, slice, prog, wantJac)
			// a failed market invalidates every micro moment it is bound
			// to; the aggregate reverts rather than averaging over the
			// markets that happened to converge
			for _, im := range en.set.For(id) {
				failedMicro[im.Index] = true
			}
			continue
		}
		for j, r := range slice.Rows {
			ev.Delta[r] = out.demand.Delta[j]
		}
		if wantJac && out.demand.Jacobian != nil {
			for j, r := range slice.Rows {
				for q := 0; q < en.np; q++ {
					ev.DeltaJacobian.Set(r, q, out.demand.Jacobian.At(j, q))
				}
			}
		}
		if out.demand.Micro != nil {
			agg.Add(*out.demand.Micro)
		}

		if !en.supply {
			continue
		}
		if out.supply.Err != nil {
			if err := en.handleMarketError(ev, out.supply.Err); err != nil {
				return err
			}
			for _, r := range slice.Rows {
				ev.TildeCosts[r] = prog.TildeCosts[r]
			}
			if wantJac && prog.OmegaJacobian != nil {
				for _, r := range slice.Rows {
					for q := 0; q < en.np; q++ {
						ev.OmegaJacobian.Set(r, q, prog.OmegaJacobian.At(r, q))
					}
				}
			}
			continue
		}
		for j, r := range slice.Rows {
			ev.TildeCosts[r] = out.supply.TildeCosts[j]
		}
		for _, clipped := range out.supply.Clipped {
			if clipped {
				ev.ClippedCosts++
			}
		}
		if wantJac && out.supply.Jacobian != nil {
			for j, r := range slice.Rows {
				for q := 0; q < en.np; q++ {
					ev.OmegaJacobian.Set(r, q, out.supply.Jacobian.At(j, q))
				}
			}
		}
	}

	aggs := agg.Finalize()
	if en.mm > 0 {
		micro := append([]float64(nil), aggs.Micro...)
		for m, failed := range failedMicro {
			if failed {
				micro[m] = math.NaN()
			}
		}
		if err := revertVector(micro, prog.Micro, numerr.MicroReversion, ""); err != nil {
			if herr := en.handleMarketError(ev, err); herr != nil {
				return herr
			}
		}
		ev.Micro = micro
		if wantJac {
			ev.MicroJacobian = aggs.Jacobian
			for m, failed := range failedMicro {
				if failed {
					for q := 0; q < en.np; q++ {
						ev.MicroJacobian.Set(m, q, math.NaN())
					}
				}
			}
			if err := revertMatrix(ev.MicroJacobian, prog.MicroJacobian, numerr.MicroJacobianReversion, ""); err != nil {
				if herr := en.handleMarketError(ev, err); herr != nil {
					return herr
				}
			}
		}
		if req.MicroCovariances {
			ev.MicroCovariances = aggs.Covariances
		}
	}
	return nil
}

// revertMarket patches one failed market's rows with progress values.
func (en *Engine) revertMarket(ev *Evaluation, slice *economy.Slice, prog *Progress, wantJac bool) {
	for _, r := range slice.Rows {
		ev.Delta[r] = prog.Delta[r]
		if en.supply {
			ev.TildeCosts[r] = prog.TildeCosts[r]
		}
	}
	if !wantJac {
		return
	}
	if prog.DeltaJacobian != nil {
		for _, r := range slice.Rows {
			for q := 0; q < en.np; q++ {
				ev.DeltaJacobian.Set(r, q, prog.DeltaJacobian.At(r, q))
			}
		}
	}
	if en.supply && prog.OmegaJacobian != nil {
		for _, r := range slice.Rows {
			for q := 0; q < en.np; q++ {
				ev.OmegaJacobian.Set(r, q, prog.OmegaJacobian.At(r, q))
			}
		}
	}
}

// finishEvaluation nets known linear contributions out of the dependent
// variables, runs the IV step, stacks the moment conditions, and forms the
// objective and gradient.
func (en *Engine) finishEvaluation(ev *Evaluation, ex params.Expanded, prog *Progress, req Request) error {
	if err := revertVector(ev.Delta, prog.Delta, numerr.DeltaReversion, ""); err != nil {
		if herr := en.handleMarketError(ev, err); herr != nil {
			return herr
		}
	}
	if en.supply {
		if err := revertVector(ev.TildeCosts, prog.TildeCosts, numerr.CostsReversion, ""); err != nil {
			if herr := en.handleMarketError(ev, err); herr != nil {
				return herr
			}
		}
	}
	if ev.DeltaJacobian != nil {
		if err := revertMatrix(ev.DeltaJacobian, prog.DeltaJacobian, numerr.DeltaJacobianReversion, ""); err != nil {
			if herr := en.handleMarketError(ev, err); herr != nil {
				return herr
			}
		}
	}
	if ev.OmegaJacobian != nil {
		if err := revertMatrix(ev.OmegaJacobian, prog.OmegaJacobian, numerr.CostsJacobianReversion, ""); err != nil {
			if herr := en.handleMarketError(ev, err); herr != nil {
				return herr
			}
		}
	}

	n := en.econ.N
	nf := float64(n)

	// net out the linear contributions already pinned down by theta or fixed
	yd := append([]float64(nil), ev.Delta...)
	concentratedBeta := en.par.ConcentratedBeta()
	for k := 0; k < en.econ.K1; k++ {
		if concentratedBeta[k] {
			continue
		}
		for i := 0; i < n; i++ {
			yd[i] -= ex.Beta[k] * en.econ.Products.X1.At(i, k)
		}
	}
	var ys []float64
	var concentratedGamma []bool
	if en.supply {
		ys = append([]float64(nil), ev.TildeCosts...)
		concentratedGamma = en.par.ConcentratedGamma()
		for k := 0; k < en.econ.K3; k++ {
			if concentratedGamma[k] {
				continue
			}
			for i := 0; i < n; i++ {
				ys[i] -= ex.Gamma[k] * en.econ.Products.X3.At(i, k)
			}
		}
	}

	betaC, gammaC, xi, omega := en.stacked.Estimate(yd, ys)
	ev.Xi, ev.Omega = xi, omega
	ev.Beta = scatter(ex.Beta, concentratedBeta, betaC)
	if en.supply {
		ev.Gamma = scatter(ex.Gamma, concentratedGamma, gammaC)
	} else {
		ev.Gamma = append([]float64(nil), ex.Gamma...)
	}

	// stacked moment means: demand instruments, supply instruments, micro
	m := en.Moments()
	means := make([]float64, m)
	for c := 0; c < en.md; c++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += en.econ.Products.ZD.At(i, c) * xi[i]
		}
		means[c] = s / nf
	}
	for c := 0; c < en.ms; c++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += en.econ.Products.ZS.At(i, c) * omega[i]
		}
		means[en.md+c] = s / nf
	}
	if en.mm > 0 && ev.Micro != nil {
		copy(means[en.md+en.ms:], ev.Micro)
	}
	ev.MomentMeans = means

	// objective q = N^2 gbar' W gbar
	gv := mat.NewVecDense(m, means)
	var wg mat.VecDense
	wg.MulVec(en.w, gv)
	ev.Objective = nf * nf * mat.Dot(gv, &wg)
	if math.IsNaN(ev.Objective) || math.IsInf(ev.Objective, 0) {
		if herr := en.handleMarketError(ev, numerr.New(numerr.ObjectiveReversion, "non-finite objective value")); herr != nil {
			return herr
		}
		ev.Objective = prog.Objective
	}

	if req.Gradient && en.np > 0 {
		if err := en.assembleGradient(ev, prog, &wg, nf); err != nil {
			return err
		}
	}

	if len(ev.Errors) > 0 && en.cfg.ErrorBehavior == config.Revert {
		ev.Objective *= en.cfg.ErrorPunishment
	}
	if len(ev.Errors) > 0 && en.cfg.ErrorBehavior == config.Punish {
		// a fixed bad value, independent of the search history
		ev.Objective = en.cfg.ErrorPunishment
		if ev.Gradient != nil {
			for q := range ev.Gradient {
				ev.Gradient[q] = 0
			}
		}
	}
	return nil
}

// assembleGradient propagates the delta and cost Jacobians through the IV
// step into the stacked moment Jacobian and forms 2 N^2 Gbar' W gbar.
func (en *Engine) assembleGradient(ev *Evaluation, prog *Progress, wg *mat.VecDense, nf float64) error {
	n := en.econ.N
	m := en.Moments()

	// derivatives of the stacked dependent variables
	dyd := mat.DenseCopyOf(ev.DeltaJacobian)
	var dys *mat.Dense
	if en.supply {
		dys = mat.DenseCopyOf(ev.OmegaJacobian)
	}
	for q, f := range en.par.FreeEntries() {
		switch f.Loc {
		case params.LocBeta:
			for i := 0; i < n; i++ {
				dyd.Set(i, q, dyd.At(i, q)-en.econ.Products.X1.At(i, f.Col))
			}
		case params.LocGamma:
			if dys != nil {
				for i := 0; i < n; i++ {
					dys.Set(i, q, dys.At(i, q)-en.econ.Products.X3.At(i, f.Col))
				}
			}
		}
	}
	dxi, domega := en.stacked.PropagateResidualJacobian(dyd, dys)

	jac := mat.NewDense(m, en.np, nil)
	var block mat.Dense
	block.Mul(en.econ.Products.ZD.T(), dxi)
	for c := 0; c < en.md; c++ {
		for q := 0; q < en.np; q++ {
			jac.Set(c, q, block.At(c, q)/nf)
		}
	}
	if en.supply {
		var sblock mat.Dense
		sblock.Mul(en.econ.Products.ZS.T(), domega)
		for c := 0; c < en.ms; c++ {
			for q := 0; q < en.np; q++ {
				jac.Set(en.md+c, q, sblock.At(c, q)/nf)
			}
		}
	}
	if en.mm > 0 && ev.MicroJacobian != nil {
		for c := 0; c < en.mm; c++ {
			for q := 0; q < en.np; q++ {
				jac.Set(en.md+en.ms+c, q, ev.MicroJacobian.At(c, q))
			}
		}
	}
	ev.MomentJacobian = jac

	grad := make([]float64, en.np)
	var gtw mat.VecDense
	gtw.MulVec(jac.T(), wg)
	for q := range grad {
		grad[q] = 2 * nf * nf * gtw.AtVec(q)
	}
	ev.Gradient = grad
	if err := revertVector(ev.Gradient, prog.Gradient, numerr.GradientReversion, ""); err != nil {
		if herr := en.handleMarketError(ev, err); herr != nil {
			return herr
		}
	}
	return nil
}

// scatter merges concentrated estimates into the expanded coefficient vector.
func scatter(full []float64, concentrated []bool, estimates []float64) []float64 {
	out := append([]float64(nil), full...)
	next := 0
	for k, c := range concentrated {
		if c {
			out[k] = estimates[next]
			next++
		}
	}
	return out
}
