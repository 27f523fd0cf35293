// Package estimator drives the staged GMM procedure: each step searches theta
// with the configured minimizer, re-evaluates at the optimum with full
// diagnostics, and hands the resulting moment covariances to the next step's
// weighting matrix.
package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/gmm"
	"blpgo/internal/iterate"
	"blpgo/internal/moments"
	"blpgo/internal/optimizer"
	"blpgo/internal/params"
)

// Estimator owns one estimation problem: an economy, its parameterization,
// and the staged GMM configuration.
type Estimator struct {
	econ *economy.Economy
	par  *params.Parameters
	cfg  config.Config
	log  *slog.Logger
	en   *gmm.Engine
	min  optimizer.Minimizer
}

// New builds an estimator. The engine validates the problem up front, so a
// successful New means Solve can only fail on numerical grounds.
func New(econ *economy.Economy, par *params.Parameters, set *moments.Set, cfg config.Config, log *slog.Logger) (*Estimator, error) {
	if log == nil {
		log = slog.Default()
	}
	en, err := gmm.NewEngine(econ, par, set, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Estimator{
		econ: econ,
		par:  par,
		cfg:  cfg,
		log:  log,
		en:   en,
		min:  optimizer.Gonum{},
	}, nil
}

// Engine exposes the underlying moment engine, mainly for diagnostics and
// tests.
func (es *Estimator) Engine() *gmm.Engine { return es.en }

// SetMinimizer swaps the theta search backend.
func (es *Estimator) SetMinimizer(m optimizer.Minimizer) { es.min = m }

// Step holds everything produced by one GMM step, evaluated at that step's
// optimum.
type Step struct {
	Step  int
	Theta []float64

	Sigma *mat.Dense
	Pi    *mat.Dense
	Rho   []float64
	Beta  []float64
	Gamma []float64

	Objective             float64
	Gradient              []float64
	ProjectedGradientNorm float64
	Hessian               *mat.SymDense
	HessianEigenvalues    []float64

	// StandardErrors covers theta; BetaSE and GammaSE cover the full linear
	// coefficient vectors, zero where an entry is fixed.
	StandardErrors []float64
	BetaSE         []float64
	GammaSE        []float64
	Covariance     *mat.Dense
	HansenJ        float64

	Delta      []float64
	TildeCosts []float64
	Xi         []float64
	Omega      []float64

	// W is the weighting matrix the step's objective was formed with.
	W *mat.Dense

	Converged            bool
	OptimizerIterations  int
	ObjectiveEvaluations int
	FixedPoint           iterate.Stats
	ClippedCosts         int

	// Errors collects the non-fatal numerical problems hit during the step,
	// including reversion notices surfaced by the final evaluation.
	Errors []error
}

// Results is the full record of a Solve run.
type Results struct {
	ID      string
	Steps   []Step
	Runtime time.Duration

	FixedPoint           iterate.Stats
	ObjectiveEvaluations int
}

// Final returns the last completed step.
func (r *Results) Final() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// Solve runs the configured number of GMM steps and returns their results.
// Two-step estimation recomputes the weighting matrix from the first step's
// moment covariances and warm starts the second step at the first optimum.
func (es *Estimator) Solve(ctx context.Context) (*Results, error) {
	start := time.Now()
	res := &Results{ID: uuid.NewString()}

	steps := 1
	if es.cfg.Method == config.TwoStep {
		steps = 2
	}

	prog := es.en.InitialProgress()
	theta := es.par.Compress()
	lower, upper := es.par.CompressBounds()

	for step := 1; step <= steps; step++ {
		st, ev, err := es.runStep(ctx, step, theta, lower, upper, prog)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		res.Steps = append(res.Steps, *st)
		res.FixedPoint.Iterations += st.FixedPoint.Iterations
		res.FixedPoint.Evaluations += st.FixedPoint.Evaluations
		res.FixedPoint.Converged = st.FixedPoint.Converged
		res.ObjectiveEvaluations += st.ObjectiveEvaluations

		theta = st.Theta
		prog = ev.ToProgress()
		if step < steps {
			if err := es.en.UpdateW(ev); err != nil {
				return nil, fmt.Errorf("step %d: updating weighting matrix: %w", step, err)
			}
			// objectives under different weighting matrices are not
			// comparable, so the reversion baseline starts fresh
			prog.Objective = math.Inf(1)
		}
	}

	res.Runtime = time.Since(start)
	es.log.InfoContext(ctx, "estimation finished",
		"run", res.ID,
		"steps", steps,
		"objective", res.Final().Objective,
		"evaluations", res.ObjectiveEvaluations,
		"runtime", res.Runtime)
	return res, nil
}

func (es *Estimator) runStep(ctx context.Context, step int, theta, lower, upper []float64, prog *gmm.Progress) (*Step, *gmm.Evaluation, error) {
	st := &Step{Step: step, W: mat.DenseCopyOf(es.en.W())}

	opt := optimizer.Result{Theta: append([]float64(nil), theta...), Converged: true}
	// the warm start follows the latest evaluation while the reversion
	// baseline in prog follows the best objective
	var warm []float64
	if es.par.P() > 0 {
		eval := func(th []float64, grad bool) (float64, []float64, error) {
			ev, err := es.en.Evaluate(ctx, gmm.Request{Theta: th, Progress: prog, WarmDelta: warm, Gradient: grad})
			if err != nil {
				return 0, nil, err
			}
			st.FixedPoint.Iterations += ev.Stats.Iterations
			st.FixedPoint.Evaluations += ev.Stats.Evaluations
			warm = ev.Delta
			if ev.Objective < prog.Objective {
				prog = ev.ToProgress()
			}
			return ev.Objective, ev.Gradient, nil
		}
		r, err := es.min.Minimize(es.cfg.Optimization, theta, lower, upper, eval)
		if err != nil {
			return nil, nil, err
		}
		opt = r
		if !r.Converged {
			es.log.WarnContext(ctx, "theta search hit the iteration limit",
				"step", step, "iterations", r.Iterations)
		}
	}

	ev, err := es.en.Evaluate(ctx, gmm.Request{
		Theta:            opt.Theta,
		Progress:         prog,
		WarmDelta:        warm,
		Gradient:         es.par.P() > 0,
		MicroCovariances: true,
	})
	if err != nil {
		return nil, nil, err
	}
	st.FixedPoint.Iterations += ev.Stats.Iterations
	st.FixedPoint.Evaluations += ev.Stats.Evaluations
	st.FixedPoint.Converged = ev.Stats.Converged
	st.ObjectiveEvaluations = opt.Evaluations + 1
	st.OptimizerIterations = opt.Iterations
	st.Converged = opt.Converged
	st.Errors = append(st.Errors, ev.Errors...)

	es.fillStep(ctx, st, ev, lower, upper)
	es.log.InfoContext(ctx, "step finished",
		"step", step,
		"objective", st.Objective,
		"projected_gradient", st.ProjectedGradientNorm,
		"converged", st.Converged,
		"evaluations", st.ObjectiveEvaluations,
		"fixed_point_iterations", st.FixedPoint.Iterations)
	return st, ev, nil
}

// fillStep snapshots the optimum's parameters and diagnostics into the step
// record. Covariance and Hessian failures are recorded rather than raised so
// a finished search is never discarded over its diagnostics.
func (es *Estimator) fillStep(ctx context.Context, st *Step, ev *gmm.Evaluation, lower, upper []float64) {
	ex := es.par.Expand(ev.Theta)
	st.Theta = append([]float64(nil), ev.Theta...)
	st.Sigma, st.Pi = ex.Sigma, ex.Pi
	st.Rho = append([]float64(nil), ex.Rho...)
	st.Beta = append([]float64(nil), ev.Beta...)
	st.Gamma = append([]float64(nil), ev.Gamma...)

	st.Objective = ev.Objective
	st.ClippedCosts = ev.ClippedCosts
	st.Delta = append([]float64(nil), ev.Delta...)
	st.TildeCosts = append([]float64(nil), ev.TildeCosts...)
	st.Xi = append([]float64(nil), ev.Xi...)
	st.Omega = append([]float64(nil), ev.Omega...)
	st.HansenJ = es.en.HansenJ(ev)

	cov, se, err := es.en.ParameterCovariance(ev, es.cfg.SEType)
	if err != nil {
		st.Errors = append(st.Errors, err)
		es.log.WarnContext(ctx, "parameter covariance failed", "step", st.Step, "error", err)
	} else {
		st.Covariance = cov
		st.StandardErrors = append([]float64(nil), se[:es.par.P()]...)
		st.BetaSE, st.GammaSE = es.scatterLinearSE(se)
	}

	if es.par.P() == 0 {
		return
	}
	st.Gradient = append([]float64(nil), ev.Gradient...)
	st.ProjectedGradientNorm = gmm.SupNorm(gmm.ProjectedGradient(ev.Gradient, ev.Theta, lower, upper))

	if es.cfg.CheckOptimality != config.GradientAndHessian {
		return
	}
	hess, err := es.en.ComputeHessian(ctx, ev.Theta, ev.ToProgress())
	if err != nil {
		st.Errors = append(st.Errors, err)
		es.log.WarnContext(ctx, "hessian computation failed", "step", st.Step, "error", err)
		return
	}
	st.Hessian = hess
	var eig mat.EigenSym
	if eig.Factorize(hess, false) {
		st.HessianEigenvalues = eig.Values(nil)
	}
	if err := gmm.CheckHessian(gmm.ReducedHessian(hess, ev.Theta, lower, upper)); err != nil {
		st.Errors = append(st.Errors, err)
		es.log.WarnContext(ctx, "optimum fails the second order condition",
			"step", st.Step, "error", err)
	}
}

// scatterLinearSE distributes the stacked standard errors onto the full beta
// and gamma vectors: searched entries come from the theta block, concentrated
// entries from the trailing block, fixed entries stay zero.
func (es *Estimator) scatterLinearSE(se []float64) (betaSE, gammaSE []float64) {
	betaSE = make([]float64, es.econ.K1)
	gammaSE = make([]float64, es.econ.K3)
	for q, f := range es.par.FreeEntries() {
		switch f.Loc {
		case params.LocBeta:
			betaSE[f.Col] = se[q]
		case params.LocGamma:
			gammaSE[f.Col] = se[q]
		}
	}
	idx := es.par.P()
	for k, c := range es.par.ConcentratedBeta() {
		if c {
			betaSE[k] = se[idx]
			idx++
		}
	}
	if es.econ.K3 > 0 {
		for k, c := range es.par.ConcentratedGamma() {
			if c {
				gammaSE[k] = se[idx]
				idx++
			}
		}
	}
	return betaSE, gammaSE
}
