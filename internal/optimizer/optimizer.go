// Package optimizer wraps the outer theta search. The default implementation
// drives gonum's unconstrained minimizers, clamping iterates to the parameter
// bounds and projecting the reported gradient so active bounds do not stall
// convergence checks.
package optimizer

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"blpgo/internal/config"
	"blpgo/internal/numerr"
)

// Evaluator computes the objective and, when grad is true, its gradient at
// theta. Implementations may revert or punish numerical failures internally;
// a returned error aborts the search.
type Evaluator func(theta []float64, grad bool) (float64, []float64, error)

// Result reports the search outcome.
type Result struct {
	Theta     []float64
	Objective float64

	Iterations  int
	Evaluations int
	Converged   bool
}

// Minimizer searches theta space. The gonum-backed implementation is the
// default; tests substitute fixed-point searches.
type Minimizer interface {
	Minimize(cfg config.Optimization, start, lower, upper []float64, eval Evaluator) (Result, error)
}

// Gonum adapts gonum/optimize methods to bounded problems by projection.
type Gonum struct{}

func toMethod(name string, gradient bool) optimize.Method {
	if !gradient {
		return &optimize.NelderMead{}
	}
	switch name {
	case "bfgs":
		return &optimize.BFGS{}
	case "neldermead":
		return &optimize.NelderMead{}
	case "gradientdescent":
		return &optimize.GradientDescent{}
	default:
		return &optimize.LBFGS{}
	}
}

// Minimize runs the configured method from start. The evaluator is always
// called at bound-clamped iterates, and both value and gradient at one theta
// come from a single evaluation.
func (Gonum) Minimize(cfg config.Optimization, start, lower, upper []float64, eval Evaluator) (Result, error) {
	useGradient := cfg.ComputeGradient && cfg.Method != "neldermead"

	cache := &evalCache{eval: eval, lower: lower, upper: upper, grad: useGradient}
	problem := optimize.Problem{Func: cache.value}
	if useGradient {
		problem.Grad = cache.gradient
	}

	settings := &optimize.Settings{
		GradientThreshold: cfg.GradientTolerance,
		MajorIterations:   cfg.MaxIterations,
	}

	res, err := optimize.Minimize(problem, clamp(start, lower, upper), settings, toMethod(cfg.Method, useGradient))
	if cache.err != nil {
		return Result{}, cache.err
	}
	out := Result{
		Iterations:  0,
		Evaluations: cache.count,
	}
	if res != nil {
		out.Theta = clamp(res.X, lower, upper)
		out.Objective = res.F
		out.Iterations = res.MajorIterations
		out.Converged = res.Status == optimize.GradientThreshold ||
			res.Status == optimize.FunctionConvergence ||
			res.Status == optimize.StepConvergence
	}
	if err != nil && !out.Converged {
		// iteration limits surface as errors in gonum; report them as an
		// unconverged result rather than a failure
		if res != nil && res.Status == optimize.IterationLimit {
			return out, nil
		}
		return out, numerr.New(numerr.ThetaConvergence, err.Error())
	}
	return out, nil
}

// evalCache pairs gonum's separate Func and Grad callbacks with an evaluator
// that produces both at once.
type evalCache struct {
	eval         Evaluator
	lower, upper []float64
	grad         bool

	lastX    []float64
	lastF    float64
	lastGrad []float64
	count    int
	err      error
}

func (c *evalCache) value(x []float64) float64 {
	if c.err != nil {
		return math.Inf(1)
	}
	if !c.cached(x) {
		c.run(x)
	}
	return c.lastF
}

func (c *evalCache) gradient(grad, x []float64) {
	if c.err != nil {
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	if !c.cached(x) {
		c.run(x)
	}
	copy(grad, c.lastGrad)
	// projection: at an active bound the infeasible component is dropped so
	// the threshold check sees only feasible descent directions
	for i := range grad {
		if x[i] <= c.lower[i] && grad[i] > 0 {
			grad[i] = 0
		}
		if x[i] >= c.upper[i] && grad[i] < 0 {
			grad[i] = 0
		}
	}
}

func (c *evalCache) cached(x []float64) bool {
	if c.lastX == nil || len(c.lastX) != len(x) {
		return false
	}
	for i := range x {
		if x[i] != c.lastX[i] {
			return false
		}
	}
	return true
}

func (c *evalCache) run(x []float64) {
	c.count++
	clamped := clamp(x, c.lower, c.upper)
	f, g, err := c.eval(clamped, c.grad)
	if err != nil {
		c.err = err
		c.lastX = append(c.lastX[:0], x...)
		c.lastF = math.Inf(1)
		c.lastGrad = make([]float64, len(x))
		return
	}
	c.lastX = append(c.lastX[:0], x...)
	c.lastF = f
	if c.grad {
		c.lastGrad = append(c.lastGrad[:0], g...)
	}
}

func clamp(x, lower, upper []float64) []float64 {
	out := append([]float64(nil), x...)
	for i := range out {
		if out[i] < lower[i] {
			out[i] = lower[i]
		}
		if out[i] > upper[i] {
			out[i] = upper[i]
		}
	}
	return out
}
