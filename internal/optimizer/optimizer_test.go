package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blpgo/internal/config"
)

func quadratic(center []float64) Evaluator {
	return func(theta []float64, grad bool) (float64, []float64, error) {
		f := 0.0
		var g []float64
		if grad {
			g = make([]float64, len(theta))
		}
		for i := range theta {
			d := theta[i] - center[i]
			f += d * d
			if grad {
				g[i] = 2 * d
			}
		}
		return f, g, nil
	}
}

func unbounded(p int) (lower, upper []float64) {
	lower = make([]float64, p)
	upper = make([]float64, p)
	for i := 0; i < p; i++ {
		lower[i] = math.Inf(-1)
		upper[i] = math.Inf(1)
	}
	return lower, upper
}

func defaultOpt() config.Optimization {
	return config.Optimization{
		Method:            "lbfgs",
		GradientTolerance: 1e-10,
		MaxIterations:     500,
		ComputeGradient:   true,
	}
}

func TestMinimizeQuadratic(t *testing.T) {
	for _, method := range []string{"lbfgs", "bfgs", "gradientdescent", "neldermead"} {
		t.Run(method, func(t *testing.T) {
			cfg := defaultOpt()
			cfg.Method = method
			lower, upper := unbounded(2)
			res, err := Gonum{}.Minimize(cfg, []float64{5, -3}, lower, upper, quadratic([]float64{1, 2}))
			require.NoError(t, err)
			tol := 1e-6
			if method == "neldermead" {
				tol = 1e-3
			}
			assert.InDelta(t, 1, res.Theta[0], tol)
			assert.InDelta(t, 2, res.Theta[1], tol)
			assert.Positive(t, res.Evaluations)
		})
	}
}

func TestMinimizeRespectsBounds(t *testing.T) {
	// the unconstrained minimum at 1 sits below the lower bound, so the
	// search must settle on the bound itself
	cfg := defaultOpt()
	lower := []float64{2}
	upper := []float64{10}
	res, err := Gonum{}.Minimize(cfg, []float64{5}, lower, upper, quadratic([]float64{1}))
	require.NoError(t, err)
	assert.InDelta(t, 2, res.Theta[0], 1e-6)
	assert.GreaterOrEqual(t, res.Theta[0], 2.0)
}

func TestMinimizePropagatesEvaluatorError(t *testing.T) {
	cfg := defaultOpt()
	wantErr := errors.New("weighting matrix is not positive semi-definite")
	lower, upper := unbounded(1)
	_, err := Gonum{}.Minimize(cfg, []float64{3}, lower, upper,
		func(theta []float64, grad bool) (float64, []float64, error) {
			return 0, nil, wantErr
		})
	require.Error(t, err)
}

func TestMinimizeWithoutGradientUsesNelderMead(t *testing.T) {
	cfg := defaultOpt()
	cfg.ComputeGradient = false
	lower, upper := unbounded(1)
	calls := 0
	res, err := Gonum{}.Minimize(cfg, []float64{4}, lower, upper,
		func(theta []float64, grad bool) (float64, []float64, error) {
			calls++
			assert.False(t, grad)
			d := theta[0] - 1.5
			return d * d, nil, nil
		})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, res.Theta[0], 1e-3)
	assert.Equal(t, calls, res.Evaluations)
}
