package gmm

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/moments"
	"blpgo/internal/numerr"
	"blpgo/internal/params"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workers = 2
	return cfg
}

// logitProblem builds two markets whose observed shares come from an exact
// logit model, so the true linear coefficients fit with zero residuals.
func logitProblem(t *testing.T) (*economy.Economy, *params.Parameters) {
	t.Helper()
	beta := []float64{1, -0.5}
	x := []float64{0.5, 1.0, 2.0, 0.8, 1.6, 2.4}
	marketIDs := []string{"a", "a", "a", "b", "b", "b"}

	shares := make([]float64, len(x))
	for _, market := range []string{"a", "b"} {
		denom := 1.0
		for i, id := range marketIDs {
			if id == market {
				denom += math.Exp(beta[0] + beta[1]*x[i])
			}
		}
		for i, id := range marketIDs {
			if id == market {
				shares[i] = math.Exp(beta[0]+beta[1]*x[i]) / denom
			}
		}
	}

	x1 := mat.NewDense(6, 2, nil)
	for i := range x {
		x1.Set(i, 0, 1)
		x1.Set(i, 1, x[i])
	}
	e, err := economy.New(economy.Products{
		MarketIDs: marketIDs,
		Shares:    shares,
		Prices:    []float64{1, 1, 1, 1, 1, 1},
		X1:        x1,
		ZD:        mat.DenseCopyOf(x1),
	}, economy.Agents{})
	require.NoError(t, err)
	p, err := params.New(params.Config{}, params.Dims{K1: 2})
	require.NoError(t, err)
	return e, p
}

// rcProblem mirrors the random-coefficient market fixture with a supply side
// and a three-element theta.
func rcProblem(t *testing.T) (*economy.Economy, *params.Parameters, []float64) {
	t.Helper()
	e, err := economy.New(economy.Products{
		MarketIDs:     []string{"m", "m", "m"},
		FirmIDs:       []string{"f1", "f1", "f2"},
		ClusteringIDs: []string{"c1", "c1", "c2"},
		Shares:        []float64{0.25, 0.2, 0.15},
		Prices:        []float64{3, 3.5, 4},
		X1:            mat.NewDense(3, 2, []float64{3, 1, 3.5, 1, 4, 1}),
		X2:            mat.NewDense(3, 1, []float64{1, 0.5, 2}),
		X3:            mat.NewDense(3, 1, []float64{1, 1, 1}),
		ZD:            mat.NewDense(3, 3, []float64{1, 0.2, 0.9, 1, 0.4, 1.1, 1, 0.6, 0.7}),
		ZS:            mat.NewDense(3, 1, []float64{1, 1, 1}),
		PriceColumnX1: 0,
		PriceColumnX2: -1,
	}, economy.Agents{
		MarketIDs:    []string{"m", "m", "m", "m"},
		Weights:      []float64{0.25, 0.25, 0.25, 0.25},
		Nodes:        mat.NewDense(4, 1, []float64{-1.5, -0.5, 0.5, 1.5}),
		Demographics: mat.NewDense(4, 1, []float64{0.3, 0.6, 0.9, 1.2}),
	})
	require.NoError(t, err)

	p, err := params.New(params.Config{
		Sigma: mat.NewDense(1, 1, []float64{0.8}),
		Pi:    mat.NewDense(1, 1, []float64{0.4}),
		Beta: []params.LinearParam{
			{Kind: params.InTheta, Value: -2, Lower: math.Inf(-1), Upper: math.Inf(1)},
			{Kind: params.Concentrated},
		},
		Gamma: []params.LinearParam{{Kind: params.Concentrated}},
	}, params.Dims{K1: 2, K2: 1, K3: 1, D: 1})
	require.NoError(t, err)
	return e, p, p.Compress()
}

func emptySet(t *testing.T, e *economy.Economy) *moments.Set {
	t.Helper()
	s, err := moments.NewSet(nil, e)
	require.NoError(t, err)
	return s
}

func TestLogitExactIdentificationRecoversBeta(t *testing.T) {
	e, p := logitProblem(t)
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)

	ev, err := en.Evaluate(context.Background(), Request{Theta: nil})
	require.NoError(t, err)
	assert.Empty(t, ev.Errors)
	assert.InDelta(t, 0, ev.Objective, 1e-12)
	assert.InDelta(t, 1, ev.Beta[0], 1e-8)
	assert.InDelta(t, -0.5, ev.Beta[1], 1e-8)
	for _, r := range ev.Xi {
		assert.InDelta(t, 0, r, 1e-10)
	}
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	e, p, theta := rcProblem(t)
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	ev, err := en.Evaluate(ctx, Request{Theta: theta, Gradient: true})
	require.NoError(t, err)
	require.Empty(t, ev.Errors)
	require.Len(t, ev.Gradient, 3)

	const h = 1e-6
	for q := range theta {
		shifted := append([]float64(nil), theta...)
		shifted[q] = theta[q] + h
		plus, err := en.Evaluate(ctx, Request{Theta: shifted})
		require.NoError(t, err)
		shifted[q] = theta[q] - h
		minus, err := en.Evaluate(ctx, Request{Theta: shifted})
		require.NoError(t, err)

		fd := (plus.Objective - minus.Objective) / (2 * h)
		tol := 1e-4 * math.Max(1, math.Abs(fd))
		assert.InDelta(t, fd, ev.Gradient[q], tol, "theta %d", q)
	}
}

func TestMicroMomentsEnterObjective(t *testing.T) {
	e, p, theta := rcProblem(t)
	set, err := moments.NewSet([]moments.MicroMoment{{
		Name:                 "x_by_income",
		CharacteristicColumn: 0,
		DemographicColumn:    0,
		Value:                0.7,
	}}, e)
	require.NoError(t, err)

	en, err := NewEngine(e, p, set, testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 3+1+1, en.Moments())

	ev, err := en.Evaluate(context.Background(), Request{
		Theta:            theta,
		Gradient:         true,
		MicroCovariances: true,
	})
	require.NoError(t, err)
	require.Len(t, ev.MomentMeans, 5)
	require.NotNil(t, ev.MicroCovariances)
	assert.NotZero(t, ev.MomentMeans[4])

	// the analytic micro gradient must agree with finite differences too
	const h = 1e-6
	for q := range theta {
		shifted := append([]float64(nil), theta...)
		shifted[q] = theta[q] + h
		plus, err := en.Evaluate(context.Background(), Request{Theta: shifted})
		require.NoError(t, err)
		shifted[q] = theta[q] - h
		minus, err := en.Evaluate(context.Background(), Request{Theta: shifted})
		require.NoError(t, err)
		fd := (plus.Objective - minus.Objective) / (2 * h)
		tol := 1e-4 * math.Max(1, math.Abs(fd))
		assert.InDelta(t, fd, ev.Gradient[q], tol, "theta %d", q)
	}
}

func TestRevertBehaviorUsesProgress(t *testing.T) {
	e, p, theta := rcProblem(t)
	cfg := testConfig()
	cfg.Iteration = config.Iteration{Scheme: config.Simple, Tolerance: 1e-14, MaxIterations: 1}
	en, err := NewEngine(e, p, emptySet(t, e), cfg, nil)
	require.NoError(t, err)

	prog := en.InitialProgress()
	ev, err := en.Evaluate(context.Background(), Request{Theta: theta, Progress: prog})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.Errors)
	// failed markets fall back to the progress delta
	assert.Equal(t, prog.Delta, ev.Delta)
	assert.False(t, math.IsNaN(ev.Objective))
}

func TestRevertVectorIsElementWise(t *testing.T) {
	x := []float64{1, math.NaN(), 3, math.Inf(1)}
	fallback := []float64{10, 20, 30, 40}
	err := revertVector(x, fallback, numerr.DeltaReversion, "m")
	require.Error(t, err)
	assert.Equal(t, []float64{1, 20, 3, 40}, x)

	var ne *numerr.Error
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, numerr.DeltaReversion, ne.Kind)
	assert.Equal(t, 2, ne.Count)

	finite := []float64{1, 2}
	assert.NoError(t, revertVector(finite, nil, numerr.DeltaReversion, "m"))
	assert.Equal(t, []float64{1, 2}, finite)
}

func TestRaiseBehaviorReturnsError(t *testing.T) {
	e, p, theta := rcProblem(t)
	cfg := testConfig()
	cfg.ErrorBehavior = config.Raise
	cfg.Iteration = config.Iteration{Scheme: config.Simple, Tolerance: 1e-14, MaxIterations: 1}
	en, err := NewEngine(e, p, emptySet(t, e), cfg, nil)
	require.NoError(t, err)

	_, err = en.Evaluate(context.Background(), Request{Theta: theta})
	require.Error(t, err)
}

func TestPunishBehaviorReportsFixedValue(t *testing.T) {
	e, p, theta := rcProblem(t)
	cfg := testConfig()
	cfg.ErrorBehavior = config.Punish
	cfg.ErrorPunishment = 2
	cfg.Iteration = config.Iteration{Scheme: config.Simple, Tolerance: 1e-14, MaxIterations: 1}
	en, err := NewEngine(e, p, emptySet(t, e), cfg, nil)
	require.NoError(t, err)

	// the punished objective is the configured constant whatever the best
	// objective so far happens to be
	for _, baseline := range []float64{math.Inf(1), 0.25, 123} {
		prog := en.InitialProgress()
		prog.Objective = baseline
		ev, err := en.Evaluate(context.Background(), Request{Theta: theta, Progress: prog, Gradient: true})
		require.NoError(t, err)
		assert.NotEmpty(t, ev.Errors)
		assert.Equal(t, 2.0, ev.Objective)
		require.Len(t, ev.Gradient, 3)
		for _, g := range ev.Gradient {
			assert.Zero(t, g)
		}
	}
}

func TestFailedMarketRevertsMicroMoments(t *testing.T) {
	e, p, theta := rcProblem(t)
	set, err := moments.NewSet([]moments.MicroMoment{{
		Name:                 "x_by_income",
		CharacteristicColumn: 0,
		DemographicColumn:    0,
		Value:                0.7,
	}}, e)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Iteration = config.Iteration{Scheme: config.Simple, Tolerance: 1e-14, MaxIterations: 1}
	en, err := NewEngine(e, p, set, cfg, nil)
	require.NoError(t, err)

	prog := en.InitialProgress()
	prog.Micro[0] = 0.42
	ev, err := en.Evaluate(context.Background(), Request{Theta: theta, Progress: prog})
	require.NoError(t, err)
	require.NotEmpty(t, ev.Errors)

	// every market bound to the moment failed, so the aggregate holds the
	// progress value instead of an average over nothing
	assert.Equal(t, []float64{0.42}, ev.Micro)
	found := false
	for _, evErr := range ev.Errors {
		var ne *numerr.Error
		if errors.As(evErr, &ne) && ne.Kind == numerr.MicroReversion {
			found = true
		}
	}
	assert.True(t, found, "expected a micro reversion error")
}

func TestLastDeltaWarmStartUsesLatestPoint(t *testing.T) {
	e, p, theta := rcProblem(t)
	cfg := testConfig()
	cfg.DeltaBehavior = config.LastDelta
	en, err := NewEngine(e, p, emptySet(t, e), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := en.Evaluate(ctx, Request{Theta: theta})
	require.NoError(t, err)

	// with a stale baseline the warm delta, not the baseline, seeds the
	// contraction
	cold, err := en.Evaluate(ctx, Request{Theta: theta, Progress: en.InitialProgress()})
	require.NoError(t, err)
	warm, err := en.Evaluate(ctx, Request{Theta: theta, Progress: en.InitialProgress(), WarmDelta: first.Delta})
	require.NoError(t, err)

	assert.Less(t, warm.Stats.Iterations, cold.Stats.Iterations)
	for i := range warm.Delta {
		assert.InDelta(t, cold.Delta[i], warm.Delta[i], 1e-10)
	}
}

func TestWeightingUpdateAndStandardErrors(t *testing.T) {
	e, p, theta := rcProblem(t)
	for _, wtype := range []config.CovarianceType{config.Robust, config.Unadjusted, config.Clustered} {
		t.Run(string(wtype), func(t *testing.T) {
			cfg := testConfig()
			cfg.WType = wtype
			cfg.SEType = wtype
			en, err := NewEngine(e, p, emptySet(t, e), cfg, nil)
			require.NoError(t, err)

			ev, err := en.Evaluate(context.Background(), Request{Theta: theta, Gradient: true})
			require.NoError(t, err)
			require.Empty(t, ev.Errors)

			require.NoError(t, en.UpdateW(ev))
			w := en.W()
			r, c := w.Dims()
			assert.Equal(t, en.Moments(), r)
			assert.Equal(t, en.Moments(), c)
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					assert.InDelta(t, w.At(j, i), w.At(i, j), 1e-9)
				}
			}

			_, se, err := en.ParameterCovariance(ev, cfg.SEType)
			require.NoError(t, err)
			require.Len(t, se, 5)
			for _, s := range se {
				assert.False(t, math.IsNaN(s))
				assert.GreaterOrEqual(t, s, 0.0)
			}
		})
	}
}

func TestSetWRejectsIndefiniteMatrix(t *testing.T) {
	e, p, _ := rcProblem(t)
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)

	m := en.Moments()
	w := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		w.Set(i, i, 1)
	}
	w.Set(0, 0, -1)
	err = en.SetW(w)
	require.Error(t, err)
	var ne *numerr.NotPSDError
	assert.ErrorAs(t, err, &ne)
}

func TestHansenJ(t *testing.T) {
	e, p, theta := rcProblem(t)
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)
	ev, err := en.Evaluate(context.Background(), Request{Theta: theta})
	require.NoError(t, err)
	assert.InDelta(t, ev.Objective/3, en.HansenJ(ev), 1e-12)
}

func TestComputeHessianIsSymmetricFinite(t *testing.T) {
	e, p, theta := rcProblem(t)
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)

	hess, err := en.ComputeHessian(context.Background(), theta, nil)
	require.NoError(t, err)
	r, c := hess.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.False(t, math.IsNaN(hess.At(i, j)))
			assert.Equal(t, hess.At(i, j), hess.At(j, i))
		}
	}
}

func TestComputeHessianUsesFixedDifferenceStep(t *testing.T) {
	// entries farther than one from zero get the same step as the rest
	e, p, _ := rcProblem(t)
	theta := []float64{0.8, 0.4, -2}
	en, err := NewEngine(e, p, emptySet(t, e), testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	hess, err := en.ComputeHessian(ctx, theta, nil)
	require.NoError(t, err)

	h := math.Sqrt(machineEps) / 2
	raw := make([][]float64, len(theta))
	for q := range theta {
		shifted := append([]float64(nil), theta...)
		shifted[q] = theta[q] + h
		plus, err := en.Evaluate(ctx, Request{Theta: shifted, Gradient: true})
		require.NoError(t, err)
		shifted[q] = theta[q] - h
		minus, err := en.Evaluate(ctx, Request{Theta: shifted, Gradient: true})
		require.NoError(t, err)
		raw[q] = make([]float64, len(theta))
		for i := range theta {
			raw[q][i] = (plus.Gradient[i] - minus.Gradient[i]) / (2 * h)
		}
	}
	for i := range theta {
		for j := range theta {
			want := (raw[j][i] + raw[i][j]) / 2
			tol := 1e-8 * math.Max(1, math.Abs(want))
			assert.InDelta(t, want, hess.At(i, j), tol, "entry %d,%d", i, j)
		}
	}
}

func TestProjectedGradient(t *testing.T) {
	grad := []float64{0.5, -0.5, 0.2, -0.2}
	theta := []float64{0, 0, 1, 1}
	lower := []float64{0, 0, 0, 0}
	upper := []float64{1, 1, 1, 1}
	pg := ProjectedGradient(grad, theta, lower, upper)
	// at the lower bound only inward (negative) components survive; at the
	// upper bound only positive ones
	assert.Equal(t, []float64{0, -0.5, 0.2, 0}, pg)
	assert.Equal(t, 0.5, SupNorm(grad))
}
