package config

import (
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Formulation selects the numerical form of the mean-utility contraction.
type Formulation string

const (
	// SafeLinear subtracts each agent's maximum utility before exponentiating
	// (log-sum-exp stabilization). Most overflow-resistant; the default.
	SafeLinear Formulation = "safe_linear"
	// Linear is the standard contraction without stabilization.
	Linear Formulation = "linear"
	// Nonlinear iterates on exp(delta) directly, canceling the exp(delta)
	// term analytically. Not valid with nesting.
	Nonlinear Formulation = "nonlinear"
	// SafeNonlinear is the exponentiated form with the per-agent maximum of
	// mu subtracted. Not valid with nesting.
	SafeNonlinear Formulation = "safe_nonlinear"
)

// Scheme selects the fixed-point solver used for the contraction.
type Scheme string

const (
	// Simple applies the contraction map until the sup-norm of the update is
	// below tolerance.
	Simple Scheme = "simple"
	// SQUAREM applies squared extrapolation acceleration to the contraction.
	SQUAREM Scheme = "squarem"
	// Newton root-finds the share-equation residual with the analytic
	// Jacobian of predicted shares with respect to delta.
	Newton Scheme = "newton"
)

// CostsType selects the marginal cost transform.
type CostsType string

const (
	LinearCosts CostsType = "linear"
	LogCosts    CostsType = "log"
)

// ErrorBehavior selects the policy applied when an objective evaluation
// produces numerical errors.
type ErrorBehavior string

const (
	// Revert substitutes last known-good values element-wise and scales the
	// objective by the punishment factor.
	Revert ErrorBehavior = "revert"
	// Punish discards the evaluation, reporting the punishment factor as the
	// objective and a zero gradient.
	Punish ErrorBehavior = "punish"
	// Raise aborts on the first error.
	Raise ErrorBehavior = "raise"
)

// DeltaBehavior selects where each market's contraction starts.
type DeltaBehavior string

const (
	// FirstDelta starts every evaluation in a GMM step from the step's
	// initial mean utilities.
	FirstDelta DeltaBehavior = "first"
	// LastDelta starts from the mean utilities of the previous evaluation.
	LastDelta DeltaBehavior = "last"
)

// Method selects the number of GMM steps.
type Method string

const (
	OneStep Method = "1s"
	TwoStep Method = "2s"
)

// CheckOptimality selects the post-optimization diagnostics.
type CheckOptimality string

const (
	// GradientOnly computes the analytic gradient at the optimum.
	GradientOnly CheckOptimality = "gradient"
	// GradientAndHessian additionally computes the Hessian with central
	// finite differences over the analytic gradient.
	GradientAndHessian CheckOptimality = "both"
)

// CovarianceType selects the moment covariance estimator used for weighting
// matrix updates and standard errors.
type CovarianceType string

const (
	Robust     CovarianceType = "robust"
	Unadjusted CovarianceType = "unadjusted"
	Clustered  CovarianceType = "clustered"
)

// Iteration configures the per-market fixed point computation.
type Iteration struct {
	Scheme        Scheme  `yaml:"scheme" envconfig:"SCHEME" default:"squarem" validate:"oneof=simple squarem newton"`
	Tolerance     float64 `yaml:"tolerance" envconfig:"TOLERANCE" default:"1e-14" validate:"gt=0"`
	MaxIterations int     `yaml:"max_iterations" envconfig:"MAX_ITERATIONS" default:"5000" validate:"gt=0"`
}

// Optimization configures the outer theta search.
type Optimization struct {
	Method            string  `yaml:"method" envconfig:"METHOD" default:"lbfgs" validate:"oneof=lbfgs bfgs neldermead gradientdescent"`
	GradientTolerance float64 `yaml:"gradient_tolerance" envconfig:"GRADIENT_TOLERANCE" default:"1e-8" validate:"gt=0"`
	MaxIterations     int     `yaml:"max_iterations" envconfig:"MAX_ITERATIONS" default:"1000" validate:"gt=0"`
	ComputeGradient   bool    `yaml:"compute_gradient" envconfig:"COMPUTE_GRADIENT" default:"true"`
}

// CostsBounds clips implied marginal costs to a closed interval. NaN entries
// mean unbounded on that side.
type CostsBounds struct {
	Lower float64 `yaml:"lower" envconfig:"LOWER"`
	Upper float64 `yaml:"upper" envconfig:"UPPER"`
}

// UnboundedCosts places no restriction on implied marginal costs.
func UnboundedCosts() CostsBounds {
	return CostsBounds{Lower: math.Inf(-1), Upper: math.Inf(1)}
}

// Config is the full estimation configuration. The zero value is not usable;
// start from Default.
type Config struct {
	Method          Method          `yaml:"method" envconfig:"METHOD" default:"2s" validate:"oneof=1s 2s"`
	Formulation     Formulation     `yaml:"formulation" envconfig:"FORMULATION" default:"safe_linear" validate:"oneof=safe_linear linear nonlinear safe_nonlinear"`
	Iteration       Iteration       `yaml:"iteration" envconfig:"ITERATION"`
	Optimization    Optimization    `yaml:"optimization" envconfig:"OPTIMIZATION"`
	ErrorBehavior   ErrorBehavior   `yaml:"error_behavior" envconfig:"ERROR_BEHAVIOR" default:"revert" validate:"oneof=revert punish raise"`
	ErrorPunishment float64         `yaml:"error_punishment" envconfig:"ERROR_PUNISHMENT" default:"1" validate:"gt=0"`
	DeltaBehavior   DeltaBehavior   `yaml:"delta_behavior" envconfig:"DELTA_BEHAVIOR" default:"first" validate:"oneof=first last"`
	CheckOptimality CheckOptimality `yaml:"check_optimality" envconfig:"CHECK_OPTIMALITY" default:"both" validate:"oneof=gradient both"`
	CostsType       CostsType       `yaml:"costs_type" envconfig:"COSTS_TYPE" default:"linear" validate:"oneof=linear log"`
	CostsBounds     CostsBounds     `yaml:"costs_bounds" envconfig:"COSTS_BOUNDS"`
	WType           CovarianceType  `yaml:"w_type" envconfig:"W_TYPE" default:"robust" validate:"oneof=robust unadjusted clustered"`
	SEType          CovarianceType  `yaml:"se_type" envconfig:"SE_TYPE" default:"robust" validate:"oneof=robust unadjusted clustered"`
	CenterMoments   bool            `yaml:"center_moments" envconfig:"CENTER_MOMENTS" default:"true"`
	Workers         int             `yaml:"workers" envconfig:"WORKERS" validate:"gte=0"`
}

// Default returns the configuration mirroring the conventional defaults:
// two-step GMM, safe linear contraction solved with SQUAREM at 1e-14, revert
// error behavior, robust weighting and standard errors.
func Default() Config {
	return Config{
		Method:      TwoStep,
		Formulation: SafeLinear,
		Iteration: Iteration{
			Scheme:        SQUAREM,
			Tolerance:     1e-14,
			MaxIterations: 5000,
		},
		Optimization: Optimization{
			Method:            "lbfgs",
			GradientTolerance: 1e-8,
			MaxIterations:     1000,
			ComputeGradient:   true,
		},
		ErrorBehavior:   Revert,
		ErrorPunishment: 1,
		DeltaBehavior:   FirstDelta,
		CheckOptimality: GradientAndHessian,
		CostsType:       LinearCosts,
		CostsBounds:     UnboundedCosts(),
		WType:           Robust,
		SEType:          Robust,
		CenterMoments:   true,
		Workers:         runtime.NumCPU(),
	}
}

// Load reads a YAML configuration file and applies environment overrides with
// the BLP prefix. Missing file fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("BLP", &cfg); err != nil {
		return cfg, fmt.Errorf("load config from env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// normalize fills derived defaults that struct tags cannot express.
func (c *Config) normalize() {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.CostsBounds.Lower == 0 && c.CostsBounds.Upper == 0 {
		c.CostsBounds = UnboundedCosts()
	}
	if math.IsNaN(c.CostsBounds.Lower) {
		c.CostsBounds.Lower = math.Inf(-1)
	}
	if math.IsNaN(c.CostsBounds.Upper) {
		c.CostsBounds.Upper = math.Inf(1)
	}
}

// Validate checks enum membership and cross-field consistency.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.CostsBounds.Lower > c.CostsBounds.Upper {
		return fmt.Errorf("costs bounds lower %g exceeds upper %g", c.CostsBounds.Lower, c.CostsBounds.Upper)
	}
	return nil
}

// Stabilized reports whether the formulation applies overflow safeguards.
func (f Formulation) Stabilized() bool {
	return f == SafeLinear || f == SafeNonlinear
}

// Exponentiated reports whether the formulation iterates on exp(delta).
// Exponentiated formulations are invalid with nesting.
func (f Formulation) Exponentiated() bool {
	return f == Nonlinear || f == SafeNonlinear
}

// Bounded reports whether either cost bound is finite, which determines
// whether clipped-cost counts are tracked.
func (b CostsBounds) Bounded() bool {
	return !math.IsInf(b.Lower, -1) || !math.IsInf(b.Upper, 1)
}

// Clip returns the cost clipped to the bounds and whether clipping occurred.
func (b CostsBounds) Clip(c float64) (float64, bool) {
	if c < b.Lower {
		return b.Lower, true
	}
	if c > b.Upper {
		return b.Upper, true
	}
	return c, false
}
