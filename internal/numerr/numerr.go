// Package numerr defines the numerical error taxonomy shared by the market
// solver, the GMM engine, and the step controller. All errors are recoverable
// by policy except non-positive-semi-definite matrix inputs, which are fatal
// because no reversion value is meaningful for them.
package numerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the quantity or stage affected by a numerical error.
type Kind string

const (
	DeltaConvergence  Kind = "delta_convergence"
	CostsConvergence  Kind = "costs_convergence"
	PricesConvergence Kind = "prices_convergence"
	ThetaConvergence  Kind = "theta_convergence"

	DeltaReversion         Kind = "delta_reversion"
	CostsReversion         Kind = "costs_reversion"
	MicroReversion         Kind = "micro_reversion"
	DeltaJacobianReversion Kind = "delta_jacobian_reversion"
	CostsJacobianReversion Kind = "costs_jacobian_reversion"
	MicroJacobianReversion Kind = "micro_jacobian_reversion"
	ObjectiveReversion     Kind = "objective_reversion"
	GradientReversion      Kind = "gradient_reversion"

	SingularMatrix    Kind = "singular_matrix"
	HessianEigenvalue Kind = "hessian_eigenvalue"
)

// Error is a typed, per-quantity numerical error. MarketID is empty for
// economy-level errors. Count carries the number of affected entries for
// element-wise reversion errors.
type Error struct {
	Kind     Kind
	MarketID string
	Count    int
	Detail   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.MarketID != "" {
		fmt.Fprintf(&b, " in market %s", e.MarketID)
	}
	if e.Count > 0 {
		fmt.Fprintf(&b, " (%d entries)", e.Count)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

// New builds an economy-level error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// NewMarket builds a per-market error.
func NewMarket(kind Kind, marketID, detail string) *Error {
	return &Error{Kind: kind, MarketID: marketID, Detail: detail}
}

// NewReversion builds an element-wise reversion error from a mask of
// non-finite positions.
func NewReversion(kind Kind, marketID string, mask []bool) *Error {
	n := 0
	for _, bad := range mask {
		if bad {
			n++
		}
	}
	return &Error{Kind: kind, MarketID: marketID, Count: n}
}

// NotPSDError reports a covariance or weighting matrix that failed the
// positive-semi-definiteness check. It is fatal under every error behavior.
type NotPSDError struct {
	Name string
}

func (e *NotPSDError) Error() string {
	return fmt.Sprintf("matrix %s is not positive semi-definite", e.Name)
}

// ConfigError reports invalid problem configuration, such as mismatched
// parameter shapes or rank-deficient instruments. Always fatal.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Configf builds a ConfigError.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Multi aggregates the errors collected during one objective evaluation.
// Per-market errors never abort other markets, so an evaluation can surface
// several at once.
type Multi struct {
	Errors []error
}

func (m *Multi) Error() string {
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	parts := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the aggregated errors to errors.Is and errors.As.
func (m *Multi) Unwrap() []error { return m.Errors }

// Combine wraps a non-empty error list into a single error, or returns nil.
func Combine(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &Multi{Errors: errs}
}

// IsFatal reports whether err must abort regardless of the configured error
// behavior.
func IsFatal(err error) bool {
	var psd *NotPSDError
	var cfg *ConfigError
	return errors.As(err, &psd) || errors.As(err, &cfg)
}

// CountMask returns the number of true entries in a reversion mask.
func CountMask(mask []bool) int {
	n := 0
	for _, bad := range mask {
		if bad {
			n++
		}
	}
	return n
}
