// Package params maps between structural parameter matrices and the compact
// vector of unknowns (theta) searched by the optimizer. Entries fixed at zero
// or with equal bounds stay out of theta; concentrated-out linear
// coefficients are estimated by the IV step and never enter theta.
package params

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

// Loc identifies which structural object a free entry belongs to. The
// compression order is fixed: sigma, pi, rho, beta, gamma.
type Loc int

const (
	LocSigma Loc = iota
	LocPi
	LocRho
	LocBeta
	LocGamma
)

// LinearKind classifies a linear (beta or gamma) coefficient.
type LinearKind int

const (
	// Concentrated coefficients are recovered by the IV step.
	Concentrated LinearKind = iota
	// FixedZero coefficients are zero throughout estimation.
	FixedZero
	// InTheta coefficients are searched by the optimizer.
	InTheta
)

// LinearParam configures one beta or gamma element.
type LinearParam struct {
	Kind         LinearKind
	Value        float64
	Lower, Upper float64
}

// Bounds pairs elementwise lower and upper bounds for a matrix of starting
// values. Nil sides mean unbounded.
type Bounds struct {
	Lower *mat.Dense
	Upper *mat.Dense
}

// Config collects starting values and bounds for all structural parameters.
// Nil sigma/pi and empty rho produce a pure logit parameterization.
type Config struct {
	Sigma       *mat.Dense // K2 x K2 upper triangle; lower triangle ignored
	Pi          *mat.Dense // K2 x D
	Rho         []float64  // length 1 (all groups) or H
	SigmaBounds *Bounds
	PiBounds    *Bounds
	RhoBounds   *Bounds // 1 x len(Rho) matrices
	Beta        []LinearParam
	Gamma       []LinearParam

	// ClampViolations clamps out-of-bound starting values instead of
	// reporting them. Used by bootstrap resampling.
	ClampViolations bool
}

// Dims carries the economy dimensions the configuration must match.
type Dims struct {
	K1, K2, K3, D, H int
}

type freeEntry struct {
	Loc          Loc
	Row, Col     int
	start        float64
	lower, upper float64
}

// FreeEntry describes one theta element for Jacobian assembly.
type FreeEntry struct {
	Loc      Loc
	Row, Col int
}

// Parameters is the immutable fixed/free partition built once per solve.
type Parameters struct {
	dims  Dims
	sigma *mat.Dense // full starting matrix, zeros where fixed
	pi    *mat.Dense
	rho   []float64
	beta  []LinearParam
	gamma []LinearParam
	free  []freeEntry
}

// New validates a parameter configuration against the economy dimensions and
// builds the fixed/free partition.
func New(cfg Config, dims Dims) (*Parameters, error) {
	p := &Parameters{dims: dims}

	if cfg.Sigma != nil {
		r, c := cfg.Sigma.Dims()
		if r != dims.K2 || c != dims.K2 {
			return nil, numerr.Configf("sigma is %d x %d, expected %d x %d", r, c, dims.K2, dims.K2)
		}
	} else if dims.K2 > 0 {
		return nil, numerr.Configf("sigma is required with %d nonlinear characteristics", dims.K2)
	}
	if cfg.Pi != nil {
		r, c := cfg.Pi.Dims()
		if r != dims.K2 || c != dims.D {
			return nil, numerr.Configf("pi is %d x %d, expected %d x %d", r, c, dims.K2, dims.D)
		}
	} else if dims.K2 > 0 && dims.D > 0 {
		return nil, numerr.Configf("pi is required with demographics")
	}
	switch len(cfg.Rho) {
	case 0:
	case 1, dims.H:
		if dims.H == 0 {
			return nil, numerr.Configf("rho requires nesting groups")
		}
	default:
		return nil, numerr.Configf("rho has %d elements, expected 1 or %d", len(cfg.Rho), dims.H)
	}
	if cfg.Beta != nil && len(cfg.Beta) != dims.K1 {
		return nil, numerr.Configf("beta has %d elements, expected %d", len(cfg.Beta), dims.K1)
	}
	if cfg.Gamma != nil && len(cfg.Gamma) != dims.K3 {
		return nil, numerr.Configf("gamma has %d elements, expected %d", len(cfg.Gamma), dims.K3)
	}

	// store full starting matrices with the ignored lower triangle zeroed
	if dims.K2 > 0 {
		p.sigma = mat.NewDense(dims.K2, dims.K2, nil)
		for i := 0; i < dims.K2; i++ {
			for j := i; j < dims.K2; j++ {
				p.sigma.Set(i, j, cfg.Sigma.At(i, j))
			}
		}
		p.pi = mat.NewDense(dims.K2, max(dims.D, 1), nil)
		if cfg.Pi != nil {
			p.pi.Copy(cfg.Pi)
		}
	}
	p.rho = append([]float64(nil), cfg.Rho...)
	p.beta = normalizeLinear(cfg.Beta, dims.K1)
	p.gamma = normalizeLinear(cfg.Gamma, dims.K3)

	if err := p.collectFree(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func normalizeLinear(in []LinearParam, n int) []LinearParam {
	out := make([]LinearParam, n)
	for i := range out {
		out[i] = LinearParam{Kind: Concentrated}
	}
	copy(out, in)
	for i := range out {
		if out[i].Kind == InTheta && out[i].Lower == 0 && out[i].Upper == 0 {
			out[i].Lower = math.Inf(-1)
			out[i].Upper = math.Inf(1)
		}
	}
	return out
}

func (p *Parameters) collectFree(cfg Config) error {
	add := func(loc Loc, row, col int, start, lower, upper float64) error {
		if lower > upper {
			return numerr.Configf("invalid bounds [%g, %g] for entry (%d, %d)", lower, upper, row, col)
		}
		if lower == upper {
			// equal bounds fix the entry at its starting value
			return nil
		}
		if start < lower || start > upper {
			if !cfg.ClampViolations {
				return numerr.Configf("starting value %g for entry (%d, %d) violates bounds [%g, %g]",
					start, row, col, lower, upper)
			}
			start = math.Min(math.Max(start, lower), upper)
		}
		p.free = append(p.free, freeEntry{Loc: loc, Row: row, Col: col, start: start, lower: lower, upper: upper})
		return nil
	}

	// sigma: zeros are fixed at zero; the diagonal is bounded below by zero
	// by default since it is a covariance root
	for i := 0; i < p.dims.K2; i++ {
		for j := i; j < p.dims.K2; j++ {
			start := p.sigma.At(i, j)
			if start == 0 {
				continue
			}
			lower, upper := math.Inf(-1), math.Inf(1)
			if i == j {
				lower = 0
			}
			if cfg.SigmaBounds != nil {
				lower, upper = boundsAt(cfg.SigmaBounds, i, j, lower, upper)
			}
			if err := add(LocSigma, i, j, start, lower, upper); err != nil {
				return err
			}
		}
	}
	if p.pi != nil {
		for i := 0; i < p.dims.K2; i++ {
			for j := 0; j < p.dims.D; j++ {
				start := p.pi.At(i, j)
				if start == 0 {
					continue
				}
				lower, upper := math.Inf(-1), math.Inf(1)
				if cfg.PiBounds != nil {
					lower, upper = boundsAt(cfg.PiBounds, i, j, lower, upper)
				}
				if err := add(LocPi, i, j, start, lower, upper); err != nil {
					return err
				}
			}
		}
	}
	// rho defaults to [0, 0.99]: negative correlations and values at one are
	// inconsistent with utility maximization
	for h, start := range p.rho {
		if start == 0 {
			continue
		}
		lower, upper := 0.0, 0.99
		if cfg.RhoBounds != nil {
			lower, upper = boundsAt(cfg.RhoBounds, 0, h, lower, upper)
		}
		if err := add(LocRho, 0, h, start, lower, upper); err != nil {
			return err
		}
	}
	for k, lp := range p.beta {
		if lp.Kind != InTheta {
			continue
		}
		if err := add(LocBeta, 0, k, lp.Value, lp.Lower, lp.Upper); err != nil {
			return err
		}
	}
	for k, lp := range p.gamma {
		if lp.Kind != InTheta {
			continue
		}
		if err := add(LocGamma, 0, k, lp.Value, lp.Lower, lp.Upper); err != nil {
			return err
		}
	}
	return nil
}

func boundsAt(b *Bounds, i, j int, lower, upper float64) (float64, float64) {
	if b.Lower != nil {
		if v := b.Lower.At(i, j); !math.IsNaN(v) {
			lower = v
		}
	}
	if b.Upper != nil {
		if v := b.Upper.At(i, j); !math.IsNaN(v) {
			upper = v
		}
	}
	return lower, upper
}

// P returns the number of unknowns in theta.
func (p *Parameters) P() int { return len(p.free) }

// Compress returns the starting theta vector in the fixed order: sigma upper
// triangle row-major, pi row-major, rho, beta, gamma.
func (p *Parameters) Compress() []float64 {
	theta := make([]float64, len(p.free))
	for i, f := range p.free {
		theta[i] = f.start
	}
	return theta
}

// CompressBounds mirrors Compress for the lower and upper bound vectors.
func (p *Parameters) CompressBounds() (lower, upper []float64) {
	lower = make([]float64, len(p.free))
	upper = make([]float64, len(p.free))
	for i, f := range p.free {
		lower[i] = f.lower
		upper[i] = f.upper
	}
	return lower, upper
}

// FreeEntries exposes the location of each theta element for Jacobian
// assembly.
func (p *Parameters) FreeEntries() []FreeEntry {
	out := make([]FreeEntry, len(p.free))
	for i, f := range p.free {
		out[i] = FreeEntry{Loc: f.Loc, Row: f.Row, Col: f.Col}
	}
	return out
}

// Expanded holds the structural matrices implied by a theta vector. Beta and
// gamma entries awaiting the IV step are NaN.
type Expanded struct {
	Sigma *mat.Dense
	Pi    *mat.Dense
	Rho   []float64
	Beta  []float64
	Gamma []float64
}

// Expand is the exact left inverse of Compress: it scatters theta into full
// structural matrices, filling fixed entries from the stored constants.
func (p *Parameters) Expand(theta []float64) Expanded {
	out := Expanded{
		Rho:   append([]float64(nil), p.rho...),
		Beta:  make([]float64, p.dims.K1),
		Gamma: make([]float64, p.dims.K3),
	}
	if p.sigma != nil {
		out.Sigma = mat.DenseCopyOf(p.sigma)
		out.Pi = mat.DenseCopyOf(p.pi)
	}
	for k, lp := range p.beta {
		switch lp.Kind {
		case Concentrated:
			out.Beta[k] = math.NaN()
		default:
			out.Beta[k] = lp.Value
		}
	}
	for k, lp := range p.gamma {
		switch lp.Kind {
		case Concentrated:
			out.Gamma[k] = math.NaN()
		default:
			out.Gamma[k] = lp.Value
		}
	}
	for i, f := range p.free {
		v := theta[i]
		switch f.Loc {
		case LocSigma:
			out.Sigma.Set(f.Row, f.Col, v)
		case LocPi:
			out.Pi.Set(f.Row, f.Col, v)
		case LocRho:
			out.Rho[f.Col] = v
		case LocBeta:
			out.Beta[f.Col] = v
		case LocGamma:
			out.Gamma[f.Col] = v
		}
	}
	return out
}

// ConcentratedBeta flags the beta elements recovered by the IV step.
func (p *Parameters) ConcentratedBeta() []bool {
	out := make([]bool, len(p.beta))
	for k, lp := range p.beta {
		out[k] = lp.Kind == Concentrated
	}
	return out
}

// ConcentratedGamma flags the gamma elements recovered by the IV step.
func (p *Parameters) ConcentratedGamma() []bool {
	out := make([]bool, len(p.gamma))
	for k, lp := range p.gamma {
		out[k] = lp.Kind == Concentrated
	}
	return out
}

// ZeroBeta flags beta elements fixed at zero (excluded from the IV design).
func (p *Parameters) ZeroBeta() []bool {
	out := make([]bool, len(p.beta))
	for k, lp := range p.beta {
		out[k] = lp.Kind == FixedZero
	}
	return out
}

// AnyBounds reports whether any free entry carries a finite bound, which
// switches progress reporting to the projected gradient norm.
func (p *Parameters) AnyBounds() bool {
	for _, f := range p.free {
		if !math.IsInf(f.lower, -1) || !math.IsInf(f.upper, 1) {
			return true
		}
	}
	return false
}
