package params

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

func TestCompressOrderAndRoundTrip(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(2, 2, []float64{
			0.5, 0.2,
			0, 0.8,
		}),
		Pi:  mat.NewDense(2, 1, []float64{1.5, 0}),
		Rho: []float64{0.3},
		Beta: []LinearParam{
			{Kind: Concentrated},
			{Kind: InTheta, Value: -2},
		},
	}
	p, err := New(cfg, Dims{K1: 2, K2: 2, D: 1, H: 1})
	require.NoError(t, err)

	assert.Equal(t, 6, p.P())
	theta := p.Compress()
	// order: sigma upper triangle row-major, pi, rho, beta
	assert.Equal(t, []float64{0.5, 0.2, 0.8, 1.5, 0.3, -2}, theta)

	entries := p.FreeEntries()
	assert.Equal(t, FreeEntry{Loc: LocSigma, Row: 0, Col: 0}, entries[0])
	assert.Equal(t, FreeEntry{Loc: LocSigma, Row: 0, Col: 1}, entries[1])
	assert.Equal(t, FreeEntry{Loc: LocSigma, Row: 1, Col: 1}, entries[2])
	assert.Equal(t, FreeEntry{Loc: LocPi, Row: 0, Col: 0}, entries[3])
	assert.Equal(t, FreeEntry{Loc: LocRho, Col: 0}, entries[4])
	assert.Equal(t, FreeEntry{Loc: LocBeta, Col: 1}, entries[5])

	// round trip: expand then recompress through the expanded values
	newTheta := []float64{0.6, -0.1, 0.9, 2.5, 0.4, -3}
	ex := p.Expand(newTheta)
	assert.Equal(t, 0.6, ex.Sigma.At(0, 0))
	assert.Equal(t, -0.1, ex.Sigma.At(0, 1))
	assert.Equal(t, 0.0, ex.Sigma.At(1, 0))
	assert.Equal(t, 0.9, ex.Sigma.At(1, 1))
	assert.Equal(t, 2.5, ex.Pi.At(0, 0))
	assert.Equal(t, 0.0, ex.Pi.At(1, 0))
	assert.Equal(t, []float64{0.4}, ex.Rho)
	assert.True(t, math.IsNaN(ex.Beta[0]))
	assert.Equal(t, -3.0, ex.Beta[1])
}

func TestFixedZeroEntriesStayOut(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(2, 2, []float64{
			0.5, 0,
			0, 0,
		}),
	}
	p, err := New(cfg, Dims{K1: 1, K2: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, p.P())

	ex := p.Expand([]float64{0.7})
	assert.Equal(t, 0.7, ex.Sigma.At(0, 0))
	assert.Equal(t, 0.0, ex.Sigma.At(1, 1))
}

func TestLowerTriangleIgnored(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(2, 2, []float64{
			0.5, 0,
			0.9, 0.3,
		}),
	}
	p, err := New(cfg, Dims{K1: 1, K2: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, p.P())
	ex := p.Expand(p.Compress())
	assert.Equal(t, 0.0, ex.Sigma.At(1, 0))
}

func TestCompressBounds(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(1, 1, []float64{0.5}),
		Rho:   []float64{0.3},
	}
	p, err := New(cfg, Dims{K1: 1, K2: 1, H: 1})
	require.NoError(t, err)

	lower, upper := p.CompressBounds()
	// sigma diagonal is bounded below by zero; rho defaults to [0, 0.99]
	assert.Equal(t, []float64{0, 0}, lower)
	assert.True(t, math.IsInf(upper[0], 1))
	assert.Equal(t, 0.99, upper[1])
}

func TestEqualBoundsFixEntry(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(1, 1, []float64{0.5}),
		SigmaBounds: &Bounds{
			Lower: mat.NewDense(1, 1, []float64{0.5}),
			Upper: mat.NewDense(1, 1, []float64{0.5}),
		},
	}
	p, err := New(cfg, Dims{K1: 1, K2: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, p.P())

	ex := p.Expand(nil)
	assert.Equal(t, 0.5, ex.Sigma.At(0, 0))
}

func TestBoundViolationReported(t *testing.T) {
	cfg := Config{
		Sigma: mat.NewDense(1, 1, []float64{-0.5}), // diagonal default lower bound is 0
	}
	_, err := New(cfg, Dims{K1: 1, K2: 1})
	require.Error(t, err)
	var cfgErr *numerr.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBoundViolationClamped(t *testing.T) {
	cfg := Config{
		Sigma:           mat.NewDense(1, 1, []float64{-0.5}),
		ClampViolations: true,
	}
	p, err := New(cfg, Dims{K1: 1, K2: 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, p.Compress())
}

func TestShapeValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		dims Dims
	}{
		{"sigma wrong shape", Config{Sigma: mat.NewDense(1, 1, []float64{1})}, Dims{K1: 1, K2: 2}},
		{"sigma missing", Config{}, Dims{K1: 1, K2: 2}},
		{"pi wrong shape", Config{
			Sigma: mat.NewDense(1, 1, []float64{1}),
			Pi:    mat.NewDense(2, 2, nil),
		}, Dims{K1: 1, K2: 1, D: 2}},
		{"rho without nesting", Config{Rho: []float64{0.5}}, Dims{K1: 1}},
		{"rho wrong length", Config{Rho: []float64{0.5, 0.5, 0.5}}, Dims{K1: 1, H: 2}},
		{"beta wrong length", Config{Beta: []LinearParam{{Kind: Concentrated}}}, Dims{K1: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.dims)
			assert.Error(t, err)
		})
	}
}

func TestConcentratedMasks(t *testing.T) {
	cfg := Config{
		Beta: []LinearParam{
			{Kind: Concentrated},
			{Kind: InTheta, Value: -1},
			{Kind: FixedZero},
		},
	}
	p, err := New(cfg, Dims{K1: 3})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, false}, p.ConcentratedBeta())
	assert.Equal(t, []bool{false, false, true}, p.ZeroBeta())
	assert.Equal(t, 1, p.P())
}

func TestAnyBounds(t *testing.T) {
	unbounded, err := New(Config{
		Beta: []LinearParam{{Kind: InTheta, Value: 1}},
	}, Dims{K1: 1})
	require.NoError(t, err)
	assert.False(t, unbounded.AnyBounds())

	bounded, err := New(Config{
		Sigma: mat.NewDense(1, 1, []float64{0.5}),
	}, Dims{K1: 1, K2: 1})
	require.NoError(t, err)
	assert.True(t, bounded.AnyBounds())
}
