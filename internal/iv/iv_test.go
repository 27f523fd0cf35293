package iv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestEstimateRecoversExactCoefficients(t *testing.T) {
	// y = 2 x1 - 3 x2 with instruments equal to the regressors: the IV
	// estimate is OLS and exact with zero residuals.
	x := mat.NewDense(4, 2, []float64{
		1, 0.5,
		1, 1.5,
		1, 2.5,
		1, 4.0,
	})
	y := make([]float64, 4)
	for i := 0; i < 4; i++ {
		y[i] = 2*x.At(i, 0) - 3*x.At(i, 1)
	}

	s, err := New(Config{Design: x, Instruments: x}, nil, identity(2))
	require.NoError(t, err)

	betaC, gammaC, xi, omega := s.Estimate(y, nil)
	require.Len(t, betaC, 2)
	assert.InDelta(t, 2, betaC[0], 1e-10)
	assert.InDelta(t, -3, betaC[1], 1e-10)
	assert.Empty(t, gammaC)
	assert.Nil(t, omega)
	for _, r := range xi {
		assert.InDelta(t, 0, r, 1e-10)
	}
}

func TestEstimateStacksSupplyEquation(t *testing.T) {
	xd := mat.NewDense(3, 1, []float64{1, 2, 3})
	xs := mat.NewDense(3, 1, []float64{2, 2, 4})
	yd := []float64{1.5, 3.0, 4.5}  // beta = 1.5
	ys := []float64{-1.0, -1.0, -2} // gamma = -0.5

	supply := Config{Design: xs, Instruments: xs}
	s, err := New(Config{Design: xd, Instruments: xd}, &supply, identity(2))
	require.NoError(t, err)
	require.Equal(t, 6, s.Rows())

	betaC, gammaC, xi, omega := s.Estimate(yd, ys)
	require.Len(t, betaC, 1)
	require.Len(t, gammaC, 1)
	assert.InDelta(t, 1.5, betaC[0], 1e-10)
	assert.InDelta(t, -0.5, gammaC[0], 1e-10)
	for i := range xi {
		assert.InDelta(t, 0, xi[i], 1e-10)
		assert.InDelta(t, 0, omega[i], 1e-10)
	}
}

func TestConcentratedColumnSelection(t *testing.T) {
	// the second column is searched directly, so only the first is
	// concentrated and the caller nets its contribution out of y
	x := mat.NewDense(4, 2, []float64{
		1, 2,
		1, 3,
		1, 5,
		1, 7,
	})
	z := mat.NewDense(4, 1, []float64{1, 1, 1, 1})
	s, err := New(Config{Design: x, Concentrated: []bool{true, false}, Instruments: z}, nil, identity(1))
	require.NoError(t, err)

	y := []float64{4, 4, 4, 4}
	betaC, _, xi, _ := s.Estimate(y, nil)
	require.Len(t, betaC, 1)
	assert.InDelta(t, 4, betaC[0], 1e-10)
	for _, r := range xi {
		assert.InDelta(t, 0, r, 1e-10)
	}
}

func TestRankDeficientDesignFails(t *testing.T) {
	// duplicated columns cannot be identified
	x := mat.NewDense(3, 2, []float64{1, 1, 2, 2, 3, 3})
	_, err := New(Config{Design: x, Instruments: x}, nil, identity(2))
	require.Error(t, err)
	var nerr *numerr.Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, numerr.SingularMatrix, nerr.Kind)
}

func TestNoConcentratedColumns(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	z := mat.NewDense(3, 1, []float64{1, 1, 1})
	s, err := New(Config{Design: x, Concentrated: []bool{false}, Instruments: z}, nil, identity(1))
	require.NoError(t, err)

	y := []float64{0.5, -0.5, 1}
	betaC, _, xi, _ := s.Estimate(y, nil)
	assert.Empty(t, betaC)
	assert.Equal(t, y, xi)
}

func TestPropagateResidualJacobian(t *testing.T) {
	// the propagated derivative must match finite differences of the
	// residuals through the re-estimated coefficients
	x := mat.NewDense(4, 1, []float64{1, 2, 3, 5})
	s, err := New(Config{Design: x, Instruments: x}, nil, identity(1))
	require.NoError(t, err)

	y := []float64{1, 2.2, 2.9, 5.3}
	dy := mat.NewDense(4, 1, []float64{0.5, -1, 0.25, 2})

	dxi, domega := s.PropagateResidualJacobian(dy, nil)
	assert.Nil(t, domega)

	const h = 1e-6
	shift := func(sign float64) []float64 {
		out := make([]float64, len(y))
		for i := range y {
			out[i] = y[i] + sign*h*dy.At(i, 0)
		}
		return out
	}
	_, _, plus, _ := s.Estimate(shift(1), nil)
	_, _, minus, _ := s.Estimate(shift(-1), nil)
	for i := range y {
		fd := (plus[i] - minus[i]) / (2 * h)
		assert.InDelta(t, fd, dxi.At(i, 0), 1e-8)
	}
}
