package moments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/economy"
)

// microEconomy builds two markets with 2 and 3 agents so that agent-count
// weighting is distinguishable from a simple mean.
func microEconomy(t *testing.T) *economy.Economy {
	t.Helper()
	products := economy.Products{
		MarketIDs: []string{"m1", "m1", "m2", "m2"},
		Shares:    []float64{0.3, 0.2, 0.25, 0.25},
		Prices:    []float64{1, 2, 1, 2},
		X1:        mat.NewDense(4, 1, []float64{1, 1, 1, 1}),
		X2:        mat.NewDense(4, 1, []float64{1, 2, 1, 2}),
		ZD:        mat.NewDense(4, 1, []float64{1, 1, 1, 1}),
		PriceColumnX1: -1,
		PriceColumnX2: -1,
	}
	agents := economy.Agents{
		MarketIDs:    []string{"m1", "m1", "m2", "m2", "m2"},
		Weights:      []float64{0.5, 0.5, 0.4, 0.3, 0.3},
		Nodes:        mat.NewDense(5, 1, []float64{-1, 1, -1, 0, 1}),
		Demographics: mat.NewDense(5, 1, []float64{10, 20, 30, 40, 50}),
	}
	e, err := economy.New(products, agents)
	require.NoError(t, err)
	return e
}

func TestNewSetValidation(t *testing.T) {
	e := microEconomy(t)

	tests := []struct {
		name   string
		moment MicroMoment
	}{
		{"bad characteristic", MicroMoment{CharacteristicColumn: 5, DemographicColumn: 0}},
		{"bad demographic", MicroMoment{CharacteristicColumn: 0, DemographicColumn: 3}},
		{"unknown market", MicroMoment{MarketIDs: []string{"m9"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSet([]MicroMoment{tt.moment}, e)
			assert.Error(t, err)
		})
	}

	t.Run("empty set is valid", func(t *testing.T) {
		s, err := NewSet(nil, e)
		require.NoError(t, err)
		assert.Equal(t, 0, s.MM)
	})
}

func TestWeightsSumToOne(t *testing.T) {
	e := microEconomy(t)
	s, err := NewSet([]MicroMoment{
		{Name: "all markets"},
		{Name: "m2 only", MarketIDs: []string{"m2"}},
	}, e)
	require.NoError(t, err)

	// moment 0: weights proportional to agent counts 2 and 3
	assert.InDelta(t, 0.4, s.Weight(0, "m1"), 1e-14)
	assert.InDelta(t, 0.6, s.Weight(0, "m2"), 1e-14)
	assert.InDelta(t, 1.0, s.Weight(0, "m1")+s.Weight(0, "m2"), 1e-14)

	// moment 1 binds only to m2
	assert.Equal(t, 0.0, s.Weight(1, "m1"))
	assert.InDelta(t, 1.0, s.Weight(1, "m2"), 1e-14)

	assert.Len(t, s.For("m1"), 1)
	assert.Len(t, s.For("m2"), 2)
}

func contribution(id string, values []float64, jac []float64, p int) Contribution {
	var j *mat.Dense
	if jac != nil {
		j = mat.NewDense(len(values), p, jac)
	}
	return Contribution{MarketID: id, Values: values, Jacobian: j}
}

func TestFinalizeAveragesWithAgentWeights(t *testing.T) {
	e := microEconomy(t)
	s, err := NewSet([]MicroMoment{{Name: "cross"}}, e)
	require.NoError(t, err)

	agg := NewAggregator(s, e, 1, false)
	agg.Add(contribution("m1", []float64{10}, []float64{1}, 1))
	agg.Add(contribution("m2", []float64{20}, []float64{3}, 1))

	out := agg.Finalize()
	assert.InDelta(t, 0.4*10+0.6*20, out.Micro[0], 1e-14)
	assert.InDelta(t, 0.4*1+0.6*3, out.Jacobian.At(0, 0), 1e-14)
}

func TestFinalizeOrderInvariant(t *testing.T) {
	e := microEconomy(t)
	s, err := NewSet([]MicroMoment{{Name: "cross"}}, e)
	require.NoError(t, err)

	forward := NewAggregator(s, e, 1, false)
	forward.Add(contribution("m1", []float64{0.123456789}, []float64{0.1}, 1))
	forward.Add(contribution("m2", []float64{-0.987654321}, []float64{-0.2}, 1))

	reverse := NewAggregator(s, e, 1, false)
	reverse.Add(contribution("m2", []float64{-0.987654321}, []float64{-0.2}, 1))
	reverse.Add(contribution("m1", []float64{0.123456789}, []float64{0.1}, 1))

	a := forward.Finalize()
	b := reverse.Finalize()
	assert.Equal(t, a.Micro, b.Micro)
	assert.Equal(t, a.Jacobian.RawMatrix().Data, b.Jacobian.RawMatrix().Data)
}

func TestCovarianceAccumulation(t *testing.T) {
	e := microEconomy(t)
	s, err := NewSet([]MicroMoment{{Name: "a"}, {Name: "b"}}, e)
	require.NoError(t, err)

	agg := NewAggregator(s, e, 0, true)
	agg.Add(Contribution{
		MarketID:    "m1",
		Values:      []float64{1, 2},
		Covariances: mat.NewDense(2, 2, []float64{1, 0.5, 0.5, 2}),
	})
	agg.Add(Contribution{
		MarketID:    "m2",
		Values:      []float64{3, 4},
		Covariances: mat.NewDense(2, 2, []float64{2, 1, 1, 4}),
	})

	out := agg.Finalize()
	require.NotNil(t, out.Covariances)
	// both moments share both markets, pair weights 0.4 and 0.6
	assert.InDelta(t, 0.4*1+0.6*2, out.Covariances.At(0, 0), 1e-14)
	assert.InDelta(t, 0.4*0.5+0.6*1, out.Covariances.At(0, 1), 1e-14)
	assert.InDelta(t, out.Covariances.At(0, 1), out.Covariances.At(1, 0), 1e-14)
}
