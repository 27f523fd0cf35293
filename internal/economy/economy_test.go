package economy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

// twoMarketProducts builds a minimal logit dataset: two markets of three and
// two products, X1 = [1, price], ZD = [1, instrument].
func twoMarketProducts() Products {
	return Products{
		MarketIDs: []string{"m1", "m1", "m1", "m2", "m2"},
		Shares:    []float64{0.2, 0.15, 0.1, 0.3, 0.25},
		Prices:    []float64{5, 6, 7, 4, 5},
		X1: mat.NewDense(5, 2, []float64{
			1, 5,
			1, 6,
			1, 7,
			1, 4,
			1, 5,
		}),
		ZD: mat.NewDense(5, 2, []float64{
			1, 1.2,
			1, 0.7,
			1, 1.9,
			1, 0.4,
			1, 1.1,
		}),
		PriceColumnX1: 1,
		PriceColumnX2: -1,
	}
}

func TestNewPartitionsMarkets(t *testing.T) {
	e, err := New(twoMarketProducts(), Agents{})
	require.NoError(t, err)

	assert.Equal(t, 5, e.N)
	assert.Equal(t, 2, e.T)
	assert.Equal(t, 2, e.K1)
	assert.Equal(t, 0, e.K2)
	assert.Equal(t, 2, e.MD)
	assert.Equal(t, []string{"m1", "m2"}, e.MarketIDs)

	m1 := e.Market("m1")
	require.NotNil(t, m1)
	assert.Equal(t, 3, m1.J)
	assert.Equal(t, []int{0, 1, 2}, m1.Rows)
	assert.Equal(t, []float64{0.2, 0.15, 0.1}, m1.Shares)

	m2 := e.Market("m2")
	require.NotNil(t, m2)
	assert.Equal(t, 2, m2.J)
	assert.Equal(t, []int{3, 4}, m2.Rows)

	assert.Nil(t, e.Market("m3"))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Products, *Agents)
	}{
		{"empty products", func(p *Products, a *Agents) { p.MarketIDs = nil }},
		{"short shares", func(p *Products, a *Agents) { p.Shares = p.Shares[:2] }},
		{"missing X1", func(p *Products, a *Agents) { p.X1 = nil }},
		{"missing ZD", func(p *Products, a *Agents) { p.ZD = nil }},
		{"share at one", func(p *Products, a *Agents) { p.Shares[0] = 1 }},
		{"negative share", func(p *Products, a *Agents) { p.Shares[0] = -0.1 }},
		{"shares exceed one", func(p *Products, a *Agents) {
			p.Shares = []float64{0.5, 0.4, 0.2, 0.3, 0.25}
		}},
		{"X3 without firms", func(p *Products, a *Agents) {
			p.X3 = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
			p.ZS = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
		}},
		{"X2 without agents", func(p *Products, a *Agents) {
			p.X2 = mat.NewDense(5, 1, []float64{5, 6, 7, 4, 5})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			products := twoMarketProducts()
			agents := Agents{}
			tt.mutate(&products, &agents)
			_, err := New(products, agents)
			require.Error(t, err)
			var cfgErr *numerr.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestAgentsPartition(t *testing.T) {
	products := twoMarketProducts()
	products.X2 = mat.NewDense(5, 1, []float64{5, 6, 7, 4, 5})
	agents := Agents{
		MarketIDs:    []string{"m1", "m1", "m2", "m2"},
		Weights:      []float64{0.5, 0.5, 0.5, 0.5},
		Nodes:        mat.NewDense(4, 1, []float64{-1, 1, -1, 1}),
		Demographics: mat.NewDense(4, 2, []float64{1, 0, 0, 1, 1, 1, 0, 0}),
	}

	e, err := New(products, agents)
	require.NoError(t, err)
	assert.Equal(t, 1, e.K2)
	assert.Equal(t, 2, e.D)

	m1 := e.Market("m1")
	assert.Equal(t, 2, m1.I)
	assert.Equal(t, []float64{0.5, 0.5}, m1.Weights)
	assert.Equal(t, -1.0, m1.Nodes.At(0, 0))
	assert.Equal(t, 2, e.AgentCount("m1"))
	assert.Equal(t, 0, e.AgentCount("missing"))
}

func TestDefaultOwnership(t *testing.T) {
	products := twoMarketProducts()
	products.X3 = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
	products.ZS = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
	products.FirmIDs = []string{"f1", "f1", "f2", "f1", "f2"}

	e, err := New(products, Agents{})
	require.NoError(t, err)

	o := e.Market("m1").Ownership
	require.NotNil(t, o)
	assert.Equal(t, 1.0, o.At(0, 1))
	assert.Equal(t, 0.0, o.At(0, 2))
	assert.Equal(t, 1.0, o.At(2, 2))
}

func TestCustomOwnershipPreferred(t *testing.T) {
	products := twoMarketProducts()
	products.X3 = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
	products.ZS = mat.NewDense(5, 1, []float64{1, 1, 1, 1, 1})
	products.FirmIDs = []string{"f1", "f1", "f2", "f1", "f2"}
	custom := mat.NewDense(3, 3, []float64{
		1, 0.5, 0,
		0.5, 1, 0,
		0, 0, 1,
	})
	products.Ownership = map[string]*mat.Dense{"m1": custom}

	e, err := New(products, Agents{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, e.Market("m1").Ownership.At(0, 1))
	// m2 still gets the default indicator matrix
	assert.Equal(t, 0.0, e.Market("m2").Ownership.At(0, 1))
}

func TestLogitDelta(t *testing.T) {
	e, err := New(twoMarketProducts(), Agents{})
	require.NoError(t, err)

	delta := e.LogitDelta(nil)
	require.Len(t, delta, 5)

	// market m1: outside share 0.55
	assert.InDelta(t, math.Log(0.2)-math.Log(0.55), delta[0], 1e-14)
	assert.InDelta(t, math.Log(0.1)-math.Log(0.55), delta[2], 1e-14)
	// market m2: outside share 0.45
	assert.InDelta(t, math.Log(0.3)-math.Log(0.45), delta[3], 1e-14)
}

func TestNestedLogitDelta(t *testing.T) {
	products := twoMarketProducts()
	products.NestingIDs = []string{"g1", "g1", "g2", "g1", "g1"}

	e, err := New(products, Agents{})
	require.NoError(t, err)
	assert.Equal(t, 2, e.H)
	assert.Equal(t, []string{"g1", "g2"}, e.NestingIDs)

	rho := 0.4
	delta := e.LogitDelta([]float64{rho})

	// product 0 is in g1 with group share 0.35 in market m1
	want := math.Log(0.2) - math.Log(0.55) - rho*(math.Log(0.2)-math.Log(0.35))
	assert.InDelta(t, want, delta[0], 1e-14)

	// product 2 is alone in g2, so the within-group term vanishes
	want2 := math.Log(0.1) - math.Log(0.55)
	assert.InDelta(t, want2, delta[2], 1e-14)
}

func TestDetectPSD(t *testing.T) {
	psd := mat.NewDense(2, 2, []float64{2, 1, 1, 2})
	assert.NoError(t, DetectPSD(psd, "W"))

	indefinite := mat.NewDense(2, 2, []float64{1, 2, 2, 1})
	err := DetectPSD(indefinite, "W")
	require.Error(t, err)
	var psdErr *numerr.NotPSDError
	assert.ErrorAs(t, err, &psdErr)

	notSquare := mat.NewDense(2, 3, nil)
	assert.Error(t, DetectPSD(notSquare, "W"))
}
