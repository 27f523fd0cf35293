// Package moments defines micro moment specifications and the economy-level
// aggregation of per-market moment contributions. Averaging is deferred until
// every market has reported so the aggregated values are invariant to market
// processing order under any scheduling.
package moments

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/economy"
	"blpgo/internal/numerr"
)

// MicroMoment matches a model-implied cross moment between a nonlinear
// product characteristic and an agent demographic, conditional on the
// purchase of an inside good, against an observed value.
type MicroMoment struct {
	Name string

	// MarketIDs restricts the moment to a subset of markets. Empty means all
	// markets contribute.
	MarketIDs []string

	// CharacteristicColumn indexes X2; DemographicColumn indexes the agent
	// demographics matrix.
	CharacteristicColumn int
	DemographicColumn    int

	// Value is the observed statistic the model-implied moment is matched to.
	Value float64
}

// Indexed pairs a moment with its position in the economy-wide moment vector.
type Indexed struct {
	Index  int
	Moment MicroMoment
}

// Set is a validated collection of micro moments with per-market binding and
// agent-count averaging weights.
type Set struct {
	Moments []MicroMoment
	MM      int

	byMarket map[string][]Indexed
	// weights[m][t] is market t's weight for moment m; weights for one
	// moment sum to 1 across its contributing markets.
	weights []map[string]float64
}

// NewSet validates moments against the economy and precomputes averaging
// weights proportional to each market's agent count.
func NewSet(momentList []MicroMoment, e *economy.Economy) (*Set, error) {
	s := &Set{
		Moments:  momentList,
		MM:       len(momentList),
		byMarket: make(map[string][]Indexed),
		weights:  make([]map[string]float64, len(momentList)),
	}
	if s.MM == 0 {
		return s, nil
	}
	if e.K2 == 0 {
		return nil, numerr.Configf("micro moments require nonlinear characteristics")
	}

	known := make(map[string]struct{}, len(e.MarketIDs))
	for _, id := range e.MarketIDs {
		known[id] = struct{}{}
	}

	for m, moment := range momentList {
		if moment.CharacteristicColumn < 0 || moment.CharacteristicColumn >= e.K2 {
			return nil, numerr.Configf("micro moment %d characteristic column %d is outside X2 with %d columns",
				m, moment.CharacteristicColumn, e.K2)
		}
		if moment.DemographicColumn < 0 || moment.DemographicColumn >= e.D {
			return nil, numerr.Configf("micro moment %d demographic column %d is outside demographics with %d columns",
				m, moment.DemographicColumn, e.D)
		}
		ids := moment.MarketIDs
		if len(ids) == 0 {
			ids = e.MarketIDs
		}
		total := 0.0
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				return nil, numerr.Configf("micro moment %d references unknown market %s", m, id)
			}
			total += float64(e.AgentCount(id))
		}
		if total == 0 {
			return nil, numerr.Configf("micro moment %d has no agents in its markets", m)
		}
		s.weights[m] = make(map[string]float64, len(ids))
		for _, id := range ids {
			s.weights[m][id] = float64(e.AgentCount(id)) / total
			s.byMarket[id] = append(s.byMarket[id], Indexed{Index: m, Moment: moment})
		}
	}
	return s, nil
}

// For returns the moments bound to a market, in index order.
func (s *Set) For(marketID string) []Indexed { return s.byMarket[marketID] }

// Weight returns market marketID's averaging weight for moment m, zero when
// the market does not contribute.
func (s *Set) Weight(m int, marketID string) float64 {
	if s.weights[m] == nil {
		return 0
	}
	return s.weights[m][marketID]
}

// PairWeight returns the weight of a market's covariance contribution for a
// moment pair: the market's agent share of the pair's common markets.
func (s *Set) PairWeight(m1, m2 int, marketID string, e *economy.Economy) float64 {
	w1 := s.weights[m1]
	w2 := s.weights[m2]
	if w1 == nil || w2 == nil {
		return 0
	}
	if _, ok := w1[marketID]; !ok {
		return 0
	}
	if _, ok := w2[marketID]; !ok {
		return 0
	}
	total := 0.0
	for id := range w1 {
		if _, ok := w2[id]; ok {
			total += float64(e.AgentCount(id))
		}
	}
	if total == 0 {
		return 0
	}
	return float64(e.AgentCount(marketID)) / total
}

// Contribution is one market's report to the aggregator. Values and Jacobian
// rows follow the order of Set.For for that market.
type Contribution struct {
	MarketID    string
	Values      []float64
	Jacobian    *mat.Dense // len(values) x P, nil when no Jacobian requested
	Covariances *mat.Dense // len(values) x len(values), nil unless requested
}

// Aggregates is the finalized economy-level micro moment block.
type Aggregates struct {
	Micro       []float64  // MM
	Jacobian    *mat.Dense // MM x P
	Covariances *mat.Dense // MM x MM, nil unless requested
}

// Aggregator accumulates per-market contributions and averages them after
// all markets have reported.
type Aggregator struct {
	set           *Set
	economy       *economy.Economy
	p             int
	withCov       bool
	contributions map[string]Contribution
}

// NewAggregator builds an aggregator for P theta parameters.
func NewAggregator(set *Set, e *economy.Economy, p int, withCovariances bool) *Aggregator {
	return &Aggregator{
		set:           set,
		economy:       e,
		p:             p,
		withCov:       withCovariances,
		contributions: make(map[string]Contribution),
	}
}

// Add records a market's contribution. Safe to call from the reduce side of a
// parallel dispatch as long as calls are serialized by the caller.
func (a *Aggregator) Add(c Contribution) {
	a.contributions[c.MarketID] = c
}

// Finalize averages all contributions in sorted market order. The result is
// identical for any insertion order.
func (a *Aggregator) Finalize() Aggregates {
	out := Aggregates{
		Micro:    make([]float64, a.set.MM),
		Jacobian: mat.NewDense(max(a.set.MM, 1), max(a.p, 1), nil),
	}
	if a.withCov {
		out.Covariances = mat.NewDense(max(a.set.MM, 1), max(a.set.MM, 1), nil)
	}
	if a.set.MM == 0 {
		return out
	}

	ids := make([]string, 0, len(a.contributions))
	for id := range a.contributions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := a.contributions[id]
		bound := a.set.For(id)
		for local, im := range bound {
			w := a.set.Weight(im.Index, id)
			out.Micro[im.Index] += w * c.Values[local]
			if c.Jacobian != nil {
				for p := 0; p < a.p; p++ {
					out.Jacobian.Set(im.Index, p, out.Jacobian.At(im.Index, p)+w*c.Jacobian.At(local, p))
				}
			}
		}
		if a.withCov && c.Covariances != nil {
			for l1, im1 := range bound {
				for l2, im2 := range bound {
					w := a.set.PairWeight(im1.Index, im2.Index, id, a.economy)
					out.Covariances.Set(im1.Index, im2.Index,
						out.Covariances.At(im1.Index, im2.Index)+w*c.Covariances.At(l1, l2))
				}
			}
		}
	}
	return out
}
