package economy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

// Products holds the economy-wide product data in original row order. X2, X3,
// and ZS may be nil when the corresponding side of the model is absent.
type Products struct {
	MarketIDs     []string
	FirmIDs       []string
	NestingIDs    []string
	ClusteringIDs []string
	Shares        []float64
	Prices        []float64
	X1            *mat.Dense
	X2            *mat.Dense
	X3            *mat.Dense
	ZD            *mat.Dense
	ZS            *mat.Dense

	// Ownership maps market ids to custom J x J ownership matrices. Markets
	// without an entry get the standard same-firm indicator matrix.
	Ownership map[string]*mat.Dense

	// PriceColumnX1 and PriceColumnX2 locate the prices characteristic in the
	// design matrices, -1 when absent. The supply side requires prices in X1
	// or X2 to form utility derivatives with respect to prices.
	PriceColumnX1 int
	PriceColumnX2 int
}

// Agents holds integration weights, taste nodes, and demographics. Nil when
// there are no nonlinear characteristics.
type Agents struct {
	MarketIDs    []string
	Weights      []float64
	Nodes        *mat.Dense
	Demographics *mat.Dense
}

// Slice is the per-market view referenced by market solvers. All fields are
// read-only after construction.
type Slice struct {
	ID        string
	Rows      []int // positions in the economy-wide row order
	J         int   // products in this market
	I         int   // agents in this market
	Shares    []float64
	Prices    []float64
	X1        *mat.Dense
	X2        *mat.Dense
	X3        *mat.Dense
	FirmIDs   []string
	Groups    []int // nesting group index per product, nil without nesting
	Ownership *mat.Dense

	Weights      []float64
	Nodes        *mat.Dense
	Demographics *mat.Dense
}

// Economy is the validated, partitioned estimation dataset.
type Economy struct {
	Products Products
	Agents   Agents

	// Dimensions.
	N  int // products across all markets
	T  int // markets
	K1 int // linear characteristics
	K2 int // nonlinear characteristics
	K3 int // cost characteristics
	D  int // demographics
	MD int // demand instruments
	MS int // supply instruments
	H  int // nesting groups

	MarketIDs  []string // unique, sorted
	NestingIDs []string // unique, sorted

	slices map[string]*Slice
}

// New validates product and agent data and builds the market partition.
func New(products Products, agents Agents) (*Economy, error) {
	e := &Economy{Products: products, Agents: agents}

	e.N = len(products.MarketIDs)
	if e.N == 0 {
		return nil, numerr.Configf("product data is empty")
	}
	if len(products.Shares) != e.N || len(products.Prices) != e.N {
		return nil, numerr.Configf("shares and prices must each have %d rows", e.N)
	}
	if products.X1 == nil {
		return nil, numerr.Configf("X1 is required")
	}
	x1Rows, k1 := products.X1.Dims()
	if x1Rows != e.N {
		return nil, numerr.Configf("X1 has %d rows, expected %d", x1Rows, e.N)
	}
	e.K1 = k1
	if products.ZD == nil {
		return nil, numerr.Configf("demand instruments ZD are required")
	}
	zdRows, md := products.ZD.Dims()
	if zdRows != e.N {
		return nil, numerr.Configf("ZD has %d rows, expected %d", zdRows, e.N)
	}
	e.MD = md
	if products.X2 != nil {
		r, c := products.X2.Dims()
		if r != e.N {
			return nil, numerr.Configf("X2 has %d rows, expected %d", r, e.N)
		}
		e.K2 = c
	}
	if products.X3 != nil {
		r, c := products.X3.Dims()
		if r != e.N {
			return nil, numerr.Configf("X3 has %d rows, expected %d", r, e.N)
		}
		e.K3 = c
		if products.ZS == nil {
			return nil, numerr.Configf("supply instruments ZS are required with cost characteristics")
		}
		zsRows, ms := products.ZS.Dims()
		if zsRows != e.N {
			return nil, numerr.Configf("ZS has %d rows, expected %d", zsRows, e.N)
		}
		e.MS = ms
		if len(products.FirmIDs) != e.N {
			return nil, numerr.Configf("firm ids are required with cost characteristics")
		}
		if products.PriceColumnX1 < 0 && products.PriceColumnX2 < 0 {
			return nil, numerr.Configf("the supply side requires a prices column in X1 or X2")
		}
	}

	// agent data is required exactly when there are nonlinear characteristics
	if e.K2 > 0 {
		if len(agents.MarketIDs) == 0 || agents.Nodes == nil {
			return nil, numerr.Configf("agent data with nodes is required with nonlinear characteristics")
		}
		if len(agents.Weights) != len(agents.MarketIDs) {
			return nil, numerr.Configf("agent weights must match agent market ids")
		}
		if r, c := agents.Nodes.Dims(); r != len(agents.MarketIDs) || c < e.K2 {
			return nil, numerr.Configf("agent nodes must be %d x %d or wider", len(agents.MarketIDs), e.K2)
		}
		if agents.Demographics != nil {
			r, c := agents.Demographics.Dims()
			if r != len(agents.MarketIDs) {
				return nil, numerr.Configf("agent demographics have %d rows, expected %d", r, len(agents.MarketIDs))
			}
			e.D = c
		}
	}

	if err := e.validateShares(); err != nil {
		return nil, err
	}
	if err := e.partition(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Economy) validateShares() error {
	totals := make(map[string]float64)
	for i, s := range e.Products.Shares {
		if !(s > 0 && s < 1) {
			return numerr.Configf("share %g in row %d is outside (0, 1)", s, i)
		}
		totals[e.Products.MarketIDs[i]] += s
	}
	for id, total := range totals {
		if total >= 1 {
			return numerr.Configf("shares in market %s sum to %g, expected less than 1", id, total)
		}
	}
	return nil
}

func (e *Economy) partition() error {
	productRows := make(map[string][]int)
	for i, id := range e.Products.MarketIDs {
		productRows[id] = append(productRows[id], i)
	}
	agentRows := make(map[string][]int)
	for i, id := range e.Agents.MarketIDs {
		agentRows[id] = append(agentRows[id], i)
	}

	e.MarketIDs = make([]string, 0, len(productRows))
	for id := range productRows {
		e.MarketIDs = append(e.MarketIDs, id)
	}
	sort.Strings(e.MarketIDs)
	e.T = len(e.MarketIDs)

	if len(e.Products.NestingIDs) > 0 {
		if len(e.Products.NestingIDs) != e.N {
			return numerr.Configf("nesting ids must have %d rows", e.N)
		}
		unique := make(map[string]struct{})
		for _, id := range e.Products.NestingIDs {
			unique[id] = struct{}{}
		}
		e.NestingIDs = make([]string, 0, len(unique))
		for id := range unique {
			e.NestingIDs = append(e.NestingIDs, id)
		}
		sort.Strings(e.NestingIDs)
		e.H = len(e.NestingIDs)
	}
	groupIndex := make(map[string]int, e.H)
	for h, id := range e.NestingIDs {
		groupIndex[id] = h
	}

	e.slices = make(map[string]*Slice, e.T)
	for _, id := range e.MarketIDs {
		rows := productRows[id]
		s := &Slice{ID: id, Rows: rows, J: len(rows)}
		s.Shares = gather(e.Products.Shares, rows)
		s.Prices = gather(e.Products.Prices, rows)
		s.X1 = gatherRows(e.Products.X1, rows)
		if e.K2 > 0 {
			s.X2 = gatherRows(e.Products.X2, rows)
		}
		if e.K3 > 0 {
			s.X3 = gatherRows(e.Products.X3, rows)
			s.FirmIDs = make([]string, len(rows))
			for j, r := range rows {
				s.FirmIDs[j] = e.Products.FirmIDs[r]
			}
			s.Ownership = e.ownershipFor(id, s.FirmIDs)
		}
		if e.H > 0 {
			s.Groups = make([]int, len(rows))
			for j, r := range rows {
				s.Groups[j] = groupIndex[e.Products.NestingIDs[r]]
			}
		}
		if e.K2 > 0 {
			arows, ok := agentRows[id]
			if !ok {
				return numerr.Configf("market %s has no agents", id)
			}
			s.I = len(arows)
			s.Weights = gather(e.Agents.Weights, arows)
			s.Nodes = gatherRowsWidth(e.Agents.Nodes, arows, e.K2)
			if e.D > 0 {
				s.Demographics = gatherRows(e.Agents.Demographics, arows)
			}
		}
		e.slices[id] = s
	}
	return nil
}

func (e *Economy) ownershipFor(id string, firmIDs []string) *mat.Dense {
	if o, ok := e.Products.Ownership[id]; ok {
		return o
	}
	j := len(firmIDs)
	o := mat.NewDense(j, j, nil)
	for a := 0; a < j; a++ {
		for b := 0; b < j; b++ {
			if firmIDs[a] == firmIDs[b] {
				o.Set(a, b, 1)
			}
		}
	}
	return o
}

// Market returns the slice for a market id, or nil if unknown.
func (e *Economy) Market(id string) *Slice { return e.slices[id] }

// AgentCount returns the number of agents in a market, used as the weight
// base for cross-market micro moment averaging.
func (e *Economy) AgentCount(id string) int {
	if s := e.slices[id]; s != nil {
		return s.I
	}
	return 0
}

// LogitDelta computes the closed-form mean utility of the plain logit model,
// or of the nested logit model when rho is supplied with nesting groups.
func (e *Economy) LogitDelta(rho []float64) []float64 {
	delta := make([]float64, e.N)
	for _, id := range e.MarketIDs {
		s := e.slices[id]
		inside := 0.0
		for _, share := range s.Shares {
			inside += share
		}
		logOutside := math.Log(1 - inside)
		groupShares := make([]float64, e.H)
		if e.H > 0 {
			for j, share := range s.Shares {
				groupShares[s.Groups[j]] += share
			}
		}
		for j, share := range s.Shares {
			d := math.Log(share) - logOutside
			if e.H > 0 {
				r := rhoFor(rho, s.Groups[j])
				d -= r * (math.Log(share) - math.Log(groupShares[s.Groups[j]]))
			}
			delta[s.Rows[j]] = d
		}
	}
	return delta
}

// rhoFor resolves a scalar-or-vector rho against a group index.
func rhoFor(rho []float64, group int) float64 {
	if len(rho) == 0 {
		return 0
	}
	if len(rho) == 1 {
		return rho[0]
	}
	return rho[group]
}

// DetectPSD verifies that a symmetric matrix is positive semi-definite up to
// a small eigenvalue tolerance. Failure is fatal: no reversion value is
// meaningful for an indefinite weighting or covariance matrix.
func DetectPSD(m *mat.Dense, name string) error {
	r, c := m.Dims()
	if r != c {
		return numerr.Configf("matrix %s is %d x %d, expected square", name, r, c)
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return &numerr.NotPSDError{Name: name}
	}
	values := eig.Values(nil)
	scale := math.Abs(values[len(values)-1])
	tol := 1e-10 * math.Max(scale, 1)
	if values[0] < -tol {
		return &numerr.NotPSDError{Name: name}
	}
	return nil
}

func gather(src []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = src[r]
	}
	return out
}

func gatherRows(src *mat.Dense, rows []int) *mat.Dense {
	_, c := src.Dims()
	return gatherRowsWidth(src, rows, c)
}

func gatherRowsWidth(src *mat.Dense, rows []int, width int) *mat.Dense {
	out := mat.NewDense(len(rows), width, nil)
	for i, r := range rows {
		for j := 0; j < width; j++ {
			out.Set(i, j, src.At(r, j))
		}
	}
	return out
}
