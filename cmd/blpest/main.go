// Command blpest estimates a random coefficients demand model from product
// and agent tables, or from a simulated demo economy, and writes the
// parameter estimates to a CSV report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/dataset"
	"blpgo/internal/economy"
	"blpgo/internal/estimator"
	"blpgo/internal/moments"
	"blpgo/internal/params"
	"blpgo/internal/simulation"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML estimation config (defaults plus BLP_* env overrides)")
	out := flag.String("out", "blpest_results.csv", "output path for the estimates report")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	demo := flag.Bool("demo", false, "estimate a simulated economy instead of loading data")
	seed := flag.Int64("seed", 0, "demo simulation seed")

	productsPath := flag.String("products", "", "product table (.csv or .xlsx)")
	agentsPath := flag.String("agents", "", "agent table (.csv or .xlsx), optional without random coefficients")
	x1Cols := flag.String("x1", "", "comma-separated linear characteristic columns")
	x2Cols := flag.String("x2", "", "comma-separated nonlinear characteristic columns")
	x3Cols := flag.String("x3", "", "comma-separated cost characteristic columns")
	zdCols := flag.String("zd", "", "comma-separated demand instrument columns")
	zsCols := flag.String("zs", "", "comma-separated supply instrument columns")
	nodeCols := flag.String("nodes", "", "comma-separated agent node columns")
	demoCols := flag.String("demographics", "", "comma-separated agent demographic columns")

	sigmaFlag := flag.String("sigma", "", "starting sigma diagonal, one value per nonlinear characteristic")
	piFlag := flag.String("pi", "", "starting pi column for the first demographic, one value per nonlinear characteristic")
	rhoFlag := flag.Float64("rho", 0, "starting nesting parameter, requires a nesting_ids column")
	betaPrice := flag.Float64("beta-price", -1, "starting price coefficient, searched over when a supply side is present")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var (
		econ *economy.Economy
		par  *params.Parameters
		err  error
	)
	if *demo {
		econ, par, err = buildDemo(*seed)
	} else {
		econ, par, err = buildFromTables(tableOptions{
			products:     *productsPath,
			agents:       *agentsPath,
			x1:           splitCols(*x1Cols),
			x2:           splitCols(*x2Cols),
			x3:           splitCols(*x3Cols),
			zd:           splitCols(*zdCols),
			zs:           splitCols(*zsCols),
			nodes:        splitCols(*nodeCols),
			demographics: splitCols(*demoCols),
			sigma:        *sigmaFlag,
			pi:           *piFlag,
			rho:          *rhoFlag,
			betaPrice:    *betaPrice,
		})
	}
	if err != nil {
		slog.Error("Failed to build the estimation problem", "error", err)
		os.Exit(1)
	}
	slog.Info("Problem ready",
		"products", econ.N,
		"markets", econ.T,
		"linear", econ.K1,
		"nonlinear", econ.K2,
		"cost", econ.K3,
		"free_parameters", par.P())

	set, err := moments.NewSet(nil, econ)
	if err != nil {
		slog.Error("Failed to build moments", "error", err)
		os.Exit(1)
	}
	es, err := estimator.New(econ, par, set, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize the estimator", "error", err)
		os.Exit(1)
	}

	res, err := es.Solve(context.Background())
	if err != nil {
		slog.Error("Estimation failed", "error", err)
		os.Exit(1)
	}
	final := res.Final()
	slog.Info("Estimation complete",
		"run", res.ID,
		"objective", final.Objective,
		"hansen_j", final.HansenJ,
		"converged", final.Converged,
		"runtime", res.Runtime)

	if err := writeReport(*out, par, final); err != nil {
		slog.Error("Failed to write report", "path", *out, "error", err)
		os.Exit(1)
	}
	slog.Info("Report written", "path", *out)
}

// buildDemo simulates an equilibrium economy and parameterizes it with the
// generating values as starting points.
func buildDemo(seed int64) (*economy.Economy, *params.Parameters, error) {
	simCfg := simulation.Default()
	simCfg.Seed = seed
	res, err := simulation.Simulate(simCfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Simulated demo economy",
		"markets", simCfg.Markets,
		"products", res.Economy.N,
		"fixed_point_iterations", res.Stats.Iterations)

	gamma := make([]params.LinearParam, len(res.Truth.Gamma))
	par, err := params.New(params.Config{
		Sigma: res.Truth.Sigma,
		Pi:    res.Truth.Pi,
		Beta: []params.LinearParam{
			{Kind: params.InTheta, Value: res.Truth.Beta[0], Lower: math.Inf(-1), Upper: 0},
			{Kind: params.Concentrated},
			{Kind: params.Concentrated},
		},
		Gamma: gamma,
	}, params.Dims{K1: 3, K2: res.Economy.K2, K3: 3, D: 1})
	return res.Economy, par, err
}

type tableOptions struct {
	products, agents string
	x1, x2, x3       []string
	zd, zs           []string
	nodes            []string
	demographics     []string
	sigma, pi        string
	rho              float64
	betaPrice        float64
}

// buildFromTables loads the product and agent tables and assembles a
// parameterization from the command line starting values.
func buildFromTables(opts tableOptions) (*economy.Economy, *params.Parameters, error) {
	if opts.products == "" {
		return nil, nil, fmt.Errorf("either -demo or -products is required")
	}
	tab, err := dataset.ReadTable(opts.products)
	if err != nil {
		return nil, nil, err
	}
	schema := dataset.ProductSchema{
		MarketID: "market_ids",
		Shares:   "shares",
		Prices:   "prices",
		X1:       opts.x1,
		X2:       opts.x2,
		X3:       opts.x3,
		ZD:       opts.zd,
		ZS:       opts.zs,
	}
	for _, opt := range []struct {
		col string
		dst *string
	}{
		{"firm_ids", &schema.FirmID},
		{"nesting_ids", &schema.NestingID},
		{"clustering_ids", &schema.ClusteringID},
	} {
		if hasColumn(tab, opt.col) {
			*opt.dst = opt.col
		}
	}
	products, err := dataset.Products(tab, schema)
	if err != nil {
		return nil, nil, err
	}

	var agents economy.Agents
	if opts.agents != "" {
		atab, err := dataset.ReadTable(opts.agents)
		if err != nil {
			return nil, nil, err
		}
		agents, err = dataset.Agents(atab, dataset.AgentSchema{
			MarketID:     "market_ids",
			Weight:       "weights",
			Nodes:        opts.nodes,
			Demographics: opts.demographics,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	econ, err := economy.New(products, agents)
	if err != nil {
		return nil, nil, err
	}
	par, err := buildParams(econ, opts)
	if err != nil {
		return nil, nil, err
	}
	return econ, par, nil
}

func buildParams(econ *economy.Economy, opts tableOptions) (*params.Parameters, error) {
	pcfg := params.Config{
		Beta:  make([]params.LinearParam, econ.K1),
		Gamma: make([]params.LinearParam, econ.K3),
	}
	if econ.K2 > 0 {
		diag, err := parseFloats(opts.sigma, econ.K2, "-sigma")
		if err != nil {
			return nil, err
		}
		pcfg.Sigma = mat.NewDense(econ.K2, econ.K2, nil)
		for i, v := range diag {
			pcfg.Sigma.Set(i, i, v)
		}
	}
	if econ.K2 > 0 && econ.D > 0 && opts.pi != "" {
		col, err := parseFloats(opts.pi, econ.K2, "-pi")
		if err != nil {
			return nil, err
		}
		pcfg.Pi = mat.NewDense(econ.K2, econ.D, nil)
		for i, v := range col {
			pcfg.Pi.Set(i, 0, v)
		}
	}
	if econ.H > 0 {
		pcfg.Rho = []float64{opts.rho}
	}
	if econ.K3 > 0 {
		if econ.Products.PriceColumnX1 < 0 {
			return nil, fmt.Errorf("a supply side requires prices among the linear characteristics")
		}
		pcfg.Beta[econ.Products.PriceColumnX1] = params.LinearParam{
			Kind:  params.InTheta,
			Value: opts.betaPrice,
			Lower: math.Inf(-1),
			Upper: 0,
		}
	}
	return params.New(pcfg, params.Dims{
		K1: econ.K1, K2: econ.K2, K3: econ.K3, D: econ.D, H: econ.H,
	})
}

func hasColumn(t *dataset.Table, name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

func splitCols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloats(s string, n int, flagName string) ([]float64, error) {
	parts := splitCols(s)
	if len(parts) != n {
		return nil, fmt.Errorf("%s needs %d comma-separated values, got %d", flagName, n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%s value %q: %w", flagName, p, err)
		}
		out[i] = v
	}
	return out, nil
}

// writeReport emits one row per structural parameter: the searched elements
// with standard errors, then the concentrated linear coefficients.
func writeReport(path string, par *params.Parameters, st *estimator.Step) error {
	records := make([][]string, 0, len(st.Theta)+len(st.Beta)+len(st.Gamma))
	for q, f := range par.FreeEntries() {
		se := ""
		if q < len(st.StandardErrors) {
			se = formatFloat(st.StandardErrors[q])
		}
		records = append(records, []string{entryLabel(f), formatFloat(st.Theta[q]), se})
	}
	for k, v := range st.Beta {
		se := ""
		if k < len(st.BetaSE) {
			se = formatFloat(st.BetaSE[k])
		}
		records = append(records, []string{fmt.Sprintf("beta[%d]", k), formatFloat(v), se})
	}
	for k, v := range st.Gamma {
		se := ""
		if k < len(st.GammaSE) {
			se = formatFloat(st.GammaSE[k])
		}
		records = append(records, []string{fmt.Sprintf("gamma[%d]", k), formatFloat(v), se})
	}
	records = append(records,
		[]string{"objective", formatFloat(st.Objective), ""},
		[]string{"hansen_j", formatFloat(st.HansenJ), ""})
	return dataset.WriteCSV(path, []string{"parameter", "estimate", "standard_error"}, records)
}

func entryLabel(f params.FreeEntry) string {
	switch f.Loc {
	case params.LocSigma:
		return fmt.Sprintf("sigma[%d,%d]", f.Row, f.Col)
	case params.LocPi:
		return fmt.Sprintf("pi[%d,%d]", f.Row, f.Col)
	case params.LocRho:
		return fmt.Sprintf("rho[%d]", f.Col)
	case params.LocBeta:
		return fmt.Sprintf("beta[%d]", f.Col)
	default:
		return fmt.Sprintf("gamma[%d]", f.Col)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
