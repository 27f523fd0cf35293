package gmm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/config"
	"blpgo/internal/economy"
	"blpgo/internal/numerr"
)

// initialWeighting builds the 2SLS-style starting weighting matrix: inverse
// scaled instrument cross products per equation and an identity block for the
// micro moments.
func (en *Engine) initialWeighting() (*mat.Dense, error) {
	m := en.Moments()
	n := float64(en.econ.N)
	w := mat.NewDense(m, m, nil)

	zd := en.econ.Products.ZD
	var zz mat.Dense
	zz.Mul(zd.T(), zd)
	zz.Scale(1/n, &zz)
	inv, err := invertPSD(&zz)
	if err != nil {
		return nil, numerr.New(numerr.SingularMatrix, "demand instruments are collinear")
	}
	setBlock(w, inv, 0, 0)

	if en.supply {
		zs := en.econ.Products.ZS
		var zzs mat.Dense
		zzs.Mul(zs.T(), zs)
		zzs.Scale(1/n, &zzs)
		invs, err := invertPSD(&zzs)
		if err != nil {
			return nil, numerr.New(numerr.SingularMatrix, "supply instruments are collinear")
		}
		setBlock(w, invs, en.md, en.md)
	}
	for c := 0; c < en.mm; c++ {
		w.Set(en.md+en.ms+c, en.md+en.ms+c, 1)
	}
	return w, nil
}

// ComputeS estimates the moment covariance matrix from an evaluation. The
// micro block comes from the aggregated agent-level covariances; cross terms
// between instrument and micro moments are zero because the two samples are
// independent.
func (en *Engine) ComputeS(ev *Evaluation, ctype config.CovarianceType) (*mat.Dense, error) {
	m := en.Moments()
	s := mat.NewDense(m, m, nil)

	switch ctype {
	case config.Unadjusted:
		en.unadjustedBlock(ev, s)
	case config.Clustered:
		if err := en.clusteredBlock(ev, s); err != nil {
			return nil, err
		}
	default:
		en.robustBlock(ev, s)
	}

	if en.mm > 0 {
		if ev.MicroCovariances == nil {
			return nil, numerr.Configf("micro moment covariances were not computed for this evaluation")
		}
		for a := 0; a < en.mm; a++ {
			for b := 0; b < en.mm; b++ {
				s.Set(en.md+en.ms+a, en.md+en.ms+b, ev.MicroCovariances.At(a, b))
			}
		}
	}

	if err := economy.DetectPSD(s, "moment covariance"); err != nil {
		return nil, err
	}
	return s, nil
}

// momentRow fills g with product i's stacked moment contribution.
func (en *Engine) momentRow(ev *Evaluation, i int, g []float64) {
	for c := 0; c < en.md; c++ {
		g[c] = en.econ.Products.ZD.At(i, c) * ev.Xi[i]
	}
	for c := 0; c < en.ms; c++ {
		g[en.md+c] = en.econ.Products.ZS.At(i, c) * ev.Omega[i]
	}
}

func (en *Engine) robustBlock(ev *Evaluation, s *mat.Dense) {
	mz := en.md + en.ms
	n := en.econ.N
	g := make([]float64, mz)
	for i := 0; i < n; i++ {
		en.momentRow(ev, i, g)
		if en.cfg.CenterMoments {
			for c := 0; c < mz; c++ {
				g[c] -= ev.MomentMeans[c]
			}
		}
		for a := 0; a < mz; a++ {
			for b := 0; b < mz; b++ {
				s.Set(a, b, s.At(a, b)+g[a]*g[b])
			}
		}
	}
	scaleBlock(s, mz, 1/float64(n))
}

func (en *Engine) clusteredBlock(ev *Evaluation, s *mat.Dense) error {
	ids := en.econ.Products.ClusteringIDs
	if len(ids) == 0 {
		return numerr.Configf("clustered covariances require clustering ids")
	}
	mz := en.md + en.ms
	n := en.econ.N
	sums := make(map[string][]float64)
	g := make([]float64, mz)
	for i := 0; i < n; i++ {
		en.momentRow(ev, i, g)
		if en.cfg.CenterMoments {
			for c := 0; c < mz; c++ {
				g[c] -= ev.MomentMeans[c]
			}
		}
		acc, ok := sums[ids[i]]
		if !ok {
			acc = make([]float64, mz)
			sums[ids[i]] = acc
		}
		for c := 0; c < mz; c++ {
			acc[c] += g[c]
		}
	}
	for _, acc := range sums {
		for a := 0; a < mz; a++ {
			for b := 0; b < mz; b++ {
				s.Set(a, b, s.At(a, b)+acc[a]*acc[b])
			}
		}
	}
	scaleBlock(s, mz, 1/float64(n))
	return nil
}

// unadjustedBlock assumes homoskedastic residuals: each instrument block is
// the residual (co)variance times the scaled instrument cross product.
func (en *Engine) unadjustedBlock(ev *Evaluation, s *mat.Dense) {
	n := en.econ.N
	nf := float64(n)
	varXi := dot(ev.Xi, ev.Xi) / nf

	zd := en.econ.Products.ZD
	var zz mat.Dense
	zz.Mul(zd.T(), zd)
	for a := 0; a < en.md; a++ {
		for b := 0; b < en.md; b++ {
			s.Set(a, b, varXi*zz.At(a, b)/nf)
		}
	}
	if !en.supply {
		return
	}
	zs := en.econ.Products.ZS
	varOmega := dot(ev.Omega, ev.Omega) / nf
	cov := dot(ev.Xi, ev.Omega) / nf
	var zzs, zds mat.Dense
	zzs.Mul(zs.T(), zs)
	zds.Mul(zd.T(), zs)
	for a := 0; a < en.ms; a++ {
		for b := 0; b < en.ms; b++ {
			s.Set(en.md+a, en.md+b, varOmega*zzs.At(a, b)/nf)
		}
	}
	for a := 0; a < en.md; a++ {
		for b := 0; b < en.ms; b++ {
			v := cov * zds.At(a, b) / nf
			s.Set(a, en.md+b, v)
			s.Set(en.md+b, a, v)
		}
	}
}

// UpdateW re-estimates the moment covariance at an evaluation and installs
// its inverse as the next weighting matrix.
func (en *Engine) UpdateW(ev *Evaluation) error {
	s, err := en.ComputeS(ev, en.cfg.WType)
	if err != nil {
		return err
	}
	w, err := invertPSD(s)
	if err != nil {
		return numerr.New(numerr.SingularMatrix, "moment covariance is not invertible")
	}
	return en.SetW(w)
}

// fullMomentJacobian extends the theta moment Jacobian with columns for the
// concentrated-out linear coefficients: the demand moments move by -Z_D'x1/N
// in beta and the supply moments by -Z_S'x3/N in gamma, while the micro
// moments depend on neither.
func (en *Engine) fullMomentJacobian(ev *Evaluation) *mat.Dense {
	cb := en.par.ConcentratedBeta()
	var cg []bool
	if en.supply {
		cg = en.par.ConcentratedGamma()
	}
	cols := en.np
	for _, c := range cb {
		if c {
			cols++
		}
	}
	for _, c := range cg {
		if c {
			cols++
		}
	}

	n := en.econ.N
	nf := float64(n)
	g := mat.NewDense(en.Moments(), cols, nil)
	if ev.MomentJacobian != nil {
		for r := 0; r < en.Moments(); r++ {
			for q := 0; q < en.np; q++ {
				g.Set(r, q, ev.MomentJacobian.At(r, q))
			}
		}
	}

	col := en.np
	for k, c := range cb {
		if !c {
			continue
		}
		for r := 0; r < en.md; r++ {
			s := 0.0
			for i := 0; i < n; i++ {
				s += en.econ.Products.ZD.At(i, r) * en.econ.Products.X1.At(i, k)
			}
			g.Set(r, col, -s/nf)
		}
		col++
	}
	for k, c := range cg {
		if !c {
			continue
		}
		for r := 0; r < en.ms; r++ {
			s := 0.0
			for i := 0; i < n; i++ {
				s += en.econ.Products.ZS.At(i, r) * en.econ.Products.X3.At(i, k)
			}
			g.Set(en.md+r, col, -s/nf)
		}
		col++
	}
	return g
}

// ParameterCovariance forms the sandwich covariance over the full parameter
// stack, theta followed by the concentrated beta and gamma entries, and the
// resulting standard errors, sqrt(diag / N).
func (en *Engine) ParameterCovariance(ev *Evaluation, seType config.CovarianceType) (*mat.Dense, []float64, error) {
	if en.np > 0 && ev.MomentJacobian == nil {
		return nil, nil, numerr.Configf("standard errors require an evaluation with a moment Jacobian")
	}
	s, err := en.ComputeS(ev, seType)
	if err != nil {
		return nil, nil, err
	}

	g := en.fullMomentJacobian(ev)
	var wg mat.Dense // m x p
	wg.Mul(en.w, g)
	var bread mat.Dense // p x p
	bread.Mul(g.T(), &wg)
	breadInv, err := invertPSD(&bread)
	if err != nil {
		return nil, nil, numerr.New(numerr.SingularMatrix, "moment Jacobian has deficient rank")
	}

	var sw mat.Dense
	sw.Mul(s, &wg)
	var meat mat.Dense // p x p
	meat.Mul(wg.T(), &sw)
	var half mat.Dense
	half.Mul(breadInv, &meat)
	var cov mat.Dense
	cov.Mul(&half, breadInv)

	_, p := g.Dims()
	se := make([]float64, p)
	nf := float64(en.econ.N)
	for q := 0; q < p; q++ {
		v := cov.At(q, q) / nf
		if v < 0 {
			v = 0
		}
		se[q] = math.Sqrt(v)
	}
	return &cov, se, nil
}

// HansenJ is the overidentification statistic at an evaluation, the objective
// divided by the sample size.
func (en *Engine) HansenJ(ev *Evaluation) float64 {
	return ev.Objective / float64(en.econ.N)
}

// invertPSD inverts a symmetric positive definite matrix through Cholesky,
// falling back to an eigendecomposition pseudo-inverse for semi-definite
// input.
func invertPSD(a *mat.Dense) (*mat.Dense, error) {
	n, c := a.Dims()
	if n != c {
		return nil, numerr.Configf("cannot invert a %d x %d matrix", n, c)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			out := mat.NewDense(n, n, nil)
			out.Copy(&inv)
			return out, nil
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, numerr.New(numerr.SingularMatrix, "eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	maxVal := 0.0
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	tol := 1e-12 * math.Max(maxVal, 1)
	rank := 0
	out := mat.NewDense(n, n, nil)
	for k, v := range vals {
		if v <= tol {
			continue
		}
		rank++
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				out.Set(i, j, out.At(i, j)+vecs.At(i, k)*vecs.At(j, k)/v)
			}
		}
	}
	if rank == 0 {
		return nil, numerr.New(numerr.SingularMatrix, "matrix has no positive eigenvalues")
	}
	return out, nil
}

func setBlock(dst, src *mat.Dense, rowOff, colOff int) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(rowOff+i, colOff+j, src.At(i, j))
		}
	}
}

func scaleBlock(s *mat.Dense, size int, f float64) {
	for a := 0; a < size; a++ {
		for b := 0; b < size; b++ {
			s.Set(a, b, s.At(a, b)*f)
		}
	}
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
