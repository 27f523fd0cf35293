// Package iv concentrates the linear coefficients out of the GMM objective.
// Given mean utilities (and transformed costs when supply is estimated), the
// generalized IV regression recovers the concentrated elements of beta and
// gamma in closed form and returns the structural residuals entering the
// moment conditions.
package iv

import (
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

// Stacked is the block-diagonal design shared by every objective evaluation
// within one GMM step: demand and supply equations stacked vertically, each
// with its own concentrated regressors and instruments, under a common
// weighting matrix.
type Stacked struct {
	n         int // products per equation
	equations int
	kd, ks    int // concentrated columns per equation

	x *mat.Dense // (equations*n) x (kd+ks), block diagonal, nil when empty
	z *mat.Dense // (equations*n) x m, block diagonal

	// f maps Z'y to coefficient estimates: (X'ZWZ'X)^{-1} X'ZW.
	f *mat.Dense
}

// Config selects the design columns for one equation.
type Config struct {
	// Design is the full characteristic matrix, N x K.
	Design *mat.Dense
	// Concentrated flags the columns recovered here; the rest belong to
	// theta or are fixed and must be subtracted from the dependent variable
	// by the caller. Nil keeps every column.
	Concentrated []bool
	// Instruments is the N x M instrument matrix for the equation.
	Instruments *mat.Dense
}

func (c Config) columns() []int {
	_, cols := c.Design.Dims()
	var idx []int
	for j := 0; j < cols; j++ {
		if c.Concentrated == nil || c.Concentrated[j] {
			idx = append(idx, j)
		}
	}
	return idx
}

// New builds the stacked design. Supply is nil for demand-only problems. The
// weighting matrix w spans the stacked instrument columns.
func New(demand Config, supply *Config, w *mat.Dense) (*Stacked, error) {
	n, _ := demand.Design.Dims()
	s := &Stacked{n: n, equations: 1}
	if supply != nil {
		s.equations = 2
	}

	colsD := demand.columns()
	s.kd = len(colsD)
	_, md := demand.Instruments.Dims()
	k, m := s.kd, md
	var colsS []int
	ms := 0
	if supply != nil {
		colsS = supply.columns()
		s.ks = len(colsS)
		_, ms = supply.Instruments.Dims()
		k += s.ks
		m += ms
	}
	if wr, wc := w.Dims(); wr != m || wc != m {
		return nil, numerr.Configf("weighting matrix is %d x %d, expected %d x %d", wr, wc, m, m)
	}

	rows := s.equations * n
	s.z = mat.NewDense(rows, m, nil)
	fillBlock(s.z, demand.Instruments, nil, 0, 0)
	if supply != nil {
		fillBlock(s.z, supply.Instruments, nil, n, md)
	}
	if k == 0 {
		return s, nil
	}
	s.x = mat.NewDense(rows, k, nil)
	fillBlock(s.x, demand.Design, colsD, 0, 0)
	if supply != nil {
		fillBlock(s.x, supply.Design, colsS, n, s.kd)
	}

	// f = (X'ZWZ'X)^{-1} X'ZW, with the inverse through a Cholesky
	// factorization so rank deficiency surfaces as a definiteness failure.
	var xz mat.Dense // k x m
	xz.Mul(s.x.T(), s.z)
	var xzw mat.Dense // k x m
	xzw.Mul(&xz, w)
	var g mat.Dense // k x k
	g.Mul(&xzw, xz.T())

	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, (g.At(i, j)+g.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, numerr.New(numerr.SingularMatrix,
			"instruments do not identify the concentrated linear coefficients")
	}
	s.f = mat.NewDense(k, m, nil)
	if err := chol.SolveTo(s.f, &xzw); err != nil {
		return nil, numerr.New(numerr.SingularMatrix,
			"instruments do not identify the concentrated linear coefficients")
	}
	return s, nil
}

// Estimate runs the IV regression for stacked dependent vectors. It returns
// the concentrated coefficients per equation and the structural residuals;
// omega is nil without a supply equation.
func (s *Stacked) Estimate(yd, ys []float64) (betaC, gammaC, xi, omega []float64) {
	y := s.stack(yd, ys)
	k := s.kd + s.ks
	coef := make([]float64, k)
	fitted := mat.NewVecDense(s.equations*s.n, nil)
	if k > 0 {
		var zty mat.VecDense
		zty.MulVec(s.z.T(), y)
		var c mat.VecDense
		c.MulVec(s.f, &zty)
		for i := range coef {
			coef[i] = c.AtVec(i)
		}
		fitted.MulVec(s.x, &c)
	}

	xi = make([]float64, s.n)
	for i := range xi {
		xi[i] = yd[i] - fitted.AtVec(i)
	}
	if s.equations == 2 {
		omega = make([]float64, s.n)
		for i := range omega {
			omega[i] = ys[i] - fitted.AtVec(s.n+i)
		}
	}
	return coef[:s.kd], coef[s.kd:], xi, omega
}

// PropagateResidualJacobian maps derivatives of the stacked dependent
// variables into derivatives of the residuals, accounting for the induced
// movement of the concentrated coefficients: d r = (I - X F Z') d y.
func (s *Stacked) PropagateResidualJacobian(dyd, dys *mat.Dense) (dxi, domega *mat.Dense) {
	_, p := dyd.Dims()
	dy := mat.NewDense(s.equations*s.n, p, nil)
	fillBlock(dy, dyd, nil, 0, 0)
	if s.equations == 2 {
		fillBlock(dy, dys, nil, s.n, 0)
	}

	dr := mat.DenseCopyOf(dy)
	if s.kd+s.ks > 0 {
		var ztdy mat.Dense
		ztdy.Mul(s.z.T(), dy)
		var dcoef mat.Dense
		dcoef.Mul(s.f, &ztdy)
		var xd mat.Dense
		xd.Mul(s.x, &dcoef)
		dr.Sub(dy, &xd)
	}

	dxi = mat.NewDense(s.n, p, nil)
	dxi.Copy(dr.Slice(0, s.n, 0, p))
	if s.equations == 2 {
		domega = mat.NewDense(s.n, p, nil)
		domega.Copy(dr.Slice(s.n, 2*s.n, 0, p))
	}
	return dxi, domega
}

// Instruments exposes the stacked instrument matrix for moment assembly.
func (s *Stacked) Instruments() *mat.Dense { return s.z }

// Rows returns the stacked row count (equations times products).
func (s *Stacked) Rows() int { return s.equations * s.n }

func (s *Stacked) stack(yd, ys []float64) *mat.VecDense {
	y := mat.NewVecDense(s.equations*s.n, nil)
	for i, v := range yd {
		y.SetVec(i, v)
	}
	if s.equations == 2 {
		for i, v := range ys {
			y.SetVec(s.n+i, v)
		}
	}
	return y
}

// fillBlock copies selected source columns into dst at an offset. A nil
// column list copies every column.
func fillBlock(dst, src *mat.Dense, cols []int, rowOff, colOff int) {
	r, c := src.Dims()
	if cols == nil {
		cols = make([]int, c)
		for j := range cols {
			cols[j] = j
		}
	}
	for i := 0; i < r; i++ {
		for j, sc := range cols {
			dst.Set(rowOff+i, colOff+j, src.At(i, sc))
		}
	}
}
