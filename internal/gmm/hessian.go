package gmm

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

const machineEps = 2.220446049250313e-16

// ComputeHessian takes central finite differences of the analytic gradient
// around theta and symmetrizes the result.
func (en *Engine) ComputeHessian(ctx context.Context, theta []float64, prog *Progress) (*mat.SymDense, error) {
	p := en.np
	h := math.Sqrt(machineEps) / 2
	raw := mat.NewDense(p, p, nil)
	for q := 0; q < p; q++ {
		shifted := append([]float64(nil), theta...)

		shifted[q] = theta[q] + h
		plus, err := en.Evaluate(ctx, Request{Theta: shifted, Progress: prog, Gradient: true})
		if err != nil {
			return nil, err
		}
		shifted[q] = theta[q] - h
		minus, err := en.Evaluate(ctx, Request{Theta: shifted, Progress: prog, Gradient: true})
		if err != nil {
			return nil, err
		}
		for i := 0; i < p; i++ {
			raw.Set(i, q, (plus.Gradient[i]-minus.Gradient[i])/(2*h))
		}
	}

	hess := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			hess.SetSym(i, j, (raw.At(i, j)+raw.At(j, i))/2)
		}
	}
	return hess, nil
}

// boundsTolerance classifies a theta entry as sitting on a bound.
const boundsTolerance = 1e-10

// ProjectedGradient zeroes out the gradient components that point into an
// active bound, leaving only feasible descent violations.
func ProjectedGradient(grad, theta, lower, upper []float64) []float64 {
	out := append([]float64(nil), grad...)
	for q := range out {
		if theta[q] <= lower[q]+boundsTolerance && out[q] > 0 {
			out[q] = 0
		}
		if theta[q] >= upper[q]-boundsTolerance && out[q] < 0 {
			out[q] = 0
		}
	}
	return out
}

// SupNorm is the maximum absolute entry, the convergence measure reported for
// gradients.
func SupNorm(x []float64) float64 {
	out := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > out {
			out = a
		}
	}
	return out
}

// ReducedHessian drops the rows and columns of parameters pinned at a bound.
func ReducedHessian(hess *mat.SymDense, theta, lower, upper []float64) *mat.SymDense {
	var free []int
	for q := range theta {
		if theta[q] > lower[q]+boundsTolerance && theta[q] < upper[q]-boundsTolerance {
			free = append(free, q)
		}
	}
	out := mat.NewSymDense(len(free), nil)
	for i, a := range free {
		for j, b := range free {
			if j < i {
				continue
			}
			out.SetSym(i, j, hess.At(a, b))
		}
	}
	return out
}

// CheckHessian verifies local second-order optimality: the reduced Hessian
// must have no meaningfully negative eigenvalues. The returned error is a
// diagnostic, not a fatal failure.
func CheckHessian(hess *mat.SymDense) error {
	n, _ := hess.Dims()
	if n == 0 {
		return nil
	}
	var eig mat.EigenSym
	if !eig.Factorize(hess, false) {
		return numerr.New(numerr.HessianEigenvalue, "eigendecomposition of the reduced Hessian failed")
	}
	vals := eig.Values(nil)
	minVal, maxVal := vals[0], vals[0]
	for _, v := range vals {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}
	tol := 1e-8 * math.Max(1, math.Abs(maxVal))
	if minVal < -tol {
		return numerr.New(numerr.HessianEigenvalue,
			"the reduced Hessian has a negative eigenvalue; theta may be a saddle point")
	}
	return nil
}
