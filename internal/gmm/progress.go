package gmm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"blpgo/internal/numerr"
)

// Progress is the last-known-good state of the objective search. Reverting
// error behavior patches failed or non-finite pieces of an evaluation with
// the corresponding entries here.
type Progress struct {
	Theta []float64

	// Delta and TildeCosts span all products in economy row order.
	Delta      []float64
	TildeCosts []float64

	Micro []float64

	Objective float64
	Gradient  []float64

	DeltaJacobian *mat.Dense // N x P
	OmegaJacobian *mat.Dense // N x P
	MicroJacobian *mat.Dense // MM x P
}

// revertVector replaces non-finite entries of x with fallback values and
// returns a reversion error when any entry moved. A nil fallback reverts to
// zero.
func revertVector(x, fallback []float64, kind numerr.Kind, marketID string) error {
	mask := make([]bool, len(x))
	any := false
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if fallback != nil {
				x[i] = fallback[i]
			} else {
				x[i] = 0
			}
			mask[i] = true
			any = true
		}
	}
	if !any {
		return nil
	}
	return numerr.NewReversion(kind, marketID, mask)
}

// revertMatrix is revertVector over a dense matrix with a matching fallback.
func revertMatrix(x, fallback *mat.Dense, kind numerr.Kind, marketID string) error {
	r, c := x.Dims()
	count := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := x.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				repl := 0.0
				if fallback != nil {
					repl = fallback.At(i, j)
				}
				x.Set(i, j, repl)
				count++
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &numerr.Error{Kind: kind, MarketID: marketID, Count: count}
}
