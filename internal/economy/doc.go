// Package economy structures product and agent data for estimation. It owns
// the disjoint partition of rows into markets; market solvers reference the
// per-market slices built here and never copy or mutate them.
//
// Design matrices (X1, X2, X3, ZD, ZS) arrive pre-built from the formulation
// collaborator. This package only validates them against each other, splits
// them by market id, and exposes economy-wide dimensions.
package economy
