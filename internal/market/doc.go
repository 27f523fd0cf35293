// Package market solves one market at a time: the mean-utility fixed point,
// the marginal-cost markup inversion, and the analytic Jacobians of both with
// respect to the structural parameters.
//
// Solving is a pure function over a read-only market slice and an expanded
// parameter set; there is no per-market mutable state, which makes market
// computations safe to fan out across workers and reduce by market id.
//
// Demand-side layout per market: J products, I integration agents. Mean
// utility delta enters agent utilities V = delta + mu where mu collects the
// nonlinear taste contributions. The fixed point matches integrated choice
// probabilities to observed shares; the Jacobian of delta with respect to
// theta follows from the implicit function theorem at the converged point.
package market
