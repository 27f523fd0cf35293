// Package config defines the estimation configuration threaded through every
// component of the solver: contraction and optimizer settings, error-handling
// policy, cost-function specification, and weighting-matrix update types.
//
// All mode flags are closed enumerations resolved once when a configuration is
// built, so hot per-market loops never compare strings. Configurations can be
// loaded from a YAML file with environment-variable overrides (prefix "BLP"),
// or constructed in code starting from Default.
package config
