// Package stats implements the statistical primitives for experiment
// analysis: a two-proportion z-test with a standard-normal CDF approximation
// and the z-score lookup for common confidence levels.
//
// The CDF uses the Abramowitz and Stegun formula 7.1.26 erf approximation,
// which is accurate to about 1.5e-7, more than enough for deciding whether
// an observed conversion-rate difference clears a 95% threshold. The
// primitives are pluggable: any implementation that satisfies the same
// contracts within tolerance can be substituted.
package stats
