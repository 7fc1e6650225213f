// Package distance provides vector distance calculations for the
// strata core. All functions assume the caller has validated vector
// dimensions.
package distance
