// Package model defines the shared data types of the strata core: log
// records, offsets, segment descriptors and search candidates.
//
// The package is intentionally dependency-light so that every other
// package can import it without cycles.
package model
