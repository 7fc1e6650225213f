// Package logstore implements the durable, strictly-ordered append log
// that feeds the compaction pipeline.
//
// Each log serializes offset assignment through a single critical
// section while physical persistence pipelines behind it: appenders
// enqueue encoded frames and a background syncer hands batches to the
// durable sink, acknowledging whole groups at once. Append returns only
// after the sink has acknowledged the record's offset; an acknowledged
// write is never silently lost.
//
// Backpressure is the primary flow-control signal of the system. When
// the unacknowledged backlog exceeds the configured bound, Append fails
// with ErrCapacityExceeded instead of buffering without limit.
package logstore
