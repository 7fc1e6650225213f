package strata

import (
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/compactor"
	"github.com/stratavec/strata/distance"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
)

type options struct {
	metric       distance.Metric
	blobs        blobstore.Store
	meta         metastore.Store
	arbiter      membership.Arbiter
	logConfig    logstore.Config
	sinkFactory  logstore.SinkFactory
	compactorCfg func(*compactor.Config)
	logger       *Logger
}

// Option configures Engine construction.
type Option func(*options)

// WithMetric sets the distance metric for the shard. All logs of one
// engine share a metric and dimensionality. Defaults to L2.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithBlobStore sets the durable blob backend holding segment blocks,
// indexes and manifests. Defaults to an in-memory store, which is only
// suitable for tests; production deployments pass an S3, MinIO or
// local filesystem store.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithMetaStore sets the control plane backend for watermarks and
// segment registration. Defaults to the in-memory store. Multi-node
// deployments need a shared backend such as DynamoDB so the watermark
// CAS actually arbitrates between nodes.
func WithMetaStore(s metastore.Store) Option {
	return func(o *options) {
		o.meta = s
	}
}

// WithArbiter sets the compaction lease arbiter. Defaults to an in
// process arbiter.
func WithArbiter(a membership.Arbiter) Option {
	return func(o *options) {
		o.arbiter = a
	}
}

// WithLogConfig overrides the append log configuration: backlog
// capacity bounds for backpressure and the trim retention window.
func WithLogConfig(cfg logstore.Config) Option {
	return func(o *options) {
		o.logConfig = cfg
	}
}

// WithSinkFactory sets how durable sinks are built per log, e.g.
// file-backed sinks under a data directory. Defaults to in-memory
// sinks.
func WithSinkFactory(f logstore.SinkFactory) Option {
	return func(o *options) {
		o.sinkFactory = f
	}
}

// WithCompactorConfig adjusts compaction tuning on top of the
// defaults. Dim and Metric are always taken from the engine.
//
// Example:
//
//	strata.New(128,
//	    strata.WithCompactorConfig(func(c *compactor.Config) {
//	        c.MaxBatchRecords = 10000
//	        c.MergeFanIn = 4
//	    }))
func WithCompactorConfig(fn func(*compactor.Config)) Option {
	return func(o *options) {
		o.compactorCfg = fn
	}
}

// WithLogger sets the engine logger. Defaults to NoopLogger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}
