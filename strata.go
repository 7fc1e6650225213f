package strata

import (
	"context"
	"fmt"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/compactor"
	"github.com/stratavec/strata/distance"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"github.com/stratavec/strata/query"
)

// Engine is the write-path core of one vector database shard: durable
// append logs, the background compactor and the snapshot-isolated
// query merger, wired over shared blob and metadata stores.
type Engine struct {
	dim    int
	metric distance.Metric

	logs    *logstore.Store
	blobs   blobstore.Store
	meta    metastore.Store
	arbiter membership.Arbiter
	comp    *compactor.Compactor
	merger  *query.Merger
	logger  *Logger
}

// New creates an Engine for vectors of the given dimensionality and
// starts its background compactor.
func New(dim int, optFns ...Option) (*Engine, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("strata: dimension must be positive, got %d", dim)
	}

	opts := options{
		metric:    distance.MetricL2,
		logConfig: logstore.DefaultConfig(),
		logger:    NoopLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.blobs == nil {
		opts.blobs = blobstore.NewMemoryStore()
	}
	if opts.meta == nil {
		opts.meta = metastore.NewMemoryStore()
	}
	if opts.arbiter == nil {
		opts.arbiter = membership.NewLocalArbiter()
	}

	logs := logstore.NewStore(opts.logConfig, func(o *logstore.StoreOptions) {
		o.SinkFactory = opts.sinkFactory
		o.Logger = opts.logger.Logger
	})

	ccfg := compactor.DefaultConfig()
	if opts.compactorCfg != nil {
		opts.compactorCfg(&ccfg)
	}
	ccfg.Dim = dim
	ccfg.Metric = opts.metric

	merger := query.NewMerger(logs, opts.blobs, opts.meta, dim, opts.metric, func(o *query.MergerOptions) {
		o.Logger = opts.logger.Logger
	})

	comp := compactor.New(ccfg, logs, opts.blobs, opts.meta, opts.arbiter, func(o *compactor.Options) {
		o.Logger = opts.logger.Logger
		o.InUse = merger.InUse
	})

	e := &Engine{
		dim:     dim,
		metric:  opts.metric,
		logs:    logs,
		blobs:   opts.blobs,
		meta:    opts.meta,
		arbiter: opts.arbiter,
		comp:    comp,
		merger:  merger,
		logger:  opts.logger,
	}
	comp.Start()

	return e, nil
}

// CreateLog creates a new empty log on this shard.
func (e *Engine) CreateLog(ctx context.Context) (model.LogID, error) {
	return e.logs.Create(ctx)
}

// ForkLog creates a child log sharing the parent's history below at.
// The parent is sealed read-only from at onward.
func (e *Engine) ForkLog(ctx context.Context, parent model.LogID, at model.Offset) (model.LogID, error) {
	child, err := e.logs.Fork(ctx, parent, at)
	e.logger.LogFork(ctx, parent, child, at, err)
	return child, err
}

// Append appends one record and returns its assigned offset once the
// record is durable. The compactor is nudged on success.
func (e *Engine) Append(ctx context.Context, logID model.LogID, rec *model.LogRecord) (model.Offset, error) {
	if len(rec.Vector) != e.dim && rec.Kind != model.KindDelete {
		return 0, fmt.Errorf("strata: vector dimension %d, want %d", len(rec.Vector), e.dim)
	}

	lg, err := e.logs.Get(logID)
	if err != nil {
		return 0, err
	}

	off, err := lg.Append(ctx, rec)
	e.logger.LogAppend(ctx, logID, off, err)
	if err != nil {
		return 0, err
	}

	e.comp.Notify(logID)
	return off, nil
}

// Query runs a k nearest neighbour search over the log.
func (e *Engine) Query(ctx context.Context, logID model.LogID, vector []float32, k int, filter query.Filter, optFns ...func(o *query.Options)) (*query.Response, error) {
	resp, err := e.merger.Query(ctx, logID, vector, k, filter, optFns...)
	if err != nil {
		e.logger.LogQuery(ctx, logID, 0, k, 0, false, err)
		return nil, err
	}
	e.logger.LogQuery(ctx, logID, resp.Watermark, k, len(resp.Results), resp.Degraded, nil)
	return resp, nil
}

// PinSnapshot pins the log's current view. The caller must Release it.
func (e *Engine) PinSnapshot(ctx context.Context, logID model.LogID) (*query.Snapshot, error) {
	return e.merger.PinSnapshot(ctx, logID)
}

// Compact runs compaction for one log synchronously, useful for
// deterministic tests and controlled maintenance windows.
func (e *Engine) Compact(ctx context.Context, logID model.LogID) error {
	return e.comp.CompactLog(ctx, logID)
}

// Close stops the compactor and closes all logs.
func (e *Engine) Close() error {
	e.comp.Close()
	return e.logs.Close()
}
