// Package compactor folds durable log records into immutable,
// ANN-indexed segments in the background. Each pass claims a lease,
// reads one batch above the authoritative watermark, writes segment
// artifacts to blob storage and advances the watermark with a
// conditional commit. Losing the commit race costs only orphaned
// blobs, never correctness.
package compactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/distance"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config bounds a compactor's batching, merging and resource use.
type Config struct {
	// Dim and Metric describe the vectors this shard holds.
	Dim    int
	Metric distance.Metric

	// MaxBatchRecords caps how many records one pass folds.
	MaxBatchRecords int

	// TargetBlockRows is the row budget per segment block.
	TargetBlockRows int

	// MergeFanIn triggers a merge of the two oldest adjacent segments
	// once a log accumulates more live segments than this.
	MergeFanIn int

	// Workers caps concurrent per-log passes.
	Workers int

	// LeaseTTL is the compaction lease duration; leases are renewed
	// between passes.
	LeaseTTL time.Duration

	// Interval is the periodic sweep over all logs, catching work that
	// arrived while no notification was pending.
	Interval time.Duration

	// WriteBytesPerSec throttles blob writes so background compaction
	// cannot starve the append and query paths. Zero disables the
	// throttle.
	WriteBytesPerSec int
}

// DefaultConfig returns production defaults for a mid-size shard.
func DefaultConfig() Config {
	return Config{
		Dim:              0, // caller must set
		Metric:           distance.MetricL2,
		MaxBatchRecords:  4096,
		TargetBlockRows:  512,
		MergeFanIn:       8,
		Workers:          4,
		LeaseTTL:         30 * time.Second,
		Interval:         5 * time.Second,
		WriteBytesPerSec: 64 << 20,
	}
}

// Compactor schedules and runs compaction passes across all logs of a
// shard.
type Compactor struct {
	cfg     Config
	logs    *logstore.Store
	blobs   blobstore.Store
	meta    metastore.Store
	arbiter membership.Arbiter
	owner   string
	logger  *slog.Logger
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	notify chan model.LogID

	mu       sync.Mutex
	inflight map[model.LogID]bool
	garbage  []gcItem // superseded blobs awaiting snapshot release

	inUse func(model.SegmentID) bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Options holds the optional collaborators of a Compactor.
type Options struct {
	Logger *slog.Logger

	// Owner identifies this instance in leases. Defaults to a fresh
	// uuid.
	Owner string

	// InUse reports whether any query snapshot still references the
	// segment; garbage collection of superseded artifacts waits for it
	// to return false. Nil means nothing is pinned.
	InUse func(model.SegmentID) bool
}

// New creates a Compactor. Start must be called before notifications
// are consumed.
func New(cfg Config, logs *logstore.Store, blobs blobstore.Store, meta metastore.Store, arbiter membership.Arbiter, optFns ...func(o *Options)) *Compactor {
	opts := Options{
		Logger: slog.New(slog.DiscardHandler),
		Owner:  string(model.NewLogID()),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var limiter *rate.Limiter
	if cfg.WriteBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WriteBytesPerSec), cfg.WriteBytesPerSec)
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	return &Compactor{
		cfg:      cfg,
		logs:     logs,
		blobs:    blobs,
		meta:     meta,
		arbiter:  arbiter,
		owner:    opts.Owner,
		logger:   opts.Logger,
		limiter:  limiter,
		sem:      semaphore.NewWeighted(int64(workers)),
		notify:   make(chan model.LogID, 1024),
		inflight: make(map[model.LogID]bool),
		inUse:    opts.InUse,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify marks a log dirty. It never blocks; a full queue is fine
// because the periodic sweep revisits every log anyway.
func (c *Compactor) Notify(logID model.LogID) {
	select {
	case c.notify <- logID:
	default:
	}
}

// Start launches the scheduler goroutine.
func (c *Compactor) Start() {
	go c.run()
}

// Close stops the scheduler and waits for in-flight passes to finish.
func (c *Compactor) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Compactor) run() {
	defer close(c.done)

	interval := c.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-c.stop:
			wg.Wait()
			return
		case logID := <-c.notify:
			c.dispatch(&wg, logID)
		case <-ticker.C:
			for _, logID := range c.logs.IDs() {
				c.dispatch(&wg, logID)
			}
		}
	}
}

// dispatch starts a pass for the log unless one is already running.
func (c *Compactor) dispatch(wg *sync.WaitGroup, logID model.LogID) {
	c.mu.Lock()
	if c.inflight[logID] {
		c.mu.Unlock()
		return
	}
	c.inflight[logID] = true
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.clearInflight(logID)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.sem.Release(1)
		defer c.clearInflight(logID)

		if err := c.CompactLog(ctx, logID); err != nil {
			c.logger.Error("compaction pass failed", "log_id", string(logID), "error", err)
		}
	}()
}

func (c *Compactor) clearInflight(logID model.LogID) {
	c.mu.Lock()
	delete(c.inflight, logID)
	c.mu.Unlock()
}

// CompactLog drives passes over one log until it is caught up with the
// durable frontier. Exported so single-shot callers and tests can run
// compaction synchronously.
func (c *Compactor) CompactLog(ctx context.Context, logID model.LogID) error {
	lease, err := c.arbiter.Acquire(ctx, logID, c.owner, c.cfg.LeaseTTL)
	if errors.Is(err, membership.ErrLeaseHeld) {
		return nil // another instance owns this log right now
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = c.arbiter.Release(context.WithoutCancel(ctx), lease)
	}()

	lg, err := c.logs.Get(logID)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 0

	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		advanced, err := c.compactOnce(ctx, lg, lease)
		switch {
		case errors.Is(err, metastore.ErrWatermarkConflict):
			// Another compactor claimed the batch. Re-read the
			// authoritative watermark after a short pause.
			conflicts++
			if conflicts > 8 {
				return nil // it is making progress, let it
			}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		case errors.Is(err, metastore.ErrStaleToken), errors.Is(err, membership.ErrLeaseLost):
			return nil // fenced out, a newer holder owns the log
		case err != nil:
			return err
		}

		if !advanced {
			break
		}

		bo.Reset()
		conflicts = 0
		if lease, err = c.arbiter.Renew(ctx, lease, c.cfg.LeaseTTL); err != nil {
			return nil
		}
	}

	if err := c.maybeMerge(ctx, lease, logID); err != nil &&
		!errors.Is(err, metastore.ErrStaleToken) &&
		!errors.Is(err, metastore.ErrWatermarkConflict) {
		return err
	}

	c.collectGarbage(ctx)
	return nil
}

// put writes a blob through the write throttle.
func (c *Compactor) put(ctx context.Context, data []byte) (blobstore.Hash, error) {
	if c.limiter != nil {
		n := len(data)
		if n > c.limiter.Burst() {
			n = c.limiter.Burst()
		}
		if err := c.limiter.WaitN(ctx, n); err != nil {
			return "", err
		}
	}
	return c.blobs.Put(ctx, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
