package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/stratavec/strata/model"
)

// Config bounds the append backlog and the trim retention window.
type Config struct {
	// MaxBacklogRecords is the maximum number of assigned but not yet
	// acknowledged records before Append fails with ErrCapacityExceeded.
	MaxBacklogRecords int

	// MaxBacklogBytes bounds the encoded size of the unacknowledged
	// backlog.
	MaxBacklogBytes int64

	// RetentionWindow is the number of offsets kept below the watermark
	// when trimming, as a safety margin for lagging readers.
	RetentionWindow uint64
}

// DefaultConfig returns the default log configuration.
func DefaultConfig() Config {
	return Config{
		MaxBacklogRecords: 4096,
		MaxBacklogBytes:   64 << 20,
		RetentionWindow:   512,
	}
}

// Log is a single durable append log. Offset assignment is serialized
// through one critical section; persistence pipelines behind it via the
// background syncer.
type Log struct {
	id     model.LogID
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu       sync.Mutex
	syncCond *sync.Cond // signals the syncer that frames are pending
	doneCond *sync.Cond // signals appenders that a persist completed

	sealed  bool
	closed  bool
	lastErr error // terminal error from the syncer

	next         model.Offset // next offset to assign
	durable      model.Offset // offsets below this are acknowledged
	pending      [][]byte     // encoded frames awaiting persistence
	pendingBytes int64        // unacknowledged encoded bytes

	tail      []model.LogRecord // retained records from tailStart
	tailStart model.Offset

	// Fork lineage: reads below forkAt resolve through the parent.
	parent *Log
	forkAt model.Offset

	wg sync.WaitGroup
}

func newLog(id model.LogID, cfg Config, sink Sink, logger *slog.Logger, start model.Offset, parent *Log) *Log {
	l := &Log{
		id:        id,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		next:      start,
		durable:   start,
		tailStart: start,
		parent:    parent,
		forkAt:    start,
	}
	l.syncCond = sync.NewCond(&l.mu)
	l.doneCond = sync.NewCond(&l.mu)

	l.wg.Add(1)
	go l.runSyncer()
	return l
}

// ID returns the log identifier.
func (l *Log) ID() model.LogID { return l.id }

// NextOffset returns the next offset that will be assigned.
func (l *Log) NextOffset() model.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// DurableOffset returns the durable frontier: every record below it has
// been acknowledged by the sink.
func (l *Log) DurableOffset() model.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durable
}

// TailStart returns the lowest retained offset.
func (l *Log) TailStart() model.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailStart
}

// Sealed reports whether the log rejects further appends.
func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

func (l *Log) runSyncer() {
	defer l.wg.Done()
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for len(l.pending) == 0 && !l.closed {
			l.syncCond.Wait()
		}
		if len(l.pending) == 0 && l.closed {
			return
		}

		// The batch covers exactly the offsets [durable, durable+len).
		batch := l.pending
		l.pending = nil

		l.mu.Unlock()
		err := l.sink.Persist(batch)
		l.mu.Lock()

		if err != nil {
			l.lastErr = fmt.Errorf("logstore: persist failed: %w", err)
			l.doneCond.Broadcast()
			return
		}

		var batchBytes int64
		for _, f := range batch {
			batchBytes += int64(len(f))
		}
		l.durable += model.Offset(len(batch))
		l.pendingBytes -= batchBytes
		l.doneCond.Broadcast()
	}
}

// Append assigns the next offset to rec and returns once the durable
// sink has acknowledged it. The offset sequence is strictly increasing
// with no gaps; no two appenders ever receive the same offset.
func (l *Log) Append(ctx context.Context, rec *model.LogRecord) (model.Offset, error) {
	if !rec.Kind.Valid() {
		return 0, fmt.Errorf("logstore: invalid record kind %d", rec.Kind)
	}

	l.mu.Lock()

	if l.closed || l.sealed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if l.lastErr != nil {
		err := l.lastErr
		l.mu.Unlock()
		return 0, err
	}

	// Backpressure: the unacknowledged backlog is bounded. Failing here
	// is the flow-control signal, not an internal fault.
	if int(l.next-l.durable) >= l.cfg.MaxBacklogRecords || l.pendingBytes >= l.cfg.MaxBacklogBytes {
		l.mu.Unlock()
		return 0, ErrCapacityExceeded
	}

	stored := *rec
	stored.Offset = l.next
	stored.Vector = slices.Clone(rec.Vector)
	if stored.Timestamp == 0 {
		stored.Timestamp = model.Now()
	}
	l.next++

	frame := EncodeRecord(nil, &stored)
	l.pending = append(l.pending, frame)
	l.pendingBytes += int64(len(frame))
	l.tail = append(l.tail, stored)
	l.syncCond.Signal()

	offset := stored.Offset

	// Wake this waiter if the context ends while the persist is in
	// flight. The record keeps its offset either way; only the caller's
	// wait is abandoned.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.doneCond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for l.durable <= offset && l.lastErr == nil && !l.closed && ctx.Err() == nil {
		l.doneCond.Wait()
	}

	switch {
	case l.lastErr != nil:
		err := l.lastErr
		l.mu.Unlock()
		return 0, err
	case l.durable > offset:
		l.mu.Unlock()
		return offset, nil
	case ctx.Err() != nil:
		l.mu.Unlock()
		return 0, ctx.Err()
	default:
		l.mu.Unlock()
		return 0, ErrClosed
	}
}

// Read returns exactly the records in the half-open range [from, to).
// If persistence is still propagating it fails with ErrNotYetDurable so
// the caller retries instead of observing a gap.
func (l *Log) Read(ctx context.Context, from, to model.Offset) ([]model.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("logstore: invalid range [%d, %d)", from, to)
	}
	if from == to {
		return nil, nil
	}

	l.mu.Lock()
	parent, forkAt := l.parent, l.forkAt
	l.mu.Unlock()

	if parent != nil && from < forkAt {
		cut := min(to, forkAt)
		recs, err := parent.Read(ctx, from, cut)
		if err != nil {
			return nil, err
		}
		if to > forkAt {
			rest, err := l.readLocal(forkAt, to)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rest...)
		}
		return recs, nil
	}
	return l.readLocal(from, to)
}

func (l *Log) readLocal(from, to model.Offset) ([]model.LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < l.tailStart {
		return nil, fmt.Errorf("%w: offset %d below retained tail %d", ErrTrimmed, from, l.tailStart)
	}
	if to > l.durable {
		return nil, fmt.Errorf("%w: requested up to %d, durable frontier %d", ErrNotYetDurable, to, l.durable)
	}

	out := make([]model.LogRecord, to-from)
	copy(out, l.tail[from-l.tailStart:to-l.tailStart])
	return out, nil
}

// Seal marks the log read-only. In-flight appends complete; subsequent
// appends fail with ErrClosed.
func (l *Log) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// Trim drops retained records below upTo, clamped to the watermark
// minus the retention window and to the durable frontier. It returns
// the new tail start. Trim never crosses the watermark.
func (l *Log) Trim(upTo, watermark model.Offset) model.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()

	safe := model.Offset(0)
	if uint64(watermark) > l.cfg.RetentionWindow {
		safe = watermark - model.Offset(l.cfg.RetentionWindow)
	}
	if upTo > safe {
		upTo = safe
	}
	if upTo > l.durable {
		upTo = l.durable
	}
	if upTo <= l.tailStart {
		return l.tailStart
	}

	kept := l.tail[upTo-l.tailStart:]
	l.tail = append(make([]model.LogRecord, 0, len(kept)), kept...)
	l.tailStart = upTo

	l.logger.Debug("log trimmed",
		"log_id", string(l.id),
		"tail_start", uint64(l.tailStart),
	)
	return l.tailStart
}

// Close seals the log, waits for the syncer to drain and closes the
// sink. Records acknowledged before Close remain durable.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.sealed = true
	l.closed = true
	l.syncCond.Signal()
	l.mu.Unlock()

	l.wg.Wait()
	return l.sink.Close()
}
