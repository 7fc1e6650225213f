package logstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stratavec/strata/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config, optFns ...func(*StoreOptions)) *Store {
	t.Helper()
	s := NewStore(cfg, optFns...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertRecord(id model.RecordID) *model.LogRecord {
	return &model.LogRecord{
		Kind:   model.KindInsert,
		ID:     id,
		Vector: []float32{float32(id), float32(id) + 1},
	}
}

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DefaultConfig())

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		offset, err := l.Append(ctx, insertRecord(model.RecordID(i)))
		require.NoError(t, err)
		assert.Equal(t, model.Offset(i), offset)
	}
	assert.Equal(t, model.Offset(100), l.DurableOffset())
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	// 8 goroutines append 10,000 records total; the result must be
	// exactly 10,000 contiguous, unique offsets.
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxBacklogRecords = 20000
	s := newTestStore(t, cfg)

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	const (
		writers = 8
		perGo   = 1250
	)

	offsets := make([][]model.Offset, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perGo; i++ {
				offset, err := l.Append(ctx, insertRecord(model.RecordID(w*perGo+i)))
				if err != nil {
					t.Error(err)
					return
				}
				offsets[w] = append(offsets[w], offset)
			}
		}(w)
	}
	wg.Wait()

	var all []model.Offset
	for _, part := range offsets {
		all = append(all, part...)
	}
	require.Len(t, all, writers*perGo)

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, offset := range all {
		require.Equal(t, model.Offset(i), offset, "offset sequence must be contiguous and unique")
	}
}

func TestAppendBackpressure(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	sink := NewMemorySink()
	sink.PersistHook = func([][]byte) error {
		<-release
		return nil
	}

	cfg := DefaultConfig()
	cfg.MaxBacklogRecords = 2
	s := newTestStore(t, cfg, func(o *StoreOptions) {
		o.SinkFactory = func(model.LogID) (Sink, error) { return sink, nil }
	})

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	// Fill the backlog with appends that cannot be acknowledged yet.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, insertRecord(model.RecordID(i)))
			assert.NoError(t, err)
		}(i)
	}

	require.Eventually(t, func() bool {
		return l.NextOffset() == 2
	}, time.Second, time.Millisecond)

	_, err = l.Append(ctx, insertRecord(99))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	close(release)
	wg.Wait()
}

func TestReadExactRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DefaultConfig())

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, insertRecord(model.RecordID(i)))
		require.NoError(t, err)
	}

	recs, err := l.Read(ctx, 2, 7)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.Equal(t, model.Offset(i+2), rec.Offset)
		assert.Equal(t, model.RecordID(i+2), rec.ID)
	}

	// Empty range.
	recs, err = l.Read(ctx, 4, 4)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReadNotYetDurable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DefaultConfig())

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	_, err = l.Append(ctx, insertRecord(0))
	require.NoError(t, err)

	_, err = l.Read(ctx, 0, 5)
	assert.ErrorIs(t, err, ErrNotYetDurable)
}

func TestAppendAfterSeal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DefaultConfig())

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	_, err = l.Append(ctx, insertRecord(1))
	require.NoError(t, err)

	l.Seal()
	_, err = l.Append(ctx, insertRecord(2))
	assert.ErrorIs(t, err, ErrClosed)

	// Sealed logs still serve reads.
	recs, err := l.Read(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestForkAliasesParentOffsets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DefaultConfig())

	parentID, err := s.Create(ctx)
	require.NoError(t, err)
	parent, err := s.Get(parentID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := parent.Append(ctx, insertRecord(model.RecordID(i)))
		require.NoError(t, err)
	}

	childID, err := s.Fork(ctx, parentID, 5)
	require.NoError(t, err)
	child, err := s.Get(childID)
	require.NoError(t, err)

	// Parent is read-only from the fork point.
	_, err = parent.Append(ctx, insertRecord(99))
	assert.ErrorIs(t, err, ErrClosed)

	// The child's first offset aliases the parent's.
	offset, err := child.Append(ctx, insertRecord(5))
	require.NoError(t, err)
	assert.Equal(t, model.Offset(5), offset)

	// Reads below the fork point resolve through the parent.
	recs, err := child.Read(ctx, 3, 6)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, model.RecordID(3), recs[0].ID)
	assert.Equal(t, model.RecordID(5), recs[2].ID)
}

func TestTrimRespectsRetentionWindow(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RetentionWindow = 10
	s := newTestStore(t, cfg)

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := l.Append(ctx, insertRecord(model.RecordID(i)))
		require.NoError(t, err)
	}

	// Trim is clamped to watermark minus retention window.
	start := l.Trim(100, 50)
	assert.Equal(t, model.Offset(40), start)

	_, err = l.Read(ctx, 0, 50)
	assert.ErrorIs(t, err, ErrTrimmed)

	recs, err := l.Read(ctx, 40, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 60)
}

func TestAppendContextCancelled(t *testing.T) {
	release := make(chan struct{})
	sink := NewMemorySink()
	sink.PersistHook = func([][]byte) error {
		<-release
		return nil
	}

	s := newTestStore(t, DefaultConfig(), func(o *StoreOptions) {
		o.SinkFactory = func(model.LogID) (Sink, error) { return sink, nil }
	})

	id, err := s.Create(context.Background())
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Append(ctx, insertRecord(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestSinkFailureIsTerminal(t *testing.T) {
	ctx := context.Background()

	sinkErr := errors.New("disk gone")
	sink := NewMemorySink()
	sink.PersistHook = func([][]byte) error { return sinkErr }

	s := newTestStore(t, DefaultConfig(), func(o *StoreOptions) {
		o.SinkFactory = func(model.LogID) (Sink, error) { return sink, nil }
	})

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	_, err = l.Append(ctx, insertRecord(1))
	assert.ErrorIs(t, err, sinkErr)

	// The failure is terminal: later appends fail fast.
	_, err = l.Append(ctx, insertRecord(2))
	assert.ErrorIs(t, err, sinkErr)
}
