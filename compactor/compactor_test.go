package compactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"github.com/stratavec/strata/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	logs  *logstore.Store
	blobs *blobstore.MemoryStore
	meta  *metastore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		logs:  logstore.NewStore(logstore.DefaultConfig()),
		blobs: blobstore.NewMemoryStore(),
		meta:  metastore.NewMemoryStore(),
	}
	t.Cleanup(func() { _ = env.logs.Close() })
	return env
}

func (env *testEnv) compactor(cfg Config) *Compactor {
	return New(cfg, env.logs, env.blobs, env.meta, membership.NewLocalArbiter())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dim = 2
	cfg.TargetBlockRows = 4
	cfg.Interval = time.Hour // tests drive passes directly
	cfg.WriteBytesPerSec = 0
	return cfg
}

func appendRecord(t *testing.T, env *testEnv, logID model.LogID, kind model.RecordKind, id model.RecordID, vec []float32) model.Offset {
	t.Helper()
	lg, err := env.logs.Get(logID)
	require.NoError(t, err)
	off, err := lg.Append(context.Background(), &model.LogRecord{
		Kind:      kind,
		ID:        id,
		Vector:    vec,
		Metadata:  map[string]string{"source": "test"},
		Timestamp: model.Now(),
	})
	require.NoError(t, err)
	return off
}

func openSegments(t *testing.T, env *testEnv, logID model.LogID) []*segment.Reader {
	t.Helper()
	ctx := context.Background()
	recs, err := env.meta.ListSegments(ctx, logID)
	require.NoError(t, err)
	readers := make([]*segment.Reader, len(recs))
	for i, rec := range recs {
		readers[i], err = segment.Open(ctx, env.blobs, rec.ManifestHash)
		require.NoError(t, err)
	}
	return readers
}

func TestCompactionRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	for i := model.RecordID(1); i <= 20; i++ {
		appendRecord(t, env, logID, model.KindInsert, i, []float32{float32(i), 0})
	}

	c := env.compactor(testConfig())
	require.NoError(t, c.CompactLog(ctx, logID))

	wm, err := env.meta.Watermark(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, model.Offset(20), wm)

	readers := openSegments(t, env, logID)
	require.Len(t, readers, 1)
	assert.Equal(t, uint32(20), readers[0].Manifest().RowCount)

	// Every appended record survives compaction byte for byte.
	row, ok, err := readers[0].Lookup(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{7, 0}, row.Vector)
	assert.Equal(t, "test", row.Metadata["source"])

	// The segment index finds what the segment stores.
	graph, err := c.loadIndex(ctx, readers[0])
	require.NoError(t, err)
	results, err := graph.Search([]float32{7, 0}, 1, 50, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(7), results[0].Key)
}

func TestUpdateKeepsHighestOffset(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	appendRecord(t, env, logID, model.KindInsert, 1, []float32{1, 0})
	appendRecord(t, env, logID, model.KindUpdate, 1, []float32{2, 0})

	c := env.compactor(testConfig())
	require.NoError(t, c.CompactLog(ctx, logID))

	readers := openSegments(t, env, logID)
	require.Len(t, readers, 1)
	row, ok, err := readers[0].Lookup(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2, 0}, row.Vector)
	assert.Equal(t, model.Offset(1), row.Offset)
}

func TestDeleteProducesTombstone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	appendRecord(t, env, logID, model.KindInsert, 1, []float32{1, 0})
	appendRecord(t, env, logID, model.KindInsert, 2, []float32{2, 0})

	c := env.compactor(testConfig())
	require.NoError(t, c.CompactLog(ctx, logID))

	// Delete lands in a later batch, so its tombstone must mask the
	// row in the earlier segment.
	appendRecord(t, env, logID, model.KindDelete, 1, nil)
	require.NoError(t, c.CompactLog(ctx, logID))

	readers := openSegments(t, env, logID)
	require.Len(t, readers, 2)
	assert.True(t, readers[1].Deleted(1))

	_, ok, err := readers[1].Lookup(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Still physically present in the old segment until a merge.
	_, ok, err = readers[0].Lookup(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRacingCompactorsRegisterOneSegmentPerRange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	for i := model.RecordID(1); i <= 50; i++ {
		appendRecord(t, env, logID, model.KindInsert, i, []float32{float32(i), 0})
	}

	// Separate arbiters simulate two nodes that both believe they own
	// the log. The watermark CAS lets exactly one registration land
	// per range.
	a := New(testConfig(), env.logs, env.blobs, env.meta, membership.NewLocalArbiter())
	b := New(testConfig(), env.logs, env.blobs, env.meta, membership.NewLocalArbiter())

	var wg sync.WaitGroup
	for _, c := range []*Compactor{a, b} {
		wg.Add(1)
		go func(c *Compactor) {
			defer wg.Done()
			assert.NoError(t, c.CompactLog(ctx, logID))
		}(c)
	}
	wg.Wait()

	recs, err := env.meta.ListSegments(ctx, logID)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	var next model.Offset
	for _, rec := range recs {
		assert.Equal(t, next, rec.MinOffset, "segments must tile the offset space without overlap")
		next = rec.MaxOffset
	}
	assert.Equal(t, model.Offset(50), next)
}

func TestMergeFoldsAdjacentSegments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MergeFanIn = 1
	c := env.compactor(cfg)

	for i := model.RecordID(1); i <= 10; i++ {
		appendRecord(t, env, logID, model.KindInsert, i, []float32{float32(i), 0})
	}
	require.NoError(t, c.CompactLog(ctx, logID))

	appendRecord(t, env, logID, model.KindDelete, 3, nil)
	appendRecord(t, env, logID, model.KindInsert, 11, []float32{11, 0})
	require.NoError(t, c.CompactLog(ctx, logID))

	readers := openSegments(t, env, logID)
	require.Len(t, readers, 1, "fan-in 1 must merge down to one segment")
	m := readers[0].Manifest()
	assert.Equal(t, model.Offset(0), m.MinOffset)
	assert.Equal(t, model.Offset(12), m.MaxOffset)

	// The tombstoned row is physically gone from the merged segment.
	_, ok, err := readers[0].Lookup(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	row, ok, err := readers[0].Lookup(ctx, 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{11, 0}, row.Vector)

	// Row count reflects the physical drop: 10 inserts + 1 insert - 1 delete.
	assert.Equal(t, uint32(10), m.RowCount)
}

func TestRecompactionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	for i := model.RecordID(1); i <= 8; i++ {
		appendRecord(t, env, logID, model.KindInsert, i, []float32{float32(i), 0})
	}

	c := env.compactor(testConfig())
	require.NoError(t, c.CompactLog(ctx, logID))
	before, err := env.meta.ListSegments(ctx, logID)
	require.NoError(t, err)

	// A second run over a caught-up log must change nothing.
	require.NoError(t, c.CompactLog(ctx, logID))
	after, err := env.meta.ListSegments(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNotifyTriggersPass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	logID, err := env.logs.Create(ctx)
	require.NoError(t, err)

	appendRecord(t, env, logID, model.KindInsert, 1, []float32{1, 0})

	c := env.compactor(testConfig())
	c.Start()
	defer c.Close()

	c.Notify(logID)
	require.Eventually(t, func() bool {
		wm, err := env.meta.Watermark(ctx, logID)
		return err == nil && wm == 1
	}, 5*time.Second, 10*time.Millisecond)
}
