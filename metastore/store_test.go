package metastore

import (
	"context"
	"testing"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(logID model.LogID, id model.SegmentID, min, max model.Offset) SegmentRecord {
	return SegmentRecord{
		SegmentID:    id,
		LogID:        logID,
		ManifestHash: blobstore.Hash("h-" + string(id)),
		MinOffset:    min,
		MaxOffset:    max,
		RowCount:     uint32(max - min),
		CreatedAt:    1,
	}
}

func TestCommitAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wm, err := s.Watermark(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.Offset(0), wm)

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))

	wm, err = s.Watermark(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.Offset(100), wm)

	segs, err := s.ListSegments(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentID("seg-a"), segs[0].SegmentID)
}

func TestCommitConflictLosesRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Two compactors built segments over the same batch. Only one
	// registration can land.
	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))
	err := s.Commit(ctx, 0, 2, rec("log-1", "seg-b", 0, 100))
	assert.ErrorIs(t, err, ErrWatermarkConflict)

	segs, err := s.ListSegments(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentID("seg-a"), segs[0].SegmentID)
}

func TestCommitStaleToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 5, rec("log-1", "seg-a", 0, 100)))

	// A holder fenced out by a newer lease cannot commit even with the
	// right watermark.
	err := s.Commit(ctx, 100, 3, rec("log-1", "seg-b", 100, 200))
	assert.ErrorIs(t, err, ErrStaleToken)
}

func TestCommitRejectsGappedRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))

	// A segment starting past the expected watermark would leave a
	// hole in coverage.
	err := s.Commit(ctx, 100, 2, rec("log-1", "seg-b", 150, 200))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWatermarkConflict)
}

func TestListSegmentsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))
	require.NoError(t, s.Commit(ctx, 100, 1, rec("log-1", "seg-c", 100, 250)))
	require.NoError(t, s.Commit(ctx, 250, 1, rec("log-1", "seg-b", 250, 300)))

	segs, err := s.ListSegments(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for i := 1; i < len(segs); i++ {
		assert.Equal(t, segs[i-1].MaxOffset, segs[i].MinOffset, "segments must tile the offset space")
	}
}

func TestReplaceSwapsSegments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))
	require.NoError(t, s.Commit(ctx, 100, 1, rec("log-1", "seg-b", 100, 200)))

	merged := rec("log-1", "seg-ab", 0, 200)
	require.NoError(t, s.Replace(ctx, "log-1", 2, []model.SegmentID{"seg-a", "seg-b"}, merged))

	segs, err := s.ListSegments(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentID("seg-ab"), segs[0].SegmentID)

	// Watermark untouched by the merge.
	wm, err := s.Watermark(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, model.Offset(200), wm)
}

func TestReplaceUnknownSegment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))

	err := s.Replace(ctx, "log-1", 2, []model.SegmentID{"seg-a", "seg-gone"}, rec("log-1", "seg-x", 0, 100))
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	// A failed swap leaves the registry unchanged.
	segs, err := s.ListSegments(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentID("seg-a"), segs[0].SegmentID)
}

func TestReplaceStaleToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 5, rec("log-1", "seg-a", 0, 100)))

	err := s.Replace(ctx, "log-1", 2, []model.SegmentID{"seg-a"}, rec("log-1", "seg-x", 0, 100))
	assert.ErrorIs(t, err, ErrStaleToken)
}

func TestLogsIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, 0, 1, rec("log-1", "seg-a", 0, 100)))

	wm, err := s.Watermark(ctx, "log-2")
	require.NoError(t, err)
	assert.Equal(t, model.Offset(0), wm)

	segs, err := s.ListSegments(ctx, "log-2")
	require.NoError(t, err)
	assert.Empty(t, segs)
}
