// Package metastore persists the durable control plane of the engine:
// per-log compaction watermarks and the registry of live segments.
// Every mutation is a conditional write. A commit names the watermark
// it expects to advance from and carries a fencing token, so two
// compactors racing over the same batch resolve to exactly one winner
// regardless of scheduling.
package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/model"
)

var (
	// ErrWatermarkConflict is returned when the expected watermark no
	// longer matches, meaning another compactor already claimed the
	// batch. The caller must discard its output and re-read.
	ErrWatermarkConflict = errors.New("metastore: watermark conflict")

	// ErrStaleToken is returned when a commit carries a fencing token
	// older than one the store has already accepted for the log.
	ErrStaleToken = errors.New("metastore: stale fencing token")

	// ErrSegmentNotFound is returned by Replace when a segment slated
	// for removal is not registered.
	ErrSegmentNotFound = errors.New("metastore: segment not found")
)

// SegmentRecord registers one immutable segment. Offsets are half
// open: the segment covers [MinOffset, MaxOffset).
type SegmentRecord struct {
	SegmentID    model.SegmentID `json:"segment_id"`
	LogID        model.LogID     `json:"log_id"`
	ManifestHash blobstore.Hash  `json:"manifest_hash"`
	MinOffset    model.Offset    `json:"min_offset"`
	MaxOffset    model.Offset    `json:"max_offset"`
	RowCount     uint32          `json:"row_count"`
	CreatedAt    int64           `json:"created_at"`
}

func (r SegmentRecord) validate() error {
	if r.SegmentID == "" {
		return fmt.Errorf("metastore: segment record missing segment id")
	}
	if r.MaxOffset < r.MinOffset {
		return fmt.Errorf("metastore: segment record range inverted: [%d, %d)", r.MinOffset, r.MaxOffset)
	}
	return nil
}

// Store is the control plane interface.
type Store interface {
	// Watermark returns the log's compaction watermark: the offset up
	// to which records have been folded into segments. Zero for a log
	// never compacted.
	Watermark(ctx context.Context, logID model.LogID) (model.Offset, error)

	// Commit atomically advances the watermark from expected to
	// rec.MaxOffset and registers rec. It fails with
	// ErrWatermarkConflict when the stored watermark is not expected,
	// and with ErrStaleToken when token is older than the newest token
	// seen for the log. rec.MinOffset must equal expected.
	Commit(ctx context.Context, expected model.Offset, token membership.Token, rec SegmentRecord) error

	// Replace atomically swaps the removed segments for added without
	// moving the watermark, used when merging adjacent segments. The
	// added record must cover exactly the union of the removed ranges.
	Replace(ctx context.Context, logID model.LogID, token membership.Token, removed []model.SegmentID, added SegmentRecord) error

	// ListSegments returns the live segments of a log ordered by
	// MinOffset ascending.
	ListSegments(ctx context.Context, logID model.LogID) ([]SegmentRecord, error)
}
