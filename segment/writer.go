package segment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/model"
)

// DefaultTargetBlockRows is the default number of rows per block.
const DefaultTargetBlockRows = 512

// PriorBlock is a sealed block from the previous segment offered for
// reuse. Rows is called only when the block cannot be reused and must
// be rewritten.
type PriorBlock struct {
	Meta BlockMeta
	Rows func(ctx context.Context) ([]Row, error)
}

// Writer assembles a new sealed segment from fresh rows and the blocks
// of the prior segment. Untouched prior blocks are carried over by
// content address without being read or rewritten.
type Writer struct {
	store          blobstore.Store
	logID          model.LogID
	dim            int
	metric         string
	targetBlockRows int

	rows    []Row
	prior   []PriorBlock
	removed *roaring64.Bitmap // ids physically dropped (full merge GC)

	written []blobstore.Hash // blobs created by this writer, for orphan cleanup
}

// NewWriter creates a segment writer.
func NewWriter(store blobstore.Store, logID model.LogID, dim int, metric string, targetBlockRows int) *Writer {
	if targetBlockRows <= 0 {
		targetBlockRows = DefaultTargetBlockRows
	}
	return &Writer{
		store:           store,
		logID:           logID,
		dim:             dim,
		metric:          metric,
		targetBlockRows: targetBlockRows,
		removed:         roaring64.New(),
	}
}

// AddRow buffers a new or updated row.
func (w *Writer) AddRow(r Row) {
	w.rows = append(w.rows, r)
}

// AddPrior offers the prior segment's blocks for reuse.
func (w *Writer) AddPrior(blocks []PriorBlock) {
	w.prior = append(w.prior, blocks...)
}

// RemoveID marks an id for physical removal. Rows with the id are
// dropped instead of carried over; reuse of blocks containing it is
// disabled.
func (w *Writer) RemoveID(id model.RecordID) {
	w.removed.Add(uint64(id))
}

// Written returns the addresses of blobs this writer created, so an
// aborted or losing compaction attempt can discard its orphans.
func (w *Writer) Written() []blobstore.Hash {
	return w.written
}

// Finish builds the block set: fresh rows are deduplicated by id
// (highest offset wins), prior blocks untouched by any change are
// reused by reference, the rest are rewritten. The returned manifest
// has Blocks, Dim, Metric, LogID and RowCount populated; the caller
// fills in offsets, index hash, tombstones and segment id.
func (w *Writer) Finish(ctx context.Context) (*Manifest, error) {
	// Deduplicate fresh rows: one version per id, highest offset wins.
	sort.Slice(w.rows, func(i, j int) bool {
		if w.rows[i].ID != w.rows[j].ID {
			return w.rows[i].ID < w.rows[j].ID
		}
		return w.rows[i].Offset < w.rows[j].Offset
	})
	fresh := w.rows[:0]
	for i := range w.rows {
		if len(fresh) > 0 && fresh[len(fresh)-1].ID == w.rows[i].ID {
			fresh[len(fresh)-1] = w.rows[i]
			continue
		}
		fresh = append(fresh, w.rows[i])
	}

	changed := roaring64.New()
	for i := range fresh {
		changed.Add(uint64(fresh[i].ID))
	}

	// Classify prior blocks: reusable iff no changed or removed id
	// falls inside the block's key range.
	sort.Slice(w.prior, func(i, j int) bool {
		return w.prior[i].Meta.MinID < w.prior[j].Meta.MinID
	})

	var reused []BlockMeta
	var loose []Row
	for _, pb := range w.prior {
		if !rangeTouched(changed, pb.Meta) && !rangeTouched(w.removed, pb.Meta) {
			reused = append(reused, pb.Meta)
			continue
		}
		rows, err := pb.Rows(ctx)
		if err != nil {
			return nil, fmt.Errorf("segment: load prior block %s: %w", pb.Meta.Hash, err)
		}
		for i := range rows {
			id := uint64(rows[i].ID)
			if changed.Contains(id) || w.removed.Contains(id) {
				continue // superseded by a fresh row or physically removed
			}
			loose = append(loose, rows[i])
		}
	}

	for i := range fresh {
		if w.removed.Contains(uint64(fresh[i].ID)) {
			continue
		}
		loose = append(loose, fresh[i])
	}
	sort.Slice(loose, func(i, j int) bool { return loose[i].ID < loose[j].ID })

	// Interleave rewritten runs with reused blocks, preserving the
	// global sort order of block key ranges.
	var blocks []BlockMeta
	var rowCount uint32
	li := 0
	for _, rb := range reused {
		run := loose[li:]
		cut := sort.Search(len(run), func(i int) bool { return run[i].ID >= rb.MinID })
		built, err := w.buildBlocks(ctx, run[:cut])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, built...)
		li += cut

		blocks = append(blocks, rb)
		rowCount += rb.Rows
	}
	built, err := w.buildBlocks(ctx, loose[li:])
	if err != nil {
		return nil, err
	}
	blocks = append(blocks, built...)
	rowCount += uint32(len(loose))

	return &Manifest{
		LogID:     w.logID,
		Dim:       w.dim,
		Metric:    w.metric,
		Blocks:    blocks,
		RowCount:  rowCount,
		CreatedAt: time.Now(),
	}, nil
}

func (w *Writer) buildBlocks(ctx context.Context, rows []Row) ([]BlockMeta, error) {
	var metas []BlockMeta
	for len(rows) > 0 {
		n := min(len(rows), w.targetBlockRows)
		chunk := rows[:n]
		rows = rows[n:]

		data, err := EncodeBlock(chunk)
		if err != nil {
			return nil, err
		}
		h, err := w.store.Put(ctx, data)
		if err != nil {
			return nil, err
		}
		w.written = append(w.written, h)

		metas = append(metas, BlockMeta{
			Hash:  h,
			MinID: chunk[0].ID,
			MaxID: chunk[n-1].ID,
			Rows:  uint32(n),
		})
	}
	return metas, nil
}

func rangeTouched(set *roaring64.Bitmap, meta BlockMeta) bool {
	if set.IsEmpty() {
		return false
	}
	// Rank-based range intersection: any set member in [MinID, MaxID]?
	it := set.Iterator()
	it.AdvanceIfNeeded(uint64(meta.MinID))
	return it.HasNext() && it.Next() <= uint64(meta.MaxID)
}
