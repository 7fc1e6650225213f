package compactor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/distance"
	"github.com/stratavec/strata/index/hnsw"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"github.com/stratavec/strata/segment"
)

// compactOnce folds one batch of records above the watermark into a
// new segment. It reports whether the watermark advanced.
func (c *Compactor) compactOnce(ctx context.Context, lg *logstore.Log, lease membership.Lease) (bool, error) {
	logID := lg.ID()

	wm, err := c.meta.Watermark(ctx, logID)
	if err != nil {
		return false, err
	}

	durable := lg.DurableOffset()
	if wm >= durable {
		lg.Trim(wm, wm)
		return false, nil
	}

	to := durable
	if limit := wm + model.Offset(c.cfg.MaxBatchRecords); to > limit {
		to = limit
	}

	records, err := lg.Read(ctx, wm, to)
	if err != nil {
		if errors.Is(err, logstore.ErrNotYetDurable) {
			return false, nil // frontier moved back is impossible, just retry next cycle
		}
		return false, err
	}

	rows, tombstones, err := foldBatch(records)
	if err != nil {
		return false, err
	}

	rec, written, err := c.writeSegment(ctx, logID, wm, to, rows, tombstones, nil)
	if err != nil {
		return false, err
	}

	if err := c.meta.Commit(ctx, wm, lease.Token, rec); err != nil {
		if errors.Is(err, metastore.ErrWatermarkConflict) || errors.Is(err, metastore.ErrStaleToken) {
			c.discardOrphans(ctx, logID, written)
		}
		return false, err
	}

	c.logger.Info("segment committed",
		"log_id", string(logID),
		"segment", string(rec.SegmentID),
		"watermark", uint64(to),
		"rows", rec.RowCount)

	lg.Trim(to, to)
	return true, nil
}

// foldBatch reduces an offset-ordered batch to its final state: one
// surviving row per id, or a tombstone when the latest operation was a
// delete.
func foldBatch(records []model.LogRecord) ([]segment.Row, *roaring64.Bitmap, error) {
	latest := make(map[model.RecordID]*model.LogRecord, len(records))
	for i := range records {
		rec := &records[i]
		if !rec.Kind.Valid() {
			return nil, nil, fmt.Errorf("compactor: invalid record kind %d at offset %d", rec.Kind, rec.Offset)
		}
		latest[rec.ID] = rec
	}

	rows := make([]segment.Row, 0, len(latest))
	tombstones := roaring64.New()
	for id, rec := range latest {
		switch rec.Kind {
		case model.KindInsert, model.KindUpdate:
			rows = append(rows, segment.Row{
				ID:        id,
				Offset:    rec.Offset,
				Timestamp: rec.Timestamp,
				Vector:    rec.Vector,
				Metadata:  rec.Metadata,
				Document:  rec.Document,
			})
		case model.KindDelete:
			tombstones.Add(uint64(id))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	return rows, tombstones, nil
}

// writeSegment builds and uploads all artifacts of one segment: data
// blocks, the serialized index and the manifest. Nothing is registered
// yet; the returned hashes let the caller discard orphans if the
// commit loses. prior carries reusable blocks when merging.
func (c *Compactor) writeSegment(
	ctx context.Context,
	logID model.LogID,
	minOffset, maxOffset model.Offset,
	rows []segment.Row,
	tombstones *roaring64.Bitmap,
	prior *priorSegment,
) (metastore.SegmentRecord, []blobstore.Hash, error) {
	store := c.throttled()

	w := segment.NewWriter(store, logID, c.cfg.Dim, c.cfg.Metric.String(), c.cfg.TargetBlockRows)
	if prior != nil {
		w.AddPrior(prior.blocks)
		it := prior.removed.Iterator()
		for it.HasNext() {
			w.RemoveID(model.RecordID(it.Next()))
		}
	}
	for _, r := range rows {
		w.AddRow(r)
	}

	manifest, err := w.Finish(ctx)
	if err != nil {
		return metastore.SegmentRecord{}, nil, err
	}
	written := w.Written()

	graph, err := c.buildIndex(ctx, rows, prior)
	if err != nil {
		return metastore.SegmentRecord{}, written, err
	}
	indexBlob, err := graph.Encode(c.cfg.Metric)
	if err != nil {
		return metastore.SegmentRecord{}, written, err
	}
	indexHash, err := c.put(ctx, indexBlob)
	if err != nil {
		return metastore.SegmentRecord{}, written, err
	}
	written = append(written, indexHash)

	manifest.SegmentID = model.NewSegmentID()
	manifest.MinOffset = minOffset
	manifest.MaxOffset = maxOffset
	manifest.IndexHash = indexHash
	if manifest.Tombstones, err = tombstones.MarshalBinary(); err != nil {
		return metastore.SegmentRecord{}, written, err
	}

	manifestHash, err := segment.SaveManifest(ctx, store, manifest)
	if err != nil {
		return metastore.SegmentRecord{}, written, err
	}
	written = append(written, manifestHash)

	return metastore.SegmentRecord{
		SegmentID:    manifest.SegmentID,
		LogID:        logID,
		ManifestHash: manifestHash,
		MinOffset:    minOffset,
		MaxOffset:    maxOffset,
		RowCount:     manifest.RowCount,
		CreatedAt:    model.Now(),
	}, written, nil
}

// priorSegment carries the merge inputs that writeSegment folds under
// the fresh rows.
type priorSegment struct {
	blocks  []segment.PriorBlock
	removed *roaring64.Bitmap
	graph   *hnsw.Graph
}

// buildIndex constructs the segment's graph. Fresh batches build from
// scratch; merges replay the smaller graph into the larger one, which
// keeps build cost proportional to the smaller side.
func (c *Compactor) buildIndex(ctx context.Context, rows []segment.Row, prior *priorSegment) (*hnsw.Graph, error) {
	if prior != nil && prior.graph != nil {
		fresh := hnsw.New(c.cfg.Dim, distance.By(c.cfg.Metric))
		for _, r := range rows {
			if err := fresh.Insert(uint64(r.ID), r.Vector); err != nil {
				return nil, err
			}
		}
		dead := prior.removed
		return hnsw.Merge(prior.graph, fresh, func(key uint64) bool { return dead.Contains(key) })
	}

	graph := hnsw.New(c.cfg.Dim, distance.By(c.cfg.Metric))
	for i, r := range rows {
		if err := graph.Insert(uint64(r.ID), r.Vector); err != nil {
			return nil, err
		}
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	return graph, nil
}

// discardOrphans deletes blobs written by a losing pass, sparing any
// hash a live manifest references. Content addressing means the
// winner's identical blocks share our hashes; those must survive.
func (c *Compactor) discardOrphans(ctx context.Context, logID model.LogID, written []blobstore.Hash) {
	live, err := c.liveHashes(ctx, logID)
	if err != nil {
		c.logger.Warn("orphan sweep skipped", "log_id", string(logID), "error", err)
		return
	}

	for _, h := range written {
		if _, ok := live[h]; ok {
			continue
		}
		if err := c.blobs.Delete(ctx, h); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			c.logger.Warn("orphan delete failed", "hash", string(h), "error", err)
		}
	}
}

// liveHashes collects every blob hash referenced by the log's
// registered segments.
func (c *Compactor) liveHashes(ctx context.Context, logID model.LogID) (map[blobstore.Hash]struct{}, error) {
	segs, err := c.meta.ListSegments(ctx, logID)
	if err != nil {
		return nil, err
	}

	live := make(map[blobstore.Hash]struct{})
	for _, rec := range segs {
		live[rec.ManifestHash] = struct{}{}
		m, err := segment.LoadManifest(ctx, c.blobs, rec.ManifestHash)
		if err != nil {
			return nil, err
		}
		live[m.IndexHash] = struct{}{}
		for _, b := range m.Blocks {
			live[b.Hash] = struct{}{}
		}
	}

	return live, nil
}
