package compactor

import (
	"context"
	"errors"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/index/hnsw"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"github.com/stratavec/strata/segment"
)

// maybeMerge folds the two oldest adjacent segments into one when the
// log has accumulated more than MergeFanIn live segments. Merging
// physically drops rows the newer segment tombstoned and rewrites only
// the blocks those rows lived in; everything untouched carries over by
// content address.
func (c *Compactor) maybeMerge(ctx context.Context, lease membership.Lease, logID model.LogID) error {
	if c.cfg.MergeFanIn <= 0 {
		return nil
	}

	segs, err := c.meta.ListSegments(ctx, logID)
	if err != nil {
		return err
	}
	if len(segs) <= c.cfg.MergeFanIn {
		return nil
	}

	older, newer := segs[0], segs[1]
	if older.MaxOffset != newer.MinOffset {
		return nil // a fork boundary, leave the pair alone
	}

	a, err := segment.Open(ctx, c.blobs, older.ManifestHash)
	if err != nil {
		return err
	}
	b, err := segment.Open(ctx, c.blobs, newer.ManifestHash)
	if err != nil {
		return err
	}

	// Rows from the newer segment supersede the older one's, and its
	// tombstones kill the older rows outright.
	var rows []segment.Row
	if err := b.Iterate(ctx, func(row segment.Row) error {
		rows = append(rows, row)
		return nil
	}); err != nil {
		return err
	}

	// Tombstones of the merged segment: the older set still masks
	// segments below it, minus anything the newer segment re-inserted,
	// plus the newer set.
	merged := a.Tombstones().Clone()
	for _, r := range rows {
		merged.Remove(uint64(r.ID))
	}
	merged.Or(b.Tombstones())

	removed := b.Tombstones().Clone()

	graphA, err := c.loadIndex(ctx, a)
	if err != nil {
		return err
	}

	prior := &priorSegment{
		blocks:  a.PriorBlocks(),
		removed: removed,
		graph:   graphA,
	}

	rec, written, err := c.writeSegment(ctx, logID, older.MinOffset, newer.MaxOffset, rows, merged, prior)
	if err != nil {
		return err
	}

	if err := c.meta.Replace(ctx, logID, lease.Token, []model.SegmentID{older.SegmentID, newer.SegmentID}, rec); err != nil {
		c.discardOrphans(ctx, logID, written)
		return err
	}

	c.logger.Info("segments merged",
		"log_id", string(logID),
		"into", string(rec.SegmentID),
		"range_min", uint64(rec.MinOffset),
		"range_max", uint64(rec.MaxOffset))

	c.queueGarbage(ctx, logID, []*segment.Reader{a, b}, []metastore.SegmentRecord{older, newer})
	return nil
}

// loadIndex decodes a segment's graph blob.
func (c *Compactor) loadIndex(ctx context.Context, r *segment.Reader) (*hnsw.Graph, error) {
	data, err := c.blobs.Get(ctx, r.Manifest().IndexHash)
	if err != nil {
		return nil, err
	}
	return hnsw.Decode(data)
}

// gcItem holds blobs of superseded segments until no snapshot pins
// them.
type gcItem struct {
	segments []model.SegmentID
	hashes   []blobstore.Hash
}

// queueGarbage records the superseded segments' exclusive blobs for
// deferred deletion. Blocks the merged segment reuses stay out of the
// list.
func (c *Compactor) queueGarbage(ctx context.Context, logID model.LogID, readers []*segment.Reader, old []metastore.SegmentRecord) {
	live, err := c.liveHashes(ctx, logID)
	if err != nil {
		c.logger.Warn("garbage queue skipped", "log_id", string(logID), "error", err)
		return
	}

	var item gcItem
	seen := make(map[blobstore.Hash]struct{})
	add := func(h blobstore.Hash) {
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		if _, ok := live[h]; ok {
			return
		}
		item.hashes = append(item.hashes, h)
	}

	for i, r := range readers {
		item.segments = append(item.segments, old[i].SegmentID)
		add(old[i].ManifestHash)
		m := r.Manifest()
		add(m.IndexHash)
		for _, blk := range m.Blocks {
			add(blk.Hash)
		}
	}

	if len(item.hashes) == 0 {
		return
	}

	c.mu.Lock()
	c.garbage = append(c.garbage, item)
	c.mu.Unlock()
}

// collectGarbage deletes queued blobs whose segments no query snapshot
// references anymore. Items still pinned stay queued for the next
// cycle.
func (c *Compactor) collectGarbage(ctx context.Context) {
	c.mu.Lock()
	queued := c.garbage
	c.garbage = nil
	c.mu.Unlock()

	var keep []gcItem
	for _, item := range queued {
		if c.pinned(item) {
			keep = append(keep, item)
			continue
		}
		for _, h := range item.hashes {
			if err := c.blobs.Delete(ctx, h); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				c.logger.Warn("garbage delete failed", "hash", string(h), "error", err)
			}
		}
	}

	if len(keep) > 0 {
		c.mu.Lock()
		c.garbage = append(c.garbage, keep...)
		c.mu.Unlock()
	}
}

func (c *Compactor) pinned(item gcItem) bool {
	if c.inUse == nil {
		return false
	}
	for _, id := range item.segments {
		if c.inUse(id) {
			return true
		}
	}
	return false
}

// throttled wraps the blob store with the compactor's write limiter.
func (c *Compactor) throttled() blobstore.Store {
	if c.limiter == nil {
		return c.blobs
	}
	return &throttledStore{Store: c.blobs, c: c}
}

type throttledStore struct {
	blobstore.Store
	c *Compactor
}

func (t *throttledStore) Put(ctx context.Context, data []byte) (blobstore.Hash, error) {
	return t.c.put(ctx, data)
}
