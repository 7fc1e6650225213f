package segment

import (
	"context"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/model"
)

// Reader serves point lookups and scans against a sealed segment.
// Safe for unbounded concurrent callers: the segment is immutable and
// decoded blocks are cached copy-on-first-use.
type Reader struct {
	store      blobstore.Store
	manifest   *Manifest
	tombstones *roaring64.Bitmap

	mu     sync.RWMutex
	blocks map[blobstore.Hash][]Row
}

// Open loads a segment's manifest by address and prepares a reader.
// Blocks are fetched lazily.
func Open(ctx context.Context, store blobstore.Store, manifestHash blobstore.Hash) (*Reader, error) {
	m, err := LoadManifest(ctx, store, manifestHash)
	if err != nil {
		return nil, err
	}
	return NewReader(store, m)
}

// NewReader wraps an already-loaded manifest.
func NewReader(store blobstore.Store, m *Manifest) (*Reader, error) {
	tombstones, err := m.TombstoneBitmap()
	if err != nil {
		return nil, err
	}
	return &Reader{
		store:      store,
		manifest:   m,
		tombstones: tombstones,
		blocks:     make(map[blobstore.Hash][]Row),
	}, nil
}

// Manifest returns the segment descriptor.
func (r *Reader) Manifest() *Manifest { return r.manifest }

// Deleted reports whether id is soft-deleted in this segment.
func (r *Reader) Deleted(id model.RecordID) bool {
	return r.tombstones.Contains(uint64(id))
}

// Tombstones returns the segment's tombstone bitmap. Callers must not
// mutate it.
func (r *Reader) Tombstones() *roaring64.Bitmap { return r.tombstones }

// Lookup resolves a record id. The boolean reports presence; a
// soft-deleted id is reported as absent.
func (r *Reader) Lookup(ctx context.Context, id model.RecordID) (Row, bool, error) {
	if r.Deleted(id) {
		return Row{}, false, nil
	}

	blocks := r.manifest.Blocks
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].MaxID >= id })
	if i == len(blocks) || blocks[i].MinID > id {
		return Row{}, false, nil
	}

	rows, err := r.block(ctx, blocks[i])
	if err != nil {
		return Row{}, false, err
	}

	j := sort.Search(len(rows), func(j int) bool { return rows[j].ID >= id })
	if j == len(rows) || rows[j].ID != id {
		return Row{}, false, nil
	}
	return rows[j], true, nil
}

// Iterate visits every live row in ascending id order. Soft-deleted
// rows are skipped.
func (r *Reader) Iterate(ctx context.Context, fn func(Row) error) error {
	for _, meta := range r.manifest.Blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.block(ctx, meta)
		if err != nil {
			return err
		}
		for i := range rows {
			if r.Deleted(rows[i].ID) {
				continue
			}
			if err := fn(rows[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// PriorBlocks exposes the segment's blocks for reuse by a writer.
func (r *Reader) PriorBlocks() []PriorBlock {
	prior := make([]PriorBlock, 0, len(r.manifest.Blocks))
	for _, meta := range r.manifest.Blocks {
		meta := meta
		prior = append(prior, PriorBlock{
			Meta: meta,
			Rows: func(ctx context.Context) ([]Row, error) {
				return r.block(ctx, meta)
			},
		})
	}
	return prior
}

func (r *Reader) block(ctx context.Context, meta BlockMeta) ([]Row, error) {
	r.mu.RLock()
	rows, ok := r.blocks[meta.Hash]
	r.mu.RUnlock()
	if ok {
		return rows, nil
	}

	data, err := r.store.Get(ctx, meta.Hash)
	if err != nil {
		return nil, err
	}
	rows, err = DecodeBlock(data, string(meta.Hash))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.blocks[meta.Hash] = rows
	r.mu.Unlock()
	return rows, nil
}
