// Package query answers nearest neighbour searches over the union of
// sealed segments and the uncompacted log tail. Segment hits and tail
// records are merged under snapshot isolation: every candidate is
// deduplicated by record id keeping the highest offset, deletes mask
// everything below them, and ties on distance break towards the lowest
// offset.
package query

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/distance"
	"github.com/stratavec/strata/index/hnsw"
	"github.com/stratavec/strata/logstore"
	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
	"github.com/stratavec/strata/segment"
	"golang.org/x/sync/errgroup"
)

// Filter accepts or rejects a record by its metadata before ranking.
// A nil Filter accepts everything.
type Filter func(metadata map[string]string) bool

// Result is one ranked hit.
type Result struct {
	model.Candidate
	Metadata map[string]string
	Document []byte
}

// Response carries the ranked hits plus the view they were computed
// under. Degraded marks a response that excludes one or more segments
// because their blobs were unavailable or corrupt; it is never
// presented as exact.
type Response struct {
	Results   []Result
	Watermark model.Offset
	Degraded  bool
}

// Options tunes one query.
type Options struct {
	// EF bounds the per-segment candidate list. Defaults to
	// max(4*k, 64).
	EF int

	// Snapshot pins the view to query under. Nil queries the current
	// state under an ephemeral snapshot.
	Snapshot *Snapshot
}

// Merger executes queries over one shard.
type Merger struct {
	logs   *logstore.Store
	blobs  blobstore.Store
	meta   metastore.Store
	dim    int
	df     distance.Func
	logger *slog.Logger

	mu   sync.Mutex
	refs map[model.SegmentID]int
}

// MergerOptions holds optional Merger collaborators.
type MergerOptions struct {
	Logger *slog.Logger
}

// NewMerger creates a Merger for vectors of the given dimensionality.
func NewMerger(logs *logstore.Store, blobs blobstore.Store, meta metastore.Store, dim int, metric distance.Metric, optFns ...func(o *MergerOptions)) *Merger {
	opts := MergerOptions{Logger: slog.New(slog.DiscardHandler)}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Merger{
		logs:   logs,
		blobs:  blobs,
		meta:   meta,
		dim:    dim,
		df:     distance.By(metric),
		logger: opts.Logger,
		refs:   make(map[model.SegmentID]int),
	}
}

// candidate is one per-id version seen during the merge.
type candidate struct {
	Result
	accepted bool // live row that passed the filter
}

// segView is one snapshot segment with its opened reader; a nil reader
// marks a segment excluded as degraded.
type segView struct {
	rec    metastore.SegmentRecord
	reader *segment.Reader
}

// Query runs a k nearest neighbour search.
func (m *Merger) Query(ctx context.Context, logID model.LogID, vector []float32, k int, filter Filter, optFns ...func(o *Options)) (*Response, error) {
	if len(vector) != m.dim {
		return nil, &hnsw.ErrDimensionMismatch{Expected: m.dim, Actual: len(vector)}
	}
	if k <= 0 {
		return &Response{}, nil
	}

	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	ef := opts.EF
	if ef < 4*k {
		ef = 4 * k
	}
	if ef < 64 {
		ef = 64
	}

	snap := opts.Snapshot
	if snap == nil {
		fresh, err := m.PinSnapshot(ctx, logID)
		if err != nil {
			return nil, err
		}
		defer fresh.Release()
		snap = fresh
	}

	degraded := false
	views := make([]segView, 0, len(snap.segments))
	for _, rec := range snap.segments {
		r, err := segment.Open(ctx, m.blobs, rec.ManifestHash)
		if err != nil {
			m.logger.Warn("segment excluded from query",
				"log_id", string(logID),
				"segment", string(rec.SegmentID),
				"error", err)
			degraded = true
			views = append(views, segView{rec: rec})
			continue
		}
		views = append(views, segView{rec: rec, reader: r})
	}

	var (
		resMu      sync.Mutex
		candidates []candidate
		deletions  = make(map[model.RecordID]model.Offset)
	)
	addDeletion := func(id model.RecordID, minOffset model.Offset) {
		if prev, ok := deletions[id]; !ok || minOffset > prev {
			deletions[id] = minOffset
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range views {
		if v.reader == nil {
			continue
		}
		g.Go(func() error {
			hits, err := m.searchSegment(gctx, v, vector, k, ef, filter)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				// One bad segment degrades the response instead of
				// failing it, unless the whole query is dead.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("segment excluded from query",
					"log_id", string(logID),
					"segment", string(v.rec.SegmentID),
					"error", err)
				degraded = true
				return nil
			}
			candidates = append(candidates, hits...)
			it := v.reader.Tombstones().Iterator()
			for it.HasNext() {
				addDeletion(model.RecordID(it.Next()), v.rec.MinOffset)
			}
			return nil
		})
	}

	tailLatest, err := m.tailState(ctx, logID, snap.watermark, snap.durable)
	if err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for id, rec := range tailLatest {
		if rec.Kind == model.KindDelete {
			addDeletion(id, rec.Offset)
			continue
		}
		candidates = append(candidates, candidate{
			Result: Result{
				Candidate: model.Candidate{
					ID:       id,
					Offset:   rec.Offset,
					Distance: m.df(vector, rec.Vector),
				},
				Metadata: rec.Metadata,
				Document: rec.Document,
			},
			accepted: filter == nil || filter(rec.Metadata),
		})
	}

	// Resolve winners per id, then drop any winner superseded by a row
	// living in a later segment that the ANN search never surfaced, so
	// stale versions cannot leak past the filter.
	winners := make(map[model.RecordID]candidate, len(candidates))
	for _, c := range candidates {
		if prev, ok := winners[c.ID]; !ok || c.Offset > prev.Offset {
			winners[c.ID] = c
		}
	}

	out := make([]Result, 0, len(winners))
	for id, c := range winners {
		if !c.accepted {
			continue
		}
		if mask, ok := deletions[id]; ok && c.Offset < mask {
			continue
		}
		newer, err := m.hasNewerVersion(ctx, views, tailLatest, id, c.Offset)
		if err != nil {
			degraded = true
			continue
		}
		if newer {
			continue
		}
		out = append(out, c.Result)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Candidate.Less(out[j].Candidate)
	})
	if len(out) > k {
		out = out[:k]
	}

	return &Response{Results: out, Watermark: snap.watermark, Degraded: degraded}, nil
}

// searchSegment returns the segment's accepted candidates.
func (m *Merger) searchSegment(ctx context.Context, v segView, vector []float32, k, ef int, filter Filter) ([]candidate, error) {
	r := v.reader

	indexBlob, err := m.blobs.Get(ctx, r.Manifest().IndexHash)
	if err != nil {
		return nil, err
	}
	graph, err := hnsw.Decode(indexBlob)
	if err != nil {
		return nil, err
	}

	// The graph filter applies tombstones and the metadata filter
	// before ranking; a failed row load poisons the segment rather
	// than silently shrinking its results.
	var lookupErr error
	accept := func(key uint64) bool {
		id := model.RecordID(key)
		if r.Deleted(id) {
			return false
		}
		row, ok, err := r.Lookup(ctx, id)
		if err != nil {
			lookupErr = err
			return false
		}
		if !ok {
			return false // stale graph key superseded within the segment
		}
		if filter != nil && !filter(row.Metadata) {
			return false
		}
		return true
	}

	hits, err := graph.Search(vector, k, ef, accept)
	if err != nil {
		return nil, err
	}
	if lookupErr != nil {
		return nil, lookupErr
	}

	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		row, ok, err := r.Lookup(ctx, model.RecordID(h.Key))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, candidate{
			Result: Result{
				Candidate: model.Candidate{
					ID:     row.ID,
					Offset: row.Offset,
					// Recompute against the stored row: merged graphs
					// may carry superseded vectors for a key.
					Distance: m.df(vector, row.Vector),
				},
				Metadata: row.Metadata,
				Document: row.Document,
			},
			accepted: true,
		})
	}

	return out, nil
}

// tailState folds the uncompacted records in [from, to) into the last
// operation per id. The tail is small by construction; compaction
// keeps it bounded.
func (m *Merger) tailState(ctx context.Context, logID model.LogID, from, to model.Offset) (map[model.RecordID]*model.LogRecord, error) {
	lg, err := m.logs.Get(logID)
	if err != nil {
		return nil, err
	}

	if to <= from {
		return nil, nil
	}

	records, err := lg.Read(ctx, from, to)
	if err != nil {
		if errors.Is(err, logstore.ErrNotYetDurable) {
			return nil, nil
		}
		return nil, err
	}

	latest := make(map[model.RecordID]*model.LogRecord, len(records))
	for i := range records {
		latest[records[i].ID] = &records[i]
	}

	return latest, nil
}

// hasNewerVersion reports whether any source strictly above offset
// holds a row for id. Only segments whose range starts above the
// offset can hold one; within-segment versions were already resolved
// at compaction time.
func (m *Merger) hasNewerVersion(ctx context.Context, views []segView, tail map[model.RecordID]*model.LogRecord, id model.RecordID, offset model.Offset) (bool, error) {
	if rec, ok := tail[id]; ok && rec.Offset > offset && rec.Kind != model.KindDelete {
		return true, nil
	}
	for _, v := range views {
		if v.reader == nil || v.rec.MinOffset <= offset {
			continue
		}
		if _, ok, err := v.reader.Lookup(ctx, id); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}
