package query

import (
	"context"
	"sync"

	"github.com/stratavec/strata/metastore"
	"github.com/stratavec/strata/model"
)

// Snapshot is a pinned view of one log: the watermark and segment set
// captured at pin time. While any snapshot references a segment, the
// compactor's garbage collector leaves its blobs alone, so repeated
// queries under one snapshot stay stable while compaction advances
// underneath.
type Snapshot struct {
	logID     model.LogID
	watermark model.Offset
	durable   model.Offset // tail frontier at pin time
	segments  []metastore.SegmentRecord

	m    *Merger
	once sync.Once
}

// LogID returns the log the snapshot was taken on.
func (s *Snapshot) LogID() model.LogID { return s.logID }

// Watermark returns the compaction watermark at pin time.
func (s *Snapshot) Watermark() model.Offset { return s.watermark }

// Release drops the snapshot's segment references. Safe to call more
// than once; queries after Release are the caller's bug.
func (s *Snapshot) Release() {
	s.once.Do(func() {
		s.m.release(s.segments)
	})
}

// PinSnapshot captures the log's current watermark and segment set and
// takes a reference on every segment.
func (m *Merger) PinSnapshot(ctx context.Context, logID model.LogID) (*Snapshot, error) {
	wm, err := m.meta.Watermark(ctx, logID)
	if err != nil {
		return nil, err
	}
	segs, err := m.meta.ListSegments(ctx, logID)
	if err != nil {
		return nil, err
	}
	lg, err := m.logs.Get(logID)
	if err != nil {
		return nil, err
	}
	durable := lg.DurableOffset()
	if durable < wm {
		durable = wm
	}

	m.mu.Lock()
	for _, rec := range segs {
		m.refs[rec.SegmentID]++
	}
	m.mu.Unlock()

	return &Snapshot{
		logID:     logID,
		watermark: wm,
		durable:   durable,
		segments:  segs,
		m:         m,
	}, nil
}

func (m *Merger) release(segs []metastore.SegmentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range segs {
		if m.refs[rec.SegmentID]--; m.refs[rec.SegmentID] <= 0 {
			delete(m.refs, rec.SegmentID)
		}
	}
}

// InUse reports whether any live snapshot still references the
// segment. The compactor consults it before deleting superseded
// artifacts.
func (m *Merger) InUse(id model.SegmentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[id] > 0
}
