package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/model"
)

type logMeta struct {
	watermark model.Offset
	token     membership.Token
	segments  map[model.SegmentID]SegmentRecord
}

// MemoryStore is an in-process Store for single-node deployments and
// tests. It applies the same conditional-write discipline as the
// DynamoDB store.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[model.LogID]*logMeta
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[model.LogID]*logMeta)}
}

func (s *MemoryStore) meta(logID model.LogID) *logMeta {
	m, ok := s.logs[logID]
	if !ok {
		m = &logMeta{segments: make(map[model.SegmentID]SegmentRecord)}
		s.logs[logID] = m
	}
	return m
}

func (s *MemoryStore) Watermark(_ context.Context, logID model.LogID) (model.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.logs[logID]; ok {
		return m.watermark, nil
	}
	return 0, nil
}

func (s *MemoryStore) Commit(_ context.Context, expected model.Offset, token membership.Token, rec SegmentRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.MinOffset != expected {
		return fmt.Errorf("metastore: segment [%d, %d) does not start at expected watermark %d", rec.MinOffset, rec.MaxOffset, expected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.meta(rec.LogID)
	if token < m.token {
		return ErrStaleToken
	}
	if m.watermark != expected {
		return ErrWatermarkConflict
	}

	m.watermark = rec.MaxOffset
	m.token = token
	m.segments[rec.SegmentID] = rec

	return nil
}

func (s *MemoryStore) Replace(_ context.Context, logID model.LogID, token membership.Token, removed []model.SegmentID, added SegmentRecord) error {
	if err := added.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.meta(logID)
	if token < m.token {
		return ErrStaleToken
	}
	for _, id := range removed {
		if _, ok := m.segments[id]; !ok {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, id)
		}
	}

	for _, id := range removed {
		delete(m.segments, id)
	}
	m.token = token
	m.segments[added.SegmentID] = added

	return nil
}

func (s *MemoryStore) ListSegments(_ context.Context, logID model.LogID) ([]SegmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.logs[logID]
	if !ok {
		return nil, nil
	}

	out := make([]SegmentRecord, 0, len(m.segments))
	for _, rec := range m.segments {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinOffset < out[j].MinOffset })

	return out, nil
}
