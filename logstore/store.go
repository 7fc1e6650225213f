package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stratavec/strata/model"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	// SinkFactory builds the durable sink for each log. Defaults to
	// in-memory sinks.
	SinkFactory SinkFactory

	// Logger receives structured log output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Store manages the append logs of one node, keyed by LogID.
type Store struct {
	cfg     Config
	newSink SinkFactory
	logger  *slog.Logger

	mu   sync.RWMutex
	logs map[model.LogID]*Log
}

// NewStore creates a log store.
func NewStore(cfg Config, optFns ...func(*StoreOptions)) *Store {
	opts := StoreOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SinkFactory == nil {
		opts.SinkFactory = func(model.LogID) (Sink, error) {
			return NewMemorySink(), nil
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		cfg:     cfg,
		newSink: opts.SinkFactory,
		logger:  opts.Logger,
		logs:    make(map[model.LogID]*Log),
	}
}

// Create creates a new empty log and returns its id.
func (s *Store) Create(ctx context.Context) (model.LogID, error) {
	id := model.NewLogID()
	if _, err := s.open(ctx, id, 0, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Open creates a log with a known id, replaying the sink's durable
// frames if the sink supports replay. Used on restart.
func (s *Store) Open(ctx context.Context, id model.LogID) (*Log, error) {
	s.mu.RLock()
	if l, ok := s.logs[id]; ok {
		s.mu.RUnlock()
		return l, nil
	}
	s.mu.RUnlock()
	return s.open(ctx, id, 0, nil)
}

func (s *Store) open(_ context.Context, id model.LogID, start model.Offset, parent *Log) (*Log, error) {
	sink, err := s.newSink(id)
	if err != nil {
		return nil, fmt.Errorf("logstore: create sink for %s: %w", id, err)
	}

	l := newLog(id, s.cfg, sink, s.logger, start, parent)

	if replayable, ok := sink.(Replayable); ok && parent == nil {
		var recovered []model.LogRecord
		err := replayable.Replay(func(rec *model.LogRecord) error {
			recovered = append(recovered, *rec)
			return nil
		})
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("logstore: replay %s: %w", id, err)
		}
		replayed := len(recovered)
		if replayed > 0 {
			next := recovered[replayed-1].Offset + 1
			l.mu.Lock()
			l.tail = recovered
			l.next = next
			l.durable = next
			l.mu.Unlock()
			s.logger.Info("log recovered",
				"log_id", string(id),
				"records_replayed", replayed,
				"next_offset", uint64(next),
			)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.logs[id]; ok {
		_ = l.Close()
		return existing, nil
	}
	s.logs[id] = l
	return l, nil
}

// Get returns the log with the given id.
func (s *Store) Get(id model.LogID) (*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[id]
	if !ok {
		return nil, &ErrUnknownLog{LogID: id}
	}
	return l, nil
}

// IDs returns the ids of all managed logs.
func (s *Store) IDs() []model.LogID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]model.LogID, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	return ids
}

// Fork creates a new log whose first offset aliases the parent's
// offset at. The parent becomes read-only; reads below at on the child
// resolve through the parent.
func (s *Store) Fork(ctx context.Context, parentID model.LogID, at model.Offset) (model.LogID, error) {
	parent, err := s.Get(parentID)
	if err != nil {
		return "", err
	}

	parent.mu.Lock()
	if at > parent.next {
		next := parent.next
		parent.mu.Unlock()
		return "", fmt.Errorf("logstore: fork offset %d beyond head %d", at, next)
	}
	parent.sealed = true
	parent.mu.Unlock()

	id := model.NewLogID()
	if _, err := s.open(ctx, id, at, parent); err != nil {
		return "", err
	}

	s.logger.Info("log forked",
		"parent_log_id", string(parentID),
		"log_id", string(id),
		"fork_offset", uint64(at),
	)
	return id, nil
}

// Close closes every managed log.
func (s *Store) Close() error {
	s.mu.Lock()
	logs := make([]*Log, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	s.logs = make(map[model.LogID]*Log)
	s.mu.Unlock()

	var firstErr error
	for _, l := range logs {
		if err := l.Close(); err != nil && err != ErrClosed && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
