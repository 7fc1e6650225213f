package logstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/stratavec/strata/model"
)

// Sink is the durable persistence collaborator of a log. Persist
// returns only once every frame in the batch is durable; a successful
// return is the system's durability acknowledgement.
type Sink interface {
	Persist(frames [][]byte) error
	Close() error
}

// Replayable is implemented by sinks that can reproduce their frames
// after a restart.
type Replayable interface {
	Replay(fn func(rec *model.LogRecord) error) error
}

// SinkFactory builds a sink for a log. The default factory returns an
// in-memory sink; production deployments hand the store a file- or
// service-backed factory.
type SinkFactory func(id model.LogID) (Sink, error)

// MemorySink keeps acknowledged frames in memory. Used in tests and as
// the default sink; durability is the acknowledgement protocol, not
// crash safety.
type MemorySink struct {
	mu     sync.Mutex
	frames [][]byte

	// PersistHook, when set, runs inside Persist before acknowledging.
	// Tests use it to inject latency and failures.
	PersistHook func(frames [][]byte) error
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Persist(frames [][]byte) error {
	if s.PersistHook != nil {
		if err := s.PersistHook(frames); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.frames = append(s.frames, append([]byte(nil), f...))
	}
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Replay decodes every acknowledged frame in order.
func (s *MemorySink) Replay(fn func(rec *model.LogRecord) error) error {
	s.mu.Lock()
	frames := make([][]byte, len(s.frames))
	copy(frames, s.frames)
	s.mu.Unlock()

	for _, f := range frames {
		rec, err := DecodeFrame(bytes.NewReader(f))
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

const (
	fileSinkMagic      = "STRATALG" // 8 bytes
	fileSinkVersion    = 1
	fileSinkHeaderSize = 12
)

var (
	ErrInvalidSinkHeader       = errors.New("logstore: invalid sink file header")
	ErrIncompatibleSinkVersion = errors.New("logstore: incompatible sink file version")
)

// FileSink appends frames to a single file and fsyncs per persisted
// batch. Group commit amortizes the fsync across every appender waiting
// on the batch.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// OpenFileSink opens or creates a file sink at path.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		header := make([]byte, fileSinkHeaderSize)
		copy(header[0:8], fileSinkMagic)
		binary.LittleEndian.PutUint32(header[8:12], fileSinkVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if stat.Size() < fileSinkHeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrInvalidSinkHeader, stat.Size())
		}
		header := make([]byte, fileSinkHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if string(header[0:8]) != fileSinkMagic {
			f.Close()
			return nil, fmt.Errorf("%w: magic %q", ErrInvalidSinkHeader, header[0:8])
		}
		if ver := binary.LittleEndian.Uint32(header[8:12]); ver != fileSinkVersion {
			f.Close()
			return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleSinkVersion, ver, fileSinkVersion)
		}
	}

	return &FileSink{
		f:    f,
		w:    bufio.NewWriter(f),
		path: path,
	}, nil
}

func (s *FileSink) Persist(frames [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, frame := range frames {
		if _, err := s.w.Write(frame); err != nil {
			return err
		}
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Replay decodes frames from the start of the file. A torn final frame
// (crash mid-write) ends replay cleanly; a checksum mismatch inside the
// durable region surfaces as ErrCorruptFrame.
func (s *FileSink) Replay(fn func(rec *model.LogRecord) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(fileSinkHeaderSize, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		rec, err := DecodeFrame(r)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return nil // torn tail frame, not yet acknowledged
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
