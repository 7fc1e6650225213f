package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Offset is the monotonic position of a record within a log.
// Offsets are strictly increasing with no gaps.
type Offset uint64

// LogID identifies a single append log (one collection shard).
type LogID string

// NewLogID returns a fresh random LogID.
func NewLogID() LogID {
	return LogID(uuid.NewString())
}

// SegmentID identifies an immutable sealed segment.
type SegmentID string

// NewSegmentID returns a fresh random SegmentID.
func NewSegmentID() SegmentID {
	return SegmentID(uuid.NewString())
}

// RecordID is the user-facing stable identifier of a record.
// It is stable across updates; the offset distinguishes versions.
type RecordID uint64

// RecordKind is the closed set of log record kinds.
// Switches over RecordKind in merge and compaction code must be
// exhaustive; Valid guards decode boundaries.
type RecordKind uint8

const (
	KindInsert RecordKind = 1
	KindUpdate RecordKind = 2
	KindDelete RecordKind = 3
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

func (k RecordKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// LogRecord is a single entry in a log.
//
// For KindDelete only ID is meaningful; Vector, Metadata and Document
// are empty.
type LogRecord struct {
	Offset    Offset
	Kind      RecordKind
	ID        RecordID
	Vector    []float32
	Metadata  map[string]string
	Document  []byte
	Timestamp int64 // Unix microseconds
}

// Now returns the current time in the LogRecord timestamp resolution.
func Now() int64 {
	return time.Now().UnixMicro()
}

// Candidate is a scored match produced by an index or a tail scan.
type Candidate struct {
	ID       RecordID
	Offset   Offset
	Distance float32
}

// Less orders candidates ascending by distance, tie-broken by lowest
// offset so that merged results are deterministic.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.Offset < o.Offset
}
