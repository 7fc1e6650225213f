package logstore

import (
	"errors"
	"fmt"

	"github.com/stratavec/strata/model"
)

var (
	// ErrCapacityExceeded is returned by Append when the unacknowledged
	// backlog exceeds the configured bound. Writers must back off; the
	// record was not assigned an offset.
	ErrCapacityExceeded = errors.New("logstore: append backlog capacity exceeded")

	// ErrClosed is returned when appending to a sealed, forked-away or
	// closed log.
	ErrClosed = errors.New("logstore: log is closed")

	// ErrNotYetDurable is returned by Read when the requested range
	// reaches past the durable frontier. The caller retries instead of
	// receiving a partial or garbled result.
	ErrNotYetDurable = errors.New("logstore: range not yet durable")

	// ErrTrimmed is returned by Read when the requested range starts
	// below the retained tail.
	ErrTrimmed = errors.New("logstore: range trimmed")

	// ErrCorruptFrame is returned when a persisted frame fails its
	// checksum during replay.
	ErrCorruptFrame = errors.New("logstore: corrupt frame")
)

// ErrUnknownLog reports an operation against a log id this store does
// not manage.
type ErrUnknownLog struct {
	LogID model.LogID
}

func (e *ErrUnknownLog) Error() string {
	return fmt.Sprintf("logstore: unknown log %s", e.LogID)
}
