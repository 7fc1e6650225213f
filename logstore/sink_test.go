package logstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratavec/strata/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")

	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	var frames [][]byte
	for i := 0; i < 5; i++ {
		frames = append(frames, EncodeRecord(nil, &model.LogRecord{
			Offset: model.Offset(i),
			Kind:   model.KindInsert,
			ID:     model.RecordID(i),
			Vector: []float32{float32(i)},
		}))
	}
	require.NoError(t, sink.Persist(frames[:3]))
	require.NoError(t, sink.Persist(frames[3:]))
	require.NoError(t, sink.Close())

	// Reopen and replay.
	sink, err = OpenFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	var replayed []model.Offset
	err = sink.Replay(func(rec *model.LogRecord) error {
		replayed = append(replayed, rec.Offset)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Offset{0, 1, 2, 3, 4}, replayed)
}

func TestFileSinkReplayTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")

	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	frame := EncodeRecord(nil, &model.LogRecord{
		Kind: model.KindInsert, ID: 1, Vector: []float32{1, 2},
	})
	require.NoError(t, sink.Persist([][]byte{frame}))
	require.NoError(t, sink.Close())

	// Simulate a crash mid-write of a second frame.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(frame[:len(frame)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sink, err = OpenFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	var count int
	err = sink.Replay(func(*model.LogRecord) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count, "torn tail frame must end replay cleanly")
}

func TestFileSinkCorruptFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")

	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	frame := EncodeRecord(nil, &model.LogRecord{
		Kind: model.KindInsert, ID: 1, Vector: []float32{1, 2},
	})
	require.NoError(t, sink.Persist([][]byte{frame}))
	require.NoError(t, sink.Close())

	// Flip a payload byte inside the durable region.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	sink, err = OpenFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	err = sink.Replay(func(*model.LogRecord) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestFileSinkHeaderValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	require.NoError(t, os.WriteFile(path, []byte("NOTALOGF\x01\x00\x00\x00"), 0o644))

	_, err := OpenFileSink(path)
	assert.ErrorIs(t, err, ErrInvalidSinkHeader)
}

func TestStoreRecoversFromFileSink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	factory := func(id model.LogID) (Sink, error) {
		return OpenFileSink(filepath.Join(dir, string(id)+".log"))
	}

	s := NewStore(DefaultConfig(), func(o *StoreOptions) {
		o.SinkFactory = factory
	})

	id, err := s.Create(ctx)
	require.NoError(t, err)
	l, err := s.Get(id)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, insertRecord(model.RecordID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// A fresh store recovers the log from its sink.
	s2 := NewStore(DefaultConfig(), func(o *StoreOptions) {
		o.SinkFactory = factory
	})
	defer s2.Close()

	l2, err := s2.Open(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Offset(20), l2.NextOffset())

	recs, err := l2.Read(ctx, 0, 20)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	assert.Equal(t, model.RecordID(19), recs[19].ID)
}
