package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/stratavec/strata/model"
)

// Row is one record version inside a block. Rows within a block are
// sorted ascending by ID; a segment holds at most one row per ID.
type Row struct {
	ID        model.RecordID
	Offset    model.Offset
	Timestamp int64
	Vector    []float32
	Metadata  map[string]string
	Document  []byte
}

// ErrCorruptBlock reports a block whose content failed its integrity
// check. Fatal for the owning segment; never silently ignored.
type ErrCorruptBlock struct {
	Hash string
}

func (e *ErrCorruptBlock) Error() string {
	return fmt.Sprintf("segment: corrupt block %s", e.Hash)
}

// Block layout:
//
//	[Checksum: 8 bytes xxhash64 of raw rows] [RawLen: 4 bytes] [LZ4 frame]
const blockHeaderSize = 12

// EncodeBlock serializes rows into a compressed, checksummed block.
// The caller guarantees rows are sorted ascending by ID.
func EncodeBlock(rows []Row) ([]byte, error) {
	raw := encodeRows(rows)

	var buf bytes.Buffer
	buf.Write(make([]byte, blockHeaderSize))

	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint64(out[0:8], xxhash.Sum64(raw))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(raw)))
	return out, nil
}

// DecodeBlock decompresses and verifies a block.
func DecodeBlock(data []byte, hash string) ([]Row, error) {
	if len(data) < blockHeaderSize {
		return nil, &ErrCorruptBlock{Hash: hash}
	}
	want := binary.LittleEndian.Uint64(data[0:8])
	rawLen := binary.LittleEndian.Uint32(data[8:12])

	zr := lz4.NewReader(bytes.NewReader(data[blockHeaderSize:]))
	raw := make([]byte, rawLen)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, &ErrCorruptBlock{Hash: hash}
	}
	// Drain to EOF so the frame's end mark and checksum are verified;
	// otherwise tampering past the payload goes unnoticed.
	if _, err := zr.Read(make([]byte, 1)); err != io.EOF {
		return nil, &ErrCorruptBlock{Hash: hash}
	}
	if xxhash.Sum64(raw) != want {
		return nil, &ErrCorruptBlock{Hash: hash}
	}

	rows, err := decodeRows(raw)
	if err != nil {
		return nil, &ErrCorruptBlock{Hash: hash}
	}
	return rows, nil
}

func encodeRows(rows []Row) []byte {
	var dst []byte
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rows)))
	for i := range rows {
		r := &rows[i]
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.ID))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.Offset))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.Timestamp))

		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Vector)))
		for _, v := range r.Vector {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}

		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(r.Metadata)))
		for k, v := range r.Metadata {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(len(k)))
			dst = append(dst, k...)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v)))
			dst = append(dst, v...)
		}

		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Document)))
		dst = append(dst, r.Document...)
	}
	return dst
}

func decodeRows(raw []byte) ([]Row, error) {
	d := &rowDecoder{buf: raw}

	count := int(d.u32())
	rows := make([]Row, 0, count)
	for i := 0; i < count; i++ {
		var r Row
		r.ID = model.RecordID(d.u64())
		r.Offset = model.Offset(d.u64())
		r.Timestamp = int64(d.u64())

		if dim := int(d.u32()); dim > 0 {
			r.Vector = make([]float32, dim)
			for j := range r.Vector {
				r.Vector[j] = math.Float32frombits(d.u32())
			}
		}

		if metaCount := int(d.u16()); metaCount > 0 {
			r.Metadata = make(map[string]string, metaCount)
			for j := 0; j < metaCount; j++ {
				k := string(d.bytes(int(d.u16())))
				v := string(d.bytes(int(d.u32())))
				r.Metadata[k] = v
			}
		}

		if docLen := int(d.u32()); docLen > 0 {
			r.Document = append([]byte(nil), d.bytes(docLen)...)
		}

		if d.err {
			return nil, fmt.Errorf("segment: truncated row data")
		}
		rows = append(rows, r)
	}
	return rows, nil
}

type rowDecoder struct {
	buf []byte
	err bool
}

func (d *rowDecoder) bytes(n int) []byte {
	if d.err || n < 0 || n > len(d.buf) {
		d.err = true
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *rowDecoder) u16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *rowDecoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *rowDecoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
