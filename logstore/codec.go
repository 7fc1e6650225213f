package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/stratavec/strata/model"
)

// Frame layout:
//
//	[Checksum: 8 bytes xxhash64 of payload] [Length: 4 bytes] [Payload: Length bytes]
//
// Payload:
//
//	[Kind: 1] [Offset: 8] [ID: 8] [Timestamp: 8]
//	[Dim: 4] [Vector: Dim*4]
//	[MetaCount: 2] MetaCount * ([KLen: 2] [K] [VLen: 4] [V])
//	[DocLen: 4] [Document]
const frameHeaderSize = 12

// maxFrameSize bounds a single decoded frame. Guards replay against a
// corrupted length field allocating unbounded memory.
const maxFrameSize = 64 << 20

// EncodeRecord appends the framed wire form of rec to dst and returns
// the extended slice.
func EncodeRecord(dst []byte, rec *model.LogRecord) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)
	payloadStart := len(dst)

	dst = append(dst, byte(rec.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(rec.Offset))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(rec.ID))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(rec.Timestamp))

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Vector)))
	for _, v := range rec.Vector {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}

	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(rec.Metadata)))
	for k, v := range rec.Metadata {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(k)))
		dst = append(dst, k...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v)))
		dst = append(dst, v...)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Document)))
	dst = append(dst, rec.Document...)

	payload := dst[payloadStart:]
	binary.LittleEndian.PutUint64(dst[start:], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint32(dst[start+8:], uint32(len(payload)))
	return dst
}

// DecodeFrame reads one frame from r. It returns io.EOF at a clean
// frame boundary and io.ErrUnexpectedEOF on a torn frame; a checksum
// mismatch yields ErrCorruptFrame.
func DecodeFrame(r io.Reader) (*model.LogRecord, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	want := binary.LittleEndian.Uint64(header[:8])
	length := binary.LittleEndian.Uint32(header[8:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrCorruptFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if xxhash.Sum64(payload) != want {
		return nil, ErrCorruptFrame
	}
	return decodePayload(payload)
}

func decodePayload(p []byte) (*model.LogRecord, error) {
	d := &payloadDecoder{buf: p}

	rec := &model.LogRecord{}
	kind := model.RecordKind(d.u8())
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid record kind %d", ErrCorruptFrame, kind)
	}
	rec.Kind = kind
	rec.Offset = model.Offset(d.u64())
	rec.ID = model.RecordID(d.u64())
	rec.Timestamp = int64(d.u64())

	dim := int(d.u32())
	if dim > 0 {
		rec.Vector = make([]float32, dim)
		for i := range rec.Vector {
			rec.Vector[i] = math.Float32frombits(d.u32())
		}
	}

	metaCount := int(d.u16())
	if metaCount > 0 {
		rec.Metadata = make(map[string]string, metaCount)
		for i := 0; i < metaCount; i++ {
			k := string(d.bytes(int(d.u16())))
			v := string(d.bytes(int(d.u32())))
			rec.Metadata[k] = v
		}
	}

	if docLen := int(d.u32()); docLen > 0 {
		rec.Document = append([]byte(nil), d.bytes(docLen)...)
	}

	if d.err {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorruptFrame)
	}
	return rec, nil
}

type payloadDecoder struct {
	buf []byte
	err bool
}

func (d *payloadDecoder) bytes(n int) []byte {
	if d.err || n < 0 || n > len(d.buf) {
		d.err = true
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *payloadDecoder) u8() uint8 {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *payloadDecoder) u16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *payloadDecoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *payloadDecoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
