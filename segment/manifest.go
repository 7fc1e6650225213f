package segment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/model"
)

// CurrentManifestVersion is the version of the manifest format.
const CurrentManifestVersion = 1

var ErrIncompatibleManifest = errors.New("segment: incompatible manifest version")

// BlockMeta describes a single block: its content address and the key
// range it covers. Block ranges within a manifest are sorted by MinID
// and do not overlap, enabling binary-search dispatch.
type BlockMeta struct {
	Hash  blobstore.Hash `json:"hash"`
	MinID model.RecordID `json:"min_id"`
	MaxID model.RecordID `json:"max_id"`
	Rows  uint32         `json:"rows"`
}

// Manifest is the self-describing descriptor of a sealed segment. It
// carries everything needed to reconstruct the segment from blob
// storage alone.
type Manifest struct {
	Version   int             `json:"version"`
	SegmentID model.SegmentID `json:"segment_id"`
	LogID     model.LogID     `json:"log_id"`

	// Covered offset range [MinOffset, MaxOffset).
	MinOffset model.Offset `json:"min_offset"`
	MaxOffset model.Offset `json:"max_offset"`

	Dim    int    `json:"dim"`
	Metric string `json:"metric"`

	Blocks    []BlockMeta    `json:"blocks"`
	IndexHash blobstore.Hash `json:"index_hash"`

	// Tombstones is the serialized roaring bitmap of soft-deleted
	// record ids. Entries stay in blocks and index until a full merge.
	Tombstones []byte `json:"tombstones,omitempty"`

	RowCount  uint32    `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

// TombstoneBitmap deserializes the tombstone set. Returns an empty
// bitmap when the segment has no deletes.
func (m *Manifest) TombstoneBitmap() (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	if len(m.Tombstones) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(m.Tombstones); err != nil {
		return nil, fmt.Errorf("segment: decode tombstones: %w", err)
	}
	return bm, nil
}

// Encode serializes the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	m.Version = CurrentManifestVersion
	return json.Marshal(m)
}

// DecodeManifest parses and validates a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("segment: decode manifest: %w", err)
	}
	if m.Version != CurrentManifestVersion {
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrIncompatibleManifest, m.Version, CurrentManifestVersion)
	}
	return m, nil
}

// SaveManifest writes the manifest to blob storage and returns its
// content address.
func SaveManifest(ctx context.Context, store blobstore.Store, m *Manifest) (blobstore.Hash, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	return store.Put(ctx, data)
}

// LoadManifest fetches and parses a manifest by address.
func LoadManifest(ctx context.Context, store blobstore.Store, h blobstore.Hash) (*Manifest, error) {
	data, err := store.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}
