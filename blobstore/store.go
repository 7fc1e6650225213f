package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("blob not found")
)

// ErrCorrupt reports that a blob's content no longer matches its
// content address. It is fatal for whatever artifact the blob backs.
type ErrCorrupt struct {
	Hash Hash
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("blob %s: content does not match address", e.Hash)
}

// Hash is the content address of a blob: the hex-encoded SHA-256 of
// its content. Identical content always yields an identical Hash.
type Hash string

// Sum computes the content address of data.
func Sum(data []byte) Hash {
	h := sha256.Sum256(data)
	return Hash(hex.EncodeToString(h[:]))
}

// Store is the durable blob collaborator: content-addressed,
// write-once, immutable blobs.
//
// Put is idempotent: writing content that already exists returns the
// existing address. Get verifies content against the address and
// returns *ErrCorrupt on mismatch rather than garbled bytes.
type Store interface {
	Put(ctx context.Context, data []byte) (Hash, error)
	Get(ctx context.Context, h Hash) ([]byte, error)
	Stat(ctx context.Context, h Hash) (int64, error)
	List(ctx context.Context) ([]Hash, error)
	Delete(ctx context.Context, h Hash) error
}
