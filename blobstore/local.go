package blobstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// localTrailerSize is the xxhash64 integrity trailer appended to every
// blob file. The trailer catches bit rot cheaply on open; the SHA-256
// address check still runs on Get.
const localTrailerSize = 8

// LocalStore implements Store using the local file system.
// Blobs live under root, fanned out by the first two hex characters of
// the address. Writes go through a temp file plus rename so a crash
// never leaves a partial blob at its final path.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(h Hash) string {
	name := string(h)
	if len(name) < 2 {
		return filepath.Join(s.root, name)
	}
	return filepath.Join(s.root, name[:2], name)
}

// Put stores data under its content address.
func (s *LocalStore) Put(_ context.Context, data []byte) (Hash, error) {
	h := Sum(data)
	path := s.path(h)

	if _, err := os.Stat(path); err == nil {
		return h, nil // Write-once: content already present
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "blob-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	trailer := make([]byte, localTrailerSize)
	binary.LittleEndian.PutUint64(trailer, xxhash.Sum64(data))

	if _, err := tmp.Write(data); err != nil {
		return "", err
	}
	if _, err := tmp.Write(trailer); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return "", err
	}
	tmp = nil

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return h, nil
}

// Get reads and verifies a blob.
func (s *LocalStore) Get(_ context.Context, h Hash) ([]byte, error) {
	raw, err := os.ReadFile(s.path(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(raw) < localTrailerSize {
		return nil, &ErrCorrupt{Hash: h}
	}

	data := raw[:len(raw)-localTrailerSize]
	want := binary.LittleEndian.Uint64(raw[len(raw)-localTrailerSize:])
	if xxhash.Sum64(data) != want || Sum(data) != h {
		return nil, &ErrCorrupt{Hash: h}
	}
	return data, nil
}

// Stat returns the content size of a blob.
func (s *LocalStore) Stat(_ context.Context, h Hash) (int64, error) {
	fi, err := os.Stat(s.path(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if fi.Size() < localTrailerSize {
		return 0, &ErrCorrupt{Hash: h}
	}
	return fi.Size() - localTrailerSize, nil
}

// List walks the store and returns every blob address.
func (s *LocalStore) List(_ context.Context) ([]Hash, error) {
	var hashes []Hash
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) == ".tmp" {
			return nil
		}
		hashes = append(hashes, Hash(name))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return hashes, nil
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, h Hash) error {
	err := os.Remove(s.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
