// Package minio provides a blobstore.Store backed by MinIO or any
// S3-compatible object storage.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/stratavec/strata/blobstore"
)

// Store implements blobstore.Store for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO blob store.
// rootPrefix is prepended to all keys (e.g. "segments/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(h blobstore.Hash) string {
	return path.Join(s.prefix, string(h))
}

// Put uploads data under its content address. Existing content is not
// rewritten.
func (s *Store) Put(ctx context.Context, data []byte) (blobstore.Hash, error) {
	h := blobstore.Sum(data)
	key := s.key(h)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return h, nil
	} else if !isNotFound(err) {
		return "", err
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", err
	}
	return h, nil
}

// Get downloads and verifies a blob.
func (s *Store) Get(ctx context.Context, h blobstore.Hash) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(h), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	if blobstore.Sum(data) != h {
		return nil, &blobstore.ErrCorrupt{Hash: h}
	}
	return data, nil
}

// Stat returns the size of a blob.
func (s *Store) Stat(ctx context.Context, h blobstore.Hash) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(h), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return 0, blobstore.ErrNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

// List returns the addresses of all blobs under the root prefix.
func (s *Store) List(ctx context.Context) ([]blobstore.Hash, error) {
	var hashes []blobstore.Hash
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		hashes = append(hashes, blobstore.Hash(path.Base(obj.Key)))
	}
	return hashes, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, h blobstore.Hash) error {
	return s.client.RemoveObject(ctx, s.bucket, s.key(h), minio.RemoveObjectOptions{})
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
