// Package blobstore provides content-addressed storage for immutable
// blobs: segment blocks, index graphs and segment manifests.
//
// A blob's name is the SHA-256 of its content, which makes writes
// idempotent and lets a segment merge reuse untouched blocks by
// reference instead of rewriting them. Backends exist for memory
// (tests), the local filesystem, Amazon S3 and MinIO.
package blobstore
