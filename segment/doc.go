// Package segment implements the immutable compacted unit of the
// store: sorted, content-addressed blocks of record rows plus a
// self-describing manifest.
//
// A manifest lists block addresses with their key ranges, the covered
// offset range, the address of the segment's vector index and the
// serialized tombstone bitmap, so any reader can reconstruct the
// segment from blob storage alone. Blocks are content-addressed, which
// lets a merge reuse untouched blocks by reference instead of
// rewriting them.
package segment
