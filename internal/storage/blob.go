// Package storage holds attachment bytes outside the database. The ingestion
// engine persists only the key and hash a store returns.
package storage

import (
	"context"
	"io"
)

// PutResult describes where a blob landed.
type PutResult struct {
	// Location is the storage key to persist; it is sufficient to retrieve
	// the blob from the same store later.
	Location string
	// SHA256Hex is the content hash, hex-encoded.
	SHA256Hex string
	// Size is the number of bytes written.
	Size int64
}

// BlobStore stores raw attachment bytes under a caller-generated key.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (*PutResult, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}
