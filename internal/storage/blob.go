package storage

import (
	"context"
	"io"
)

// BlobStore keeps opaque objects by key. Put returns a URI that can be
// stored alongside the record referencing the object.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
