package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores one object under path, replacing any previous one.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader opens a stored object. A missing object is ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver moves finished orders out of the primary store into object
// storage and reads them back on demand.
type Archiver interface {
	ArchiveSettled(ctx context.Context, before time.Time) ([]OrderID, error)
	LoadArchived(ctx context.Context, id OrderID) (OrderView, error)
}
