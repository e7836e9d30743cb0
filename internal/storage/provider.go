// Package storage defines the blob store used for configuration backups.
// Implementations live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when no object exists at the path.
var ErrObjectNotFound = errors.New("storage: object not found")

// BlobStore writes and reads opaque objects by path.
type BlobStore interface {
	// PutObject stores data at path and returns a URI naming the object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns the bytes stored at path.
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// NoOpStore accepts writes and discards them.
type NoOpStore struct{}

// PutObject for NoOpStore does nothing and returns an empty URI.
func (NoOpStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}

// GetObject for NoOpStore always reports a missing object.
func (NoOpStore) GetObject(context.Context, string) ([]byte, error) {
	return nil, ErrObjectNotFound
}
