package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no image exists under the given ref.
var ErrNotFound = errors.New("image not found")

// Storage holds receipt images. The pipeline only ever needs the raw
// bytes back by ref; the upload path stores them once.
type Storage interface {
	// Store persists image bytes and returns the ref to fetch them by.
	Store(ctx context.Context, data []byte, contentType string) (string, error)

	// Fetch returns the image bytes stored under ref.
	Fetch(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the image stored under ref.
	Delete(ctx context.Context, ref string) error
}
