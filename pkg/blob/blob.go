// Package blob provides checkpoint and milestone asset storage with
// public-read URLs. The filesystem backend serves assets through the HTTP
// server's static route; the in-memory backend backs tests.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Object describes one stored blob.
type Object struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
	URL        string    `json:"url"`
}

// Store is the blob storage interface.
type Store interface {
	// Put stores data under path and returns its public URL.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Get retrieves the stored bytes.
	Get(ctx context.Context, path string) ([]byte, error)

	// List enumerates objects under the prefix, most recent first.
	List(ctx context.Context, prefix string) ([]Object, error)
}
