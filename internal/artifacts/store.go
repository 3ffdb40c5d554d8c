// Package artifacts stores artifact blobs that are too large to keep inline
// in task records. Content above the archiver threshold is written to a
// blob store (local disk or S3) and replaced by its reference.
package artifacts

import (
	"context"
	"io"
	"time"
)

// Store is the blob backend interface.
type Store interface {
	// Put stores the blob and returns a stable reference for it
	// (file://... or s3://...).
	Put(ctx context.Context, id string, data io.Reader, opts PutOptions) (string, error)

	// Get retrieves a blob by the id it was stored under.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, id string) (bool, error)

	Close() error
}

// PutOptions carries optional blob attributes.
type PutOptions struct {
	// MimeType selects the file extension locally and the ContentType on S3.
	MimeType string

	// TTL is advisory retention metadata.
	TTL time.Duration

	// Metadata rides along with the blob. The "kind" key selects the local
	// directory bucket.
	Metadata map[string]string
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	case "text/html":
		return ".html"
	case "application/json":
		return ".json"
	default:
		return ".dat"
	}
}
