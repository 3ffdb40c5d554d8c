package artifacts

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultInlineLimit is the largest artifact content kept inline in task
// records. Anything bigger is offloaded to the blob store and replaced by
// its reference.
const DefaultInlineLimit = 64 * 1024

// Archiver decides whether artifact content stays inline or moves to the
// blob store.
type Archiver struct {
	store       Store
	inlineLimit int
	logger      *slog.Logger
}

// NewArchiver wraps store. A nil store disables offloading: content always
// stays inline regardless of size.
func NewArchiver(store Store, inlineLimit int, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	return &Archiver{
		store:       store,
		inlineLimit: inlineLimit,
		logger:      logger.With("component", "archiver"),
	}
}

// Archive returns the content to persist for an artifact: the content
// itself when it fits inline, otherwise the blob reference. Blob store
// failures keep the content inline rather than losing it.
func (a *Archiver) Archive(ctx context.Context, id, kind, content string) string {
	if a.store == nil || len(content) <= a.inlineLimit {
		return content
	}

	ref, err := a.store.Put(ctx, id, strings.NewReader(content), PutOptions{
		MimeType: mimeForKind(kind),
		Metadata: map[string]string{"kind": kind},
	})
	if err != nil {
		a.logger.Warn("blob offload failed, keeping content inline",
			"artifact_id", id, "kind", kind, "size", len(content), "error", err)
		return content
	}

	a.logger.Debug("artifact content offloaded",
		"artifact_id", id, "kind", kind, "size", len(content), "reference", ref)
	return ref
}

// IsReference reports whether persisted content is a blob reference rather
// than inline data.
func IsReference(content string) bool {
	return strings.HasPrefix(content, "file://") || strings.HasPrefix(content, "s3://")
}

func mimeForKind(kind string) string {
	switch kind {
	case "TEXT", "EXTRACTED_TEXT":
		return "text/plain"
	case "SCREENSHOT_URL":
		return "text/plain"
	case "JSON":
		return "application/json"
	default:
		return "text/plain"
	}
}
