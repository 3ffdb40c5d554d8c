package screenshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RefChecker answers whether a screenshot file is still referenced by an
// unpruned task artifact. The task store implements it.
type RefChecker interface {
	HasArtifactRef(ctx context.Context, filename string) (bool, error)
}

// Sweeper deletes aged screenshot files on a schedule. Two windows apply:
// transient captures go after transientAge; captures still referenced by a
// task survive until linkedAge.
type Sweeper struct {
	dir          string
	transientAge time.Duration
	linkedAge    time.Duration
	refs         RefChecker
	logger       *slog.Logger
}

// NewSweeper creates a retention sweeper. A nil RefChecker treats every
// file as transient.
func NewSweeper(dir string, transientAge, linkedAge time.Duration, refs RefChecker, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if linkedAge < transientAge {
		linkedAge = transientAge
	}
	return &Sweeper{
		dir:          dir,
		transientAge: transientAge,
		linkedAge:    linkedAge,
		refs:         refs,
		logger:       logger.With("component", "screenshot-sweeper"),
	}
}

// Sweep removes expired PNGs and reports how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read screenshots dir: %w", err)
	}

	now := time.Now()
	deleted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < s.transientAge {
			continue
		}
		if age < s.linkedAge && s.referenced(ctx, entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn("delete expired screenshot", "file", entry.Name(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("screenshot retention sweep", "deleted", deleted)
	}
	return deleted, nil
}

func (s *Sweeper) referenced(ctx context.Context, name string) bool {
	if s.refs == nil {
		return false
	}
	ok, err := s.refs.HasArtifactRef(ctx, name)
	if err != nil {
		s.logger.Warn("artifact reference lookup failed, keeping file", "file", name, "error", err)
		return true
	}
	return ok
}
