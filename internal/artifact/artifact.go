// Package artifact persists run artifacts (screenshots, recordings,
// reports) and hands back stable handles. Results reference artifacts
// by handle, never by embedded bytes, so a run record stays small no
// matter how many screens were captured.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
)

// Store is the persistence surface the pipeline writes artifacts to.
type Store interface {
	// Put stores data under key and returns a handle that identifies
	// the artifact in this store.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// URL renders a handle as something a report can link to.
	URL(handle string) string
}

// ScreenshotKey builds the canonical key for a step screenshot.
// phase is "before" or "after".
func ScreenshotKey(runID string, stepIndex, attempt int, phase string) string {
	return fmt.Sprintf("runs/%s/step-%02d-attempt-%d-%s.png", runID, stepIndex, attempt, phase)
}

// RecordingKey builds the canonical key for a run screen recording.
func RecordingKey(runID string) string {
	return fmt.Sprintf("runs/%s/recording.mp4", runID)
}

// DirStore writes artifacts under a local directory. Handles are
// filesystem paths.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at dir. The directory is created
// lazily on first Put.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

// Root returns the store's base directory.
func (s *DirStore) Root() string { return s.root }

// Put writes data to root/key, creating parent directories as needed.
func (s *DirStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	logging.ArtifactDebug("wrote %s (%d bytes)", path, len(data))
	return path, nil
}

// URL returns the handle unchanged; local paths are already linkable.
func (s *DirStore) URL(handle string) string { return handle }
