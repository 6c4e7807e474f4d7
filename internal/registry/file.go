package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// FileSource polls a YAML or JSON session list. A snapshot is published on
// start and whenever the file content changes; edits that fail to decode are
// logged and the previous snapshot stays in effect.
type FileSource struct {
	path     string
	interval time.Duration
	sum      [sha256.Size]byte
}

// NewFileSource returns a source reading path every interval.
func NewFileSource(path string, interval time.Duration) *FileSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &FileSource{path: path, interval: interval}
}

// Run publishes snapshots until ctx is cancelled. It fails only if the
// initial load fails.
func (s *FileSource) Run(ctx context.Context, publish Publish) error {
	if _, err := s.load(publish); err != nil {
		return err
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if changed, err := s.load(publish); err != nil {
				slog.Warn("registry: keeping previous snapshot", "path", s.path, "err", err)
			} else if changed {
				slog.Info("registry: file reloaded", "path", s.path)
			}
		}
	}
}

func (s *FileSource) load(publish Publish) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("registry: read %q: %w", s.path, err)
	}
	// An empty read is usually a writer that truncated but has not written
	// yet. An intentionally empty registry is spelled "[]".
	if len(bytes.TrimSpace(data)) == 0 {
		return false, fmt.Errorf("registry: %q is empty", s.path)
	}
	sum := sha256.Sum256(data)
	if sum == s.sum {
		return false, nil
	}
	sessions, err := Decode(data)
	if err != nil {
		return false, fmt.Errorf("registry: %q: %w", s.path, err)
	}
	s.sum = sum
	publish(Live(sessions))
	return true, nil
}
