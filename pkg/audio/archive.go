package audio

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Archive records raw PCM for a channel while it is live. Writes are
// buffered; Close flushes them. Archive is safe for concurrent use.
type Archive struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	written int64
	closed  bool
}

// NewArchive opens path for appending, creating missing parent directories.
// Appending keeps audio from an earlier connection that was never finalized.
func NewArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audio: create archive dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audio: open archive: %w", err)
	}
	return &Archive{path: path, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

// Write appends pcm.
func (a *Archive) Write(pcm []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, os.ErrClosed
	}
	n, err := a.w.Write(pcm)
	a.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("audio: write archive: %w", err)
	}
	return n, nil
}

// Written returns the number of bytes written through this Archive.
func (a *Archive) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Path returns the file the archive writes to.
func (a *Archive) Path() string { return a.path }

// Close flushes and closes the file. It is idempotent.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	ferr := a.w.Flush()
	cerr := a.f.Close()
	if ferr != nil {
		return fmt.Errorf("audio: flush archive: %w", ferr)
	}
	if cerr != nil {
		return fmt.Errorf("audio: close archive: %w", cerr)
	}
	return nil
}
