package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/streamscribe/internal/session"
)

const maxSnapshotBytes = 8 << 20

// HTTPSource accepts snapshots over HTTP:
//
//	PUT /v1/registry   replace the registry (JSON list or {"sessions": [...]})
//	GET /v1/registry   return the current snapshot
//
// Mount it with [HTTPSource.Register]. Pushes are rejected with 503 until
// [HTTPSource.Run] is active.
type HTTPSource struct {
	mu      sync.Mutex
	publish Publish
	current []session.Session
}

// NewHTTPSource returns an idle HTTP source.
func NewHTTPSource() *HTTPSource { return &HTTPSource{} }

// Run accepts pushes until ctx is cancelled.
func (s *HTTPSource) Run(ctx context.Context, publish Publish) error {
	s.mu.Lock()
	s.publish = publish
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.publish = nil
	s.mu.Unlock()
	return nil
}

// Register mounts the registry endpoints on mux.
func (s *HTTPSource) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/registry", s.handlePut)
	mux.HandleFunc("GET /v1/registry", s.handleGet)
}

func (s *HTTPSource) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes+1))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxSnapshotBytes {
		http.Error(w, "snapshot too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(data) {
		http.Error(w, "body is not valid JSON", http.StatusBadRequest)
		return
	}
	sessions, err := Decode(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	live := Live(sessions)

	// Held across publish so that concurrent pushes apply in order.
	s.mu.Lock()
	if s.publish == nil {
		s.mu.Unlock()
		http.Error(w, "registry not running", http.StatusServiceUnavailable)
		return
	}
	s.current = live
	s.publish(live)
	s.mu.Unlock()

	slog.Info("registry: snapshot pushed", "sessions", len(live), "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPSource) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := document{Sessions: s.current}
	s.mu.Unlock()
	if doc.Sessions == nil {
		doc.Sessions = []session.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
