package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamscribe/internal/registry"
	"github.com/MrWong99/streamscribe/internal/session"
)

const yamlList = `
- id: s1
  status: active
  autoStart: true
  scheduleOn: 2026-05-01T09:00:00Z
  channels:
    - id: 2
      keepAudio: true
      transcriberProfile:
        type: realtime
        protocol: vllm
        endpoint: ws://asr:8000
        languages: [de, en]
    - id: 1
`

const jsonDoc = `{
  "sessions": [
    {"id": "s1", "status": "ready", "endOn": "2026-05-01T10:00:00Z", "autoEnd": true,
     "channels": [{"id": 7, "translations": ["en"], "transcriberProfile": {"type": "deepgram", "apiKey": "k"}}]},
    {"id": "gone", "status": "terminated", "channels": []}
  ]
}`

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("yaml list", func(t *testing.T) {
		t.Parallel()
		got, err := registry.Decode([]byte(yamlList))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(got) != 1 || got[0].ID != "s1" || len(got[0].Channels) != 2 {
			t.Fatalf("sessions = %+v", got)
		}
		s := got[0]
		if s.ScheduleOn == nil || !s.ScheduleOn.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)) {
			t.Errorf("scheduleOn = %v", s.ScheduleOn)
		}
		p := s.Channels[0].TranscriberProfile
		if p.Type != "realtime" || p.Protocol != "vllm" || len(p.Languages) != 2 {
			t.Errorf("profile = %+v", p)
		}
	})

	t.Run("json object", func(t *testing.T) {
		t.Parallel()
		got, err := registry.Decode([]byte(jsonDoc))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d sessions, want 2", len(got))
		}
		if got[0].EndOn == nil || got[0].Channels[0].Translations[0] != "en" {
			t.Errorf("session = %+v", got[0])
		}
		live := registry.Live(got)
		if len(live) != 1 || live[0].ID != "s1" {
			t.Errorf("Live = %+v, want only s1", live)
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		got, err := registry.Decode([]byte("  \n"))
		if err != nil || len(got) != 0 {
			t.Errorf("Decode(empty) = %v, %v", got, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		if _, err := registry.Decode([]byte("- id: [unclosed")); err == nil {
			t.Error("Decode accepted malformed yaml")
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sessions []session.Session
		want     string
	}{
		{"missing id", []session.Session{{}}, "id is required"},
		{"duplicate id", []session.Session{{ID: "a"}, {ID: "a"}}, "duplicate of sessions[0]"},
		{"bad status", []session.Session{{ID: "a", Status: "paused"}}, "status"},
		{"autoStart without schedule", []session.Session{{ID: "a", AutoStart: true}}, "scheduleOn"},
		{"autoEnd without end", []session.Session{{ID: "a", AutoEnd: true}}, "endOn"},
		{
			"duplicate channel",
			[]session.Session{{ID: "a", Channels: []session.Channel{{ID: 1}, {ID: 1}}}},
			"duplicate channel id 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := registry.Validate(tt.sessions)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
	if err := registry.Validate([]session.Session{{ID: "ok", Channels: []session.Channel{{ID: 1}, {ID: 2}}}}); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
}

// collector records published snapshots.
type collector struct {
	mu   sync.Mutex
	got  [][]session.Session
	seen chan struct{}
}

func newCollector() *collector { return &collector{seen: make(chan struct{}, 16)} }

func (c *collector) publish(s []session.Session) {
	c.mu.Lock()
	c.got = append(c.got, s)
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) wait(t *testing.T) []session.Session {
	t.Helper()
	select {
	case <-c.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[len(c.got)-1]
}

func TestFileSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	if err := os.WriteFile(path, []byte(yamlList), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	src := registry.NewFileSource(path, 20*time.Millisecond)
	errc := make(chan error, 1)
	go func() { errc <- src.Run(ctx, c.publish) }()

	if first := c.wait(t); len(first) != 1 || first[0].ID != "s1" {
		t.Fatalf("initial snapshot = %+v", first)
	}

	// A broken edit keeps the previous snapshot.
	if err := os.WriteFile(path, []byte("- id: s1\n- id: s1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case <-c.seen:
		t.Fatal("invalid file was published")
	default:
	}

	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if next := c.wait(t); len(next) != 1 || next[0].Channels[0].ID != 7 {
		t.Fatalf("reloaded snapshot = %+v, want terminated session dropped", next)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	t.Parallel()
	src := registry.NewFileSource(filepath.Join(t.TempDir(), "none.yaml"), time.Second)
	if err := src.Run(context.Background(), func([]session.Session) {}); err == nil {
		t.Fatal("Run succeeded without a registry file")
	}
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()
	src := registry.NewHTTPSource()
	mux := http.NewServeMux()
	src.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	put := func(body string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/registry", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := put(`[]`); code != http.StatusServiceUnavailable {
		t.Errorf("PUT before Run = %d, want 503", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	go func() { _ = src.Run(ctx, c.publish) }()
	// Wait until Run has installed the publisher.
	deadline := time.Now().Add(2 * time.Second)
	for put(`[]`) == http.StatusServiceUnavailable {
		if time.Now().After(deadline) {
			t.Fatal("HTTP source never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.wait(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid document", jsonDoc, http.StatusNoContent},
		{"yaml is rejected", yamlList, http.StatusBadRequest},
		{"invalid sessions", `[{"id":""}]`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if code := put(tt.body); code != tt.want {
			t.Errorf("%s: PUT = %d, want %d", tt.name, code, tt.want)
		}
	}
	if got := c.wait(t); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("published = %+v", got)
	}

	resp, err := http.Get(srv.URL + "/v1/registry")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("GET = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}
