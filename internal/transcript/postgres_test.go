package transcript_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/internal/transcript"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("STREAMSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMSCRIBE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store := transcript.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate is not idempotent: %v", err)
	}
	key := session.ChannelKey{SessionID: "store-test-" + time.Now().Format("150405.000000"), ChannelID: 3}
	astart := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	if err := store.Deliver(ctx, transcript.Delivery{Key: key, Segment: asr.Segment{Text: "partial"}}); err != nil {
		t.Fatalf("Deliver(partial): %v", err)
	}
	for i, text := range []string{"first", "second"} {
		seg := asr.Segment{AStart: astart, Text: text, Start: float64(i), End: float64(i) + 0.5, Lang: "en"}
		if i == 1 {
			seg.Translations = map[string]string{"de": "zweite"}
		}
		if err := store.Deliver(ctx, transcript.Delivery{Key: key, Segment: seg, Final: true}); err != nil {
			t.Fatalf("Deliver(final): %v", err)
		}
	}

	segs, err := store.Segments(ctx, key)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 || segs[0].Text != "first" || segs[1].Translations["de"] != "zweite" {
		t.Fatalf("Segments = %+v", segs)
	}
	if segs[0].Translations != nil || !segs[0].AStart.Equal(astart) {
		t.Errorf("first segment = %+v", segs[0])
	}

	// Unknown channels are not an error.
	if err := store.SetStreamStatus(ctx, key, session.StreamActive); err != nil {
		t.Errorf("SetStreamStatus: %v", err)
	}

	mux := http.NewServeMux()
	store.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/sessions/" + key.SessionID + "/channels/3/segments")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET segments = %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/v1/sessions/x/channels/abc/segments")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET with bad channel = %d, want 400", resp.StatusCode)
	}
}
