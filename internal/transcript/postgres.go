package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcription_segments (
    id           BIGSERIAL         PRIMARY KEY,
    session_id   TEXT              NOT NULL,
    channel_id   BIGINT            NOT NULL,
    astart       TIMESTAMPTZ       NOT NULL,
    start_s      DOUBLE PRECISION  NOT NULL,
    end_s        DOUBLE PRECISION  NOT NULL,
    text         TEXT              NOT NULL,
    lang         TEXT              NOT NULL DEFAULT '',
    locutor      TEXT              NOT NULL DEFAULT '',
    translations JSONB             NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcription_segments_channel
    ON transcription_segments (session_id, channel_id, astart, start_s);
`

// PostgresStore persists final segments and records channel stream status
// transitions. It shares the channel table with the postgres registry
// source; status updates for channels that are not in that table are no-ops.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store over pool. Call [PostgresStore.Migrate]
// before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the segment table. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddlSegments); err != nil {
		return fmt.Errorf("transcript store: migrate: %w", err)
	}
	return nil
}

// Deliver implements [Sink]. Partial segments are ignored.
func (s *PostgresStore) Deliver(ctx context.Context, d Delivery) error {
	if !d.Final {
		return nil
	}
	return s.WriteFinal(ctx, d.Key, d.Segment)
}

// WriteFinal stores one final segment.
func (s *PostgresStore) WriteFinal(ctx context.Context, key session.ChannelKey, seg asr.Segment) error {
	translations := seg.Translations
	if translations == nil {
		translations = map[string]string{}
	}
	tr, err := json.Marshal(translations)
	if err != nil {
		return fmt.Errorf("transcript store: encode translations: %w", err)
	}

	const q = `
		INSERT INTO transcription_segments
		    (session_id, channel_id, astart, start_s, end_s, text, lang, locutor, translations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, q,
		key.SessionID, key.ChannelID, seg.AStart, seg.Start, seg.End,
		seg.Text, seg.Lang, seg.Locutor, tr,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write segment %s: %w", key, err)
	}
	return nil
}

// SetStreamStatus records the ingest state of a channel.
func (s *PostgresStore) SetStreamStatus(ctx context.Context, key session.ChannelKey, status session.StreamStatus) error {
	const q = `
		UPDATE transcription_channels
		SET    stream_status = $3
		WHERE  session_id = $1 AND id = $2`

	if _, err := s.pool.Exec(ctx, q, key.SessionID, key.ChannelID, string(status)); err != nil {
		return fmt.Errorf("transcript store: set stream status %s: %w", key, err)
	}
	return nil
}

// Segments returns the stored final segments of a channel in stream order.
func (s *PostgresStore) Segments(ctx context.Context, key session.ChannelKey) ([]asr.Segment, error) {
	const q = `
		SELECT astart, start_s, end_s, text, lang, locutor, translations
		FROM   transcription_segments
		WHERE  session_id = $1 AND channel_id = $2
		ORDER  BY astart, start_s, id`

	rows, err := s.pool.Query(ctx, q, key.SessionID, key.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: query segments %s: %w", key, err)
	}
	defer rows.Close()

	segs := []asr.Segment{}
	for rows.Next() {
		var (
			seg asr.Segment
			tr  []byte
		)
		if err := rows.Scan(&seg.AStart, &seg.Start, &seg.End, &seg.Text, &seg.Lang, &seg.Locutor, &tr); err != nil {
			return nil, fmt.Errorf("transcript store: scan segment: %w", err)
		}
		if err := json.Unmarshal(tr, &seg.Translations); err != nil {
			return nil, fmt.Errorf("transcript store: decode translations: %w", err)
		}
		if len(seg.Translations) == 0 {
			seg.Translations = nil
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript store: iterate segments: %w", err)
	}
	return segs, nil
}

// Register mounts a read endpoint for stored segments on mux:
//
//	GET /v1/sessions/{session}/channels/{channel}/segments
func (s *PostgresStore) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{session}/channels/{channel}/segments", s.handleSegments)
}

func (s *PostgresStore) handleSegments(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.PathValue("channel"), 10, 64)
	if err != nil {
		http.Error(w, "channel must be an integer id", http.StatusBadRequest)
		return
	}
	key := session.ChannelKey{SessionID: r.PathValue("session"), ChannelID: channelID}
	segs, err := s.Segments(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"segments": segs})
}
