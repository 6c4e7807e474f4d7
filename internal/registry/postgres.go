package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/streamscribe/internal/session"
)

// Schema owned by the registry. The channel table also carries the stream
// status written by the segment store.
const ddlRegistry = `
CREATE TABLE IF NOT EXISTS transcription_sessions (
    id          TEXT         PRIMARY KEY,
    status      TEXT         NOT NULL DEFAULT 'ready',
    schedule_on TIMESTAMPTZ,
    end_on      TIMESTAMPTZ,
    auto_start  BOOLEAN      NOT NULL DEFAULT false,
    auto_end    BOOLEAN      NOT NULL DEFAULT false,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcription_channels (
    session_id              TEXT     NOT NULL REFERENCES transcription_sessions (id) ON DELETE CASCADE,
    id                      BIGINT   NOT NULL,
    stream_status           TEXT     NOT NULL DEFAULT 'inactive',
    keep_audio              BOOLEAN  NOT NULL DEFAULT false,
    compress_audio          BOOLEAN  NOT NULL DEFAULT false,
    diarization             BOOLEAN  NOT NULL DEFAULT false,
    enable_live_transcripts BOOLEAN  NOT NULL DEFAULT true,
    translations            TEXT[]   NOT NULL DEFAULT '{}',
    transcriber_profile     JSONB    NOT NULL DEFAULT '{}',
    PRIMARY KEY (session_id, id)
);

CREATE OR REPLACE FUNCTION streamscribe_notify_registry() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify(TG_ARGV[0], TG_TABLE_NAME);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

// PostgresSource reads the registry from PostgreSQL. It reloads every poll
// interval and immediately after a NOTIFY on its channel; triggers installed
// by [MigrateRegistry] send one on every change to the registry tables.
type PostgresSource struct {
	pool     *pgxpool.Pool
	interval time.Duration
	channel  string

	last []session.Session
}

// NewPostgresSource returns a source over pool. channel is the LISTEN channel.
func NewPostgresSource(pool *pgxpool.Pool, interval time.Duration, channel string) *PostgresSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PostgresSource{pool: pool, interval: interval, channel: channel}
}

// MigrateRegistry creates the registry tables and the notify triggers for
// channel. It is idempotent.
func MigrateRegistry(ctx context.Context, pool *pgxpool.Pool, channel string) error {
	if _, err := pool.Exec(ctx, ddlRegistry); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	arg := "'" + strings.ReplaceAll(channel, "'", "''") + "'"
	for _, table := range []string{"transcription_sessions", "transcription_channels"} {
		trigger := pgx.Identifier{table + "_notify"}.Sanitize()
		ddl := fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s ON %[2]s;
CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s
    FOR EACH STATEMENT EXECUTE FUNCTION streamscribe_notify_registry(%[3]s);`,
			trigger, pgx.Identifier{table}.Sanitize(), arg)
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("registry: migrate trigger on %s: %w", table, err)
		}
	}
	return nil
}

// Load reads every non-terminated session with its channels.
func (s *PostgresSource) Load(ctx context.Context) ([]session.Session, error) {
	const qSessions = `
		SELECT id, status, schedule_on, end_on, auto_start, auto_end
		FROM   transcription_sessions
		WHERE  status <> 'terminated'
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, qSessions)
	if err != nil {
		return nil, fmt.Errorf("registry: query sessions: %w", err)
	}
	var sessions []session.Session
	index := make(map[string]int)
	for rows.Next() {
		var (
			sess   session.Session
			status string
		)
		if err := rows.Scan(&sess.ID, &status, &sess.ScheduleOn, &sess.EndOn, &sess.AutoStart, &sess.AutoEnd); err != nil {
			rows.Close()
			return nil, fmt.Errorf("registry: scan session: %w", err)
		}
		sess.Status = session.Status(status)
		index[sess.ID] = len(sessions)
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate sessions: %w", err)
	}

	const qChannels = `
		SELECT c.session_id, c.id, c.stream_status, c.keep_audio, c.compress_audio,
		       c.diarization, c.enable_live_transcripts, c.translations, c.transcriber_profile
		FROM   transcription_channels c
		JOIN   transcription_sessions s ON s.id = c.session_id
		WHERE  s.status <> 'terminated'
		ORDER  BY c.session_id, c.id`

	rows, err = s.pool.Query(ctx, qChannels)
	if err != nil {
		return nil, fmt.Errorf("registry: query channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sessionID string
			ch        session.Channel
			status    string
			profile   []byte
		)
		if err := rows.Scan(&sessionID, &ch.ID, &status, &ch.KeepAudio, &ch.CompressAudio,
			&ch.Diarization, &ch.EnableLiveTranscripts, &ch.Translations, &profile); err != nil {
			return nil, fmt.Errorf("registry: scan channel: %w", err)
		}
		ch.StreamStatus = session.StreamStatus(status)
		if err := json.Unmarshal(profile, &ch.TranscriberProfile); err != nil {
			return nil, fmt.Errorf("registry: channel %s/%d: transcriber profile: %w", sessionID, ch.ID, err)
		}
		if i, ok := index[sessionID]; ok {
			sessions[i].Channels = append(sessions[i].Channels, ch)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate channels: %w", err)
	}
	return sessions, nil
}

// Run publishes snapshots until ctx is cancelled. It fails only if the
// initial load fails. Unchanged snapshots are not republished.
func (s *PostgresSource) Run(ctx context.Context, publish Publish) error {
	if err := s.reload(ctx, publish); err != nil {
		return err
	}

	notified := make(chan struct{}, 1)
	go s.listen(ctx, notified)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-notified:
		}
		if err := s.reload(ctx, publish); err != nil && ctx.Err() == nil {
			slog.Warn("registry: postgres reload failed", "err", err)
		}
	}
}

func (s *PostgresSource) reload(ctx context.Context, publish Publish) error {
	sessions, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	if s.last != nil && reflect.DeepEqual(sessions, s.last) {
		return nil
	}
	s.last = sessions
	publish(sessions)
	return nil
}

// listen holds a dedicated connection in LISTEN mode and signals notified
// for every notification. It reconnects after failures until ctx ends.
func (s *PostgresSource) listen(ctx context.Context, notified chan<- struct{}) {
	const retry = 2 * time.Second
	for ctx.Err() == nil {
		err := s.listenOnce(ctx, notified)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("registry: listen connection lost", "channel", s.channel, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (s *PostgresSource) listenOnce(ctx context.Context, notified chan<- struct{}) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	// A connection in LISTEN mode must not go back to the pool.
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		slog.Debug("registry: notification", "channel", n.Channel, "payload", n.Payload)
		select {
		case notified <- struct{}{}:
		default:
		}
	}
}
