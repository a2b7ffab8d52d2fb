package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// Event represents a recorded session timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is one dictation session from the first start to the final stop.
type Session struct {
	ID          string
	Recognizer  string
	RestartMode string
	CreatedAt   time.Time
}

// Transcript is a saved copy of the accumulated text.
type Transcript struct {
	ID        int64
	SessionID string
	Path      string
	Text      string
	Words     int
	Chars     int
	CreatedAt time.Time
}

// Store wraps a SQLite-backed session journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the recorder goroutine and HTTP readers share it
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    recognizer TEXT,
    restart_mode TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    path TEXT,
    body TEXT NOT NULL,
    words INTEGER,
    chars INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, recognizer, restart_mode, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET recognizer=excluded.recognizer, restart_mode=excluded.restart_mode`,
		sess.ID, sess.Recognizer, sess.RestartMode, sess.CreatedAt)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created any
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTimestamp(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveTranscript records a saved transcript and returns its row id.
func (s *Store) SaveTranscript(ctx context.Context, t Transcript) (int64, error) {
	if s.disabled() {
		return 0, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, path, body, words, chars, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Path, t.Text, t.Words, t.Chars, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTranscripts returns up to limit saved transcripts, newest first.
func (s *Store) ListTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, body, words, chars, created_at
		 FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		var sessionID, path sql.NullString
		var created any
		if err := rows.Scan(&t.ID, &sessionID, &path, &t.Text, &t.Words, &t.Chars, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTimestamp(created)
		t.SessionID = sessionID.String
		t.Path = path.String
		out = append(out, t)
	}
	return out, rows.Err()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts the driver's time value or any of the text forms
// SQLite may hand back for a TIMESTAMP column.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return parseTimestamp(string(t))
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		for _, stmt := range []string{
			`DELETE FROM events WHERE created_at < ?`,
			`DELETE FROM sessions WHERE created_at < ?`,
			`DELETE FROM transcripts WHERE created_at < ?`,
		} {
			if _, err = tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
