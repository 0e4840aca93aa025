// Package ledger records every narration render and its outcome in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// ErrNotFound is returned by Get for an unknown render id.
var ErrNotFound = errors.New("render not found")

// Status is a render's lifecycle state.
type Status string

// Render statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Render is one pipeline run.
type Render struct {
	ID              string            `json:"render_id"`
	Status          Status            `json:"status"`
	Streaming       bool              `json:"streaming"`
	Cloned          bool              `json:"cloned"`
	TextLength      int               `json:"text_length"`
	Chunks          int               `json:"chunks"`
	AudioURL        string            `json:"audio_url,omitempty"`
	DurationSeconds float64           `json:"duration"`
	SizeBytes       int               `json:"size"`
	Error           string            `json:"error,omitempty"`
	Integrity       *integrity.Report `json:"integrity,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Store is a SQLite-backed render ledger. A Store opened with an empty path
// is disabled: writes succeed without effect and Get reports ErrNotFound.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	log = logging.OrDiscard(log)
	if path == "" {
		log.Info("render ledger disabled")
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("render ledger opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS renders (
    render_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    streaming INTEGER NOT NULL DEFAULT 0,
    cloned INTEGER NOT NULL DEFAULT 0,
    text_length INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    audio_url TEXT,
    duration_seconds REAL NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    integrity TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_renders_created ON renders(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the store persists anything.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Record inserts r or updates the existing row with the same id.
// CreatedAt is preserved across updates.
func (s *Store) Record(ctx context.Context, r Render) error {
	if s.db == nil {
		return nil
	}
	if r.ID == "" {
		return errors.New("render id is required")
	}

	now := s.clock().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	var report sql.NullString
	if r.Integrity != nil {
		data, err := json.Marshal(r.Integrity)
		if err != nil {
			return fmt.Errorf("encode integrity report: %w", err)
		}
		report = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renders(render_id, status, streaming, cloned, text_length, chunks, audio_url,
		     duration_seconds, size_bytes, error, integrity, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(render_id) DO UPDATE SET
		     status=excluded.status,
		     streaming=excluded.streaming,
		     cloned=excluded.cloned,
		     text_length=excluded.text_length,
		     chunks=excluded.chunks,
		     audio_url=excluded.audio_url,
		     duration_seconds=excluded.duration_seconds,
		     size_bytes=excluded.size_bytes,
		     error=excluded.error,
		     integrity=COALESCE(excluded.integrity, renders.integrity),
		     updated_at=excluded.updated_at`,
		r.ID, string(r.Status), r.Streaming, r.Cloned, r.TextLength, r.Chunks, nullable(r.AudioURL),
		r.DurationSeconds, r.SizeBytes, nullable(r.Error), report,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record render %s: %w", r.ID, err)
	}
	return nil
}

// Get loads a render by id.
func (s *Store) Get(ctx context.Context, id string) (*Render, error) {
	if s.db == nil {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT render_id, status, streaming, cloned, text_length, chunks, audio_url,
		     duration_seconds, size_bytes, error, integrity, created_at, updated_at
		 FROM renders WHERE render_id = ?`, id)

	var (
		r                 Render
		status            string
		audioURL, errText sql.NullString
		report            sql.NullString
		created, updated  string
	)
	err := row.Scan(&r.ID, &status, &r.Streaming, &r.Cloned, &r.TextLength, &r.Chunks, &audioURL,
		&r.DurationSeconds, &r.SizeBytes, &errText, &report, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load render %s: %w", id, err)
	}

	r.Status = Status(status)
	r.AudioURL = audioURL.String
	r.Error = errText.String
	if report.Valid {
		var rep integrity.Report
		if err := json.Unmarshal([]byte(report.String), &rep); err != nil {
			s.log.Warn("stored integrity report is unreadable", "render_id", id, "error", err)
		} else {
			r.Integrity = &rep
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		r.UpdatedAt = ts
	}
	return &r, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
