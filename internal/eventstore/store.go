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

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	_ "modernc.org/sqlite"
)

// Detection is one recorded announcement on the timeline.
type Detection struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Typed      bool      `json:"typed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed detection timeline. A recognition session spans
// one start/stop of the loop.
type Store struct {
	db      *sql.DB
	cfg     config.EventStoreConfig
	runtime string
	log     *slog.Logger
	clock   func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, runtime string, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, runtime: runtime, log: log, clock: time.Now}, nil
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
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, runtime: runtime, log: log, clock: time.Now}

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
    runtime TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    label TEXT NOT NULL,
    confidence REAL NOT NULL,
    typed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_detections_session_created ON detections(session_id, created_at);
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

// BeginSession records the start of a recognition session.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, runtime, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET runtime=excluded.runtime`,
		sessionID, s.runtime, s.clock().UTC())
	return err
}

// EndSession stamps the end of a recognition session.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// AppendDetection writes a detection into the session timeline.
func (s *Store) AppendDetection(ctx context.Context, d protocol.Detection) error {
	if s.disabled() {
		return nil
	}
	if d.SessionID == "" {
		return errors.New("detection without session")
	}
	created := d.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections(session_id, label, confidence, typed, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		d.SessionID, d.Label, d.Confidence, d.Typed, created.UTC())
	return err
}

// ListSessionDetections retrieves up to limit detections for a session ordered ascending by time.
func (s *Store) ListSessionDetections(ctx context.Context, sessionID string, limit int) ([]Detection, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, confidence, typed, created_at
		 FROM detections WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanDetections(rows)
}

// RecentDetections returns the newest detections across sessions, newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, confidence, typed, created_at
		 FROM detections ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanDetections(rows)
}

func scanDetections(rows *sql.Rows) ([]Detection, error) {
	defer rows.Close()
	var out []Detection
	for rows.Next() {
		var d Detection
		var created string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Label, &d.Confidence, &d.Typed, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			d.CreatedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
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
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM detections WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
