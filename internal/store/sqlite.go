package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	baseDelay  time.Duration
}

// NewSQLite creates a new SQLite-backed repository. Writes that hit
// SQLITE_BUSY are retried up to maxRetries times with exponential backoff.
func NewSQLite(dbPath string, maxRetries int, baseDelay time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies each _pragma on every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 1
	}
	store := &SQLiteStore{db: db, maxRetries: maxRetries, baseDelay: baseDelay}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_history (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		machine_type_id TEXT NOT NULL,
		container_id TEXT,
		host_ports TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_history_user ON session_history(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_session_history_open ON session_history(ended_at) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS flag_submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		level TEXT NOT NULL,
		correct INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flag_submissions_user ON flag_submissions(user_id, machine_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op string, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, s.maxRetries, s.baseDelay, op, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordSessionStart appends a newly provisioned session.
func (s *SQLiteStore) RecordSessionStart(ctx context.Context, sess domain.Session) error {
	ports, err := json.Marshal(sess.HostPortList())
	if err != nil {
		return fmt.Errorf("encode host ports: %w", err)
	}

	query := `
	INSERT INTO session_history (session_id, user_id, machine_type_id, container_id, host_ports, started_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.exec(ctx, "record session start", query,
		sess.ID, sess.UserID, sess.MachineTypeID, sess.ContainerID,
		string(ports), sess.StartedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}
	return nil
}

// RecordSessionEnd closes a session's record. Records already closed are
// left untouched.
func (s *SQLiteStore) RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	query := `UPDATE session_history SET ended_at = ?, end_reason = ? WHERE session_id = ? AND ended_at IS NULL`
	result, err := s.exec(ctx, "record session end", query, endedAt.Unix(), reason, sessionID)
	if err != nil {
		return fmt.Errorf("update session history: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("RecordSessionEnd affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// RecordFlagSubmission appends a flag attempt.
func (s *SQLiteStore) RecordFlagSubmission(ctx context.Context, sub domain.FlagSubmission) error {
	query := `
	INSERT INTO flag_submissions (user_id, machine_id, level, correct, submitted_at)
	VALUES (?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, "record flag submission", query,
		sub.UserID, sub.MachineID, string(sub.Level), sub.Correct, sub.SubmittedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert flag submission: %w", err)
	}
	return nil
}

// ListUserSessions returns a user's most recent sessions, newest first.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT session_id, user_id, machine_type_id, container_id, host_ports,
		       started_at, ended_at, end_reason
		FROM session_history WHERE user_id = ?
		ORDER BY started_at DESC, session_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session history rows", "error", closeErr)
		}
	}()

	var records []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var containerID, endReason sql.NullString
		var portsJSON string
		var startedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(
			&rec.SessionID, &rec.UserID, &rec.MachineTypeID, &containerID, &portsJSON,
			&startedAt, &endedAt, &endReason,
		); err != nil {
			return nil, fmt.Errorf("scan session history row: %w", err)
		}

		if err := json.Unmarshal([]byte(portsJSON), &rec.HostPorts); err != nil {
			return nil, fmt.Errorf("decode host ports for %s: %w", rec.SessionID, err)
		}
		rec.ContainerID = containerID.String
		rec.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			ts := time.Unix(endedAt.Int64, 0)
			rec.EndedAt = &ts
		}
		rec.EndReason = endReason.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session history: %w", err)
	}

	return records, nil
}

// CloseOrphanedSessions ends every record still open.
func (s *SQLiteStore) CloseOrphanedSessions(ctx context.Context, endedAt time.Time) (int64, error) {
	query := `UPDATE session_history SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`
	result, err := s.exec(ctx, "close orphaned sessions", query, endedAt.Unix(), domain.EndReasonOrphaned)
	if err != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
