// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/AgentPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path to the
// database file; the parent directory is created if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.SQLiteDSN != "")

	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSessions() ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT key, id, channel, conversation_kind, conversation_id,
		continuation_id, message_count, last_activity, pending_approval, pending_question, created_at
		FROM sessions`)
	if err != nil {
		slog.Error("SQLiteStore LoadSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore LoadSessions succeeded", "count", len(sessions))
	return sessions, nil
}

// SaveSessions replaces the session table with the snapshot in one
// transaction.
func (s *SQLiteStore) SaveSessions(sessions []models.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	for _, sess := range sessions {
		args, err := sessionInsertArgs(sess)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO sessions (key, id, channel, conversation_kind, conversation_id,
			continuation_id, message_count, last_activity, pending_approval, pending_question, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			slog.Error("SQLiteStore SaveSessions insert failed", "error", err, "key", sess.Key)
			return fmt.Errorf("failed to insert session %s: %w", sess.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadJobs() ([]models.ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT id, name, cron_expr, every_interval, at_time, timezone, prompt,
		session_key, enabled, delete_after_run, last_run_at, next_run_at, last_error, created_at
		FROM jobs`)
	if err != nil {
		slog.Error("SQLiteStore LoadJobs query failed", "error", err)
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	slog.Debug("SQLiteStore LoadJobs succeeded", "count", len(jobs))
	return jobs, nil
}

func (s *SQLiteStore) SaveJobs(jobs []models.ScheduledJob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin job save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}
	for _, job := range jobs {
		_, err := tx.Exec(`INSERT INTO jobs (id, name, cron_expr, every_interval, at_time, timezone, prompt,
			session_key, enabled, delete_after_run, last_run_at, next_run_at, last_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, jobInsertArgs(job)...)
		if err != nil {
			slog.Error("SQLiteStore SaveJobs insert failed", "error", err, "id", job.ID)
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendLog(sessionID string, entry models.LogEntry) error {
	_, err := s.db.Exec(`INSERT INTO message_log (session_id, direction, channel, sender_id, body, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(entry.Direction), string(entry.Channel), nilIfEmpty(entry.SenderID), entry.Body, entry.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AppendLog failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append log entry for %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadLog(sessionID string) ([]models.LogEntry, error) {
	rows, err := s.db.Query(`SELECT direction, channel, sender_id, body, ts
		FROM message_log WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore LoadLog query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query log for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log rows: %w", err)
	}
	return entries, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
