// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/BTreeMap/AgentPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.PostgresDSN != "")

	dsn := cfg.PostgresDSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadSessions() ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT key, id, channel, conversation_kind, conversation_id,
		continuation_id, message_count, last_activity, pending_approval, pending_question, created_at
		FROM sessions`)
	if err != nil {
		slog.Error("PostgresStore LoadSessions query failed", "error", err)
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
	slog.Debug("PostgresStore LoadSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) SaveSessions(sessions []models.Session) error {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, args...)
		if err != nil {
			slog.Error("PostgresStore SaveSessions insert failed", "error", err, "key", sess.Key)
			return fmt.Errorf("failed to insert session %s: %w", sess.Key, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) LoadJobs() ([]models.ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT id, name, cron_expr, every_interval, at_time, timezone, prompt,
		session_key, enabled, delete_after_run, last_run_at, next_run_at, last_error, created_at
		FROM jobs`)
	if err != nil {
		slog.Error("PostgresStore LoadJobs query failed", "error", err)
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
	slog.Debug("PostgresStore LoadJobs succeeded", "count", len(jobs))
	return jobs, nil
}

func (s *PostgresStore) SaveJobs(jobs []models.ScheduledJob) error {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, jobInsertArgs(job)...)
		if err != nil {
			slog.Error("PostgresStore SaveJobs insert failed", "error", err, "id", job.ID)
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) AppendLog(sessionID string, entry models.LogEntry) error {
	_, err := s.db.Exec(`INSERT INTO message_log (session_id, direction, channel, sender_id, body, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, string(entry.Direction), string(entry.Channel), nilIfEmpty(entry.SenderID), entry.Body, entry.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AppendLog failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append log entry for %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) LoadLog(sessionID string) ([]models.LogEntry, error) {
	rows, err := s.db.Query(`SELECT direction, channel, sender_id, body, ts
		FROM message_log WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		slog.Error("PostgresStore LoadLog query failed", "error", err, "sessionID", sessionID)
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

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
