// Package store provides storage backends for AgentPipe.
//
// Three implementations share one interface: a JSON file store (the
// default), an SQLite store, and a PostgreSQL store. Sessions and jobs are
// persisted as whole-set snapshots; the in-memory state owned by the
// session registry and trigger engine stays authoritative.
package store

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// Store is the persistence interface shared by all backends.
type Store interface {
	// LoadSessions returns every persisted session. A missing or corrupt
	// snapshot loads as empty, not as an error.
	LoadSessions() ([]models.Session, error)
	// SaveSessions replaces the persisted session set with a snapshot.
	SaveSessions(sessions []models.Session) error

	// LoadJobs returns every persisted scheduled job.
	LoadJobs() ([]models.ScheduledJob, error)
	// SaveJobs replaces the persisted job set with a snapshot.
	SaveJobs(jobs []models.ScheduledJob) error

	// AppendLog appends one entry to a session's durable message log.
	AppendLog(sessionID string, entry models.LogEntry) error
	// LoadLog returns a session's message log in append order.
	LoadLog(sessionID string) ([]models.LogEntry, error)

	Close() error
}

// Opts holds store configuration.
type Opts struct {
	PostgresDSN string
	SQLiteDSN   string
	FileDir     string
}

// Option configures store construction.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithSQLiteDSN selects the SQLite backend. The DSN is a file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// WithFileDir selects the JSON file backend rooted at dir.
func WithFileDir(dir string) Option {
	return func(o *Opts) { o.FileDir = dir }
}

// DetectDSNType classifies a DSN string as "postgres", "sqlite", or "file".
// PostgreSQL URLs and key=value DSNs are recognized; anything else is
// treated as a filesystem path, with a .db/.sqlite suffix meaning SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || strings.HasSuffix(dsn, ".sqlite3") || strings.HasPrefix(dsn, "file:") {
		return "sqlite"
	}
	return "file"
}

// NewStore constructs the backend selected by the options. Exactly one
// backend option should be set; the file backend wins when none is.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.PostgresDSN != "":
		return NewPostgresStore(opts...)
	case cfg.SQLiteDSN != "":
		return NewSQLiteStore(opts...)
	case cfg.FileDir != "":
		return NewFileStore(opts...)
	default:
		return nil, fmt.Errorf("no store backend configured")
	}
}
