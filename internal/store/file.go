// This file implements the default JSON file store. Sessions and jobs live
// in single snapshot files written atomically; message logs are append-only
// JSONL files, one per session.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// File store layout and permissions.
const (
	sessionsFileName = "sessions.json"
	jobsFileName     = "jobs.json"
	logsDirName      = "logs"

	// DefaultDirPermissions defines the default permissions for store directories.
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for store files.
	DefaultFilePermissions = 0644
)

// logFileNamePattern restricts log file names to safe session IDs.
var logFileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileStore persists state as JSON files under a single directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a file store rooted at the configured directory,
// creating it if needed.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FileDir == "" {
		return nil, fmt.Errorf("file store directory not set")
	}

	if err := os.MkdirAll(filepath.Join(cfg.FileDir, logsDirName), DefaultDirPermissions); err != nil {
		slog.Error("FileStore: failed to create store directory", "error", err, "dir", cfg.FileDir)
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	slog.Debug("FileStore: store directory verified", "dir", cfg.FileDir)
	return &FileStore{dir: cfg.FileDir}, nil
}

func (s *FileStore) LoadSessions() ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []models.Session
	if err := s.readSnapshot(sessionsFileName, &sessions); err != nil {
		return nil, err
	}
	slog.Debug("FileStore.LoadSessions: sessions loaded", "count", len(sessions))
	return sessions, nil
}

func (s *FileStore) SaveSessions(sessions []models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(sessionsFileName, sessions)
}

func (s *FileStore) LoadJobs() ([]models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.ScheduledJob
	if err := s.readSnapshot(jobsFileName, &jobs); err != nil {
		return nil, err
	}
	slog.Debug("FileStore.LoadJobs: jobs loaded", "count", len(jobs))
	return jobs, nil
}

func (s *FileStore) SaveJobs(jobs []models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(jobsFileName, jobs)
}

// AppendLog appends one JSONL record to the session's log file.
func (s *FileStore) AppendLog(sessionID string, entry models.LogEntry) error {
	path, err := s.logPath(sessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePermissions)
	if err != nil {
		slog.Error("FileStore.AppendLog: failed to open log file", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// LoadLog reads a session's JSONL log. Lines that fail to parse are skipped
// with a warning so one torn write cannot hide the rest of the log.
func (s *FileStore) LoadLog(sessionID string) ([]models.LogEntry, error) {
	path, err := s.logPath(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var entries []models.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("FileStore.LoadLog: skipping malformed log line", "sessionID", sessionID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return entries, nil
}

func (s *FileStore) Close() error {
	return nil
}

// readSnapshot loads a JSON snapshot file. Missing or corrupt files load as
// empty with a warning; losing a snapshot must never take the service down.
func (s *FileStore) readSnapshot(name string, v any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("FileStore: snapshot is corrupt, starting empty", "file", name, "error", err)
	}
	return nil
}

// writeSnapshot writes a JSON snapshot atomically via temp file and rename.
func (s *FileStore) writeSnapshot(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// logPath validates the session ID and returns its log file path. IDs are
// generated internally but still validated so a bad ID can never escape the
// logs directory.
func (s *FileStore) logPath(sessionID string) (string, error) {
	if sessionID == "" || !logFileNamePattern.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session ID for log file: %q", sessionID)
	}
	return filepath.Join(s.dir, logsDirName, sessionID+".jsonl"), nil
}
