package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalOrNil marshals v to a JSON string, or nil when v is a nil pointer.
func marshalOrNil(v any) (interface{}, error) {
	switch p := v.(type) {
	case *models.PendingApproval:
		if p == nil {
			return nil, nil
		}
	case *models.PendingQuestion:
		if p == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	return string(data), nil
}

// sessionInsertArgs flattens a session into insert arguments shared by the
// SQLite and Postgres stores. Active-run state is deliberately not
// persisted; every reloaded session starts with no run in flight.
func sessionInsertArgs(sess models.Session) ([]interface{}, error) {
	approvalJSON, err := marshalOrNil(sess.PendingApproval)
	if err != nil {
		return nil, fmt.Errorf("pending approval for %s: %w", sess.Key, err)
	}
	questionJSON, err := marshalOrNil(sess.PendingQuestion)
	if err != nil {
		return nil, fmt.Errorf("pending question for %s: %w", sess.Key, err)
	}
	return []interface{}{
		sess.Key, sess.ID, string(sess.Channel), string(sess.ConversationKind),
		sess.ConversationID, nilIfEmpty(sess.ContinuationID), sess.MessageCount,
		sess.LastActivity, approvalJSON, questionJSON, sess.CreatedAt,
	}, nil
}

// scanSession reads one session row. Pending approval and question columns
// are JSON documents; a corrupt document is dropped with a warning rather
// than failing the whole load.
func scanSession(rows *sql.Rows) (models.Session, error) {
	var sess models.Session
	var channel, kind string
	var continuationID, approvalJSON, questionJSON sql.NullString
	var lastActivity sql.NullTime
	err := rows.Scan(
		&sess.Key, &sess.ID, &channel, &kind, &sess.ConversationID,
		&continuationID, &sess.MessageCount, &lastActivity,
		&approvalJSON, &questionJSON, &sess.CreatedAt,
	)
	if err != nil {
		return sess, fmt.Errorf("scan session failed: %w", err)
	}
	sess.Channel = models.Channel(channel)
	sess.ConversationKind = models.ConversationKind(kind)
	sess.ContinuationID = continuationID.String
	if lastActivity.Valid {
		sess.LastActivity = lastActivity.Time
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		var approval models.PendingApproval
		if err := json.Unmarshal([]byte(approvalJSON.String), &approval); err != nil {
			slog.Warn("store: dropping corrupt pending approval", "key", sess.Key, "error", err)
		} else {
			sess.PendingApproval = &approval
		}
	}
	if questionJSON.Valid && questionJSON.String != "" {
		var question models.PendingQuestion
		if err := json.Unmarshal([]byte(questionJSON.String), &question); err != nil {
			slog.Warn("store: dropping corrupt pending question", "key", sess.Key, "error", err)
		} else {
			sess.PendingQuestion = &question
		}
	}
	return sess, nil
}

// jobInsertArgs flattens a job into insert arguments shared by the SQLite
// and Postgres stores.
func jobInsertArgs(job models.ScheduledJob) []interface{} {
	var atTime, lastRunAt, nextRunAt interface{}
	if job.At != nil {
		atTime = *job.At
	}
	if job.LastRunAt != nil {
		lastRunAt = *job.LastRunAt
	}
	if job.NextRunAt != nil {
		nextRunAt = *job.NextRunAt
	}
	return []interface{}{
		job.ID, job.Name, nilIfEmpty(job.Cron), nilIfEmpty(job.Every), atTime,
		nilIfEmpty(job.Timezone), job.Prompt, nilIfEmpty(job.SessionKey),
		job.Enabled, job.DeleteAfterRun, lastRunAt, nextRunAt,
		nilIfEmpty(job.LastError), job.CreatedAt,
	}
}

// scanJob reads one job row.
func scanJob(rows *sql.Rows) (models.ScheduledJob, error) {
	var job models.ScheduledJob
	var cron, every, timezone, sessionKey, lastError sql.NullString
	var atTime, lastRunAt, nextRunAt sql.NullTime
	err := rows.Scan(
		&job.ID, &job.Name, &cron, &every, &atTime, &timezone, &job.Prompt,
		&sessionKey, &job.Enabled, &job.DeleteAfterRun, &lastRunAt, &nextRunAt,
		&lastError, &job.CreatedAt,
	)
	if err != nil {
		return job, fmt.Errorf("scan job failed: %w", err)
	}
	job.Cron = cron.String
	job.Every = every.String
	job.Timezone = timezone.String
	job.SessionKey = sessionKey.String
	job.LastError = lastError.String
	if atTime.Valid {
		t := atTime.Time
		job.At = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		job.NextRunAt = &t
	}
	return job, nil
}

// scanLogEntry reads one message-log row.
func scanLogEntry(rows *sql.Rows) (models.LogEntry, error) {
	var entry models.LogEntry
	var direction, channel string
	var senderID sql.NullString
	var ts time.Time
	if err := rows.Scan(&direction, &channel, &senderID, &entry.Body, &ts); err != nil {
		return entry, fmt.Errorf("scan log entry failed: %w", err)
	}
	entry.Direction = models.LogDirection(direction)
	entry.Channel = models.Channel(channel)
	entry.SenderID = senderID.String
	entry.Timestamp = ts
	return entry, nil
}
