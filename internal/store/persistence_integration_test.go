package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "agentpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSessionsRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	sessions := []models.Session{
		{
			Key:              "twilio:direct:whatsapp+12025550147",
			ID:               "20260310-120000-abcd1234",
			Channel:          models.ChannelTwilio,
			ConversationKind: models.ConversationDirect,
			ConversationID:   "whatsapp:+12025550147",
			ContinuationID:   "cont-9",
			MessageCount:     7,
			LastActivity:     now,
			CreatedAt:        now,
			PendingQuestion: &models.PendingQuestion{
				RequestID: "q-1",
				Question:  "Which environment?",
				Options: []models.QuestionOption{
					{Label: "staging"},
					{Label: "production", Description: "requires a change window"},
				},
				CreatedAt: now,
			},
		},
	}

	if err := s.SaveSessions(sessions); err != nil {
		t.Fatalf("SaveSessions failed: %v", err)
	}
	loaded, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d sessions, want 1", len(loaded))
	}
	got := loaded[0]
	if got.Key != sessions[0].Key || got.Channel != models.ChannelTwilio || got.MessageCount != 7 {
		t.Errorf("session fields lost: %+v", got)
	}
	if got.PendingQuestion == nil || len(got.PendingQuestion.Options) != 2 {
		t.Fatalf("pending question lost: %+v", got.PendingQuestion)
	}
	if got.PendingQuestion.Options[1].Description != "requires a change window" {
		t.Errorf("question option lost: %+v", got.PendingQuestion.Options)
	}
}

func TestSQLiteSaveSessionsReplacesSet(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	first := []models.Session{
		{Key: "desktop:direct:a", ID: "20260310-120000-00000001", Channel: models.ChannelDesktop, ConversationKind: models.ConversationDirect, ConversationID: "a", CreatedAt: now},
		{Key: "desktop:direct:b", ID: "20260310-120000-00000002", Channel: models.ChannelDesktop, ConversationKind: models.ConversationDirect, ConversationID: "b", CreatedAt: now},
	}
	if err := s.SaveSessions(first); err != nil {
		t.Fatalf("SaveSessions failed: %v", err)
	}
	if err := s.SaveSessions(first[:1]); err != nil {
		t.Fatalf("SaveSessions failed: %v", err)
	}

	loaded, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Key != "desktop:direct:a" {
		t.Errorf("snapshot was not replaced: %+v", loaded)
	}
}

func TestSQLiteJobsRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	at := now.Add(48 * time.Hour)
	last := now.Add(-time.Hour)
	jobs := []models.ScheduledJob{
		{ID: "job_a", Name: "digest", Cron: "0 9 * * 1-5", Timezone: "America/Toronto", Prompt: "digest", SessionKey: "desktop:direct:owner", Enabled: true, CreatedAt: now},
		{ID: "job_b", Name: "reminder", At: &at, Prompt: "remind", Enabled: true, DeleteAfterRun: true, CreatedAt: now},
		{ID: "job_c", Name: "poll", Every: "30m", Prompt: "poll", Enabled: true, LastRunAt: &last, LastError: "timeout", CreatedAt: now},
	}
	if err := s.SaveJobs(jobs); err != nil {
		t.Fatalf("SaveJobs failed: %v", err)
	}

	loaded, err := s.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d jobs, want 3", len(loaded))
	}
	byID := make(map[string]models.ScheduledJob)
	for _, j := range loaded {
		byID[j.ID] = j
	}
	if byID["job_a"].Timezone != "America/Toronto" || byID["job_a"].SessionKey != "desktop:direct:owner" {
		t.Errorf("cron job fields lost: %+v", byID["job_a"])
	}
	if byID["job_b"].At == nil || !byID["job_b"].At.Equal(at) || !byID["job_b"].DeleteAfterRun {
		t.Errorf("one-shot job fields lost: %+v", byID["job_b"])
	}
	if byID["job_c"].LastRunAt == nil || byID["job_c"].LastError != "timeout" {
		t.Errorf("interval job fields lost: %+v", byID["job_c"])
	}
}

func TestSQLiteLogAppendAndLoad(t *testing.T) {
	s := newTestSQLiteStore(t)

	id := "20260310-120000-abcd1234"
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.AppendLog(id, models.LogEntry{Direction: models.LogInbound, Channel: models.ChannelWhatsApp, SenderID: "12025550147", Body: "hello", Timestamp: now}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if err := s.AppendLog(id, models.LogEntry{Direction: models.LogOutbound, Channel: models.ChannelWhatsApp, Body: "hi", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if err := s.AppendLog("other-session", models.LogEntry{Direction: models.LogInbound, Channel: models.ChannelDesktop, Body: "x", Timestamp: now}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	entries, err := s.LoadLog(id)
	if err != nil {
		t.Fatalf("LoadLog failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(entries))
	}
	if entries[0].Body != "hello" || entries[1].Body != "hi" {
		t.Errorf("append order not preserved: %+v", entries)
	}
	if entries[0].SenderID != "12025550147" {
		t.Errorf("sender lost: %+v", entries[0])
	}
}
