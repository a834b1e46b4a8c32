package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/backend"
	"github.com/BTreeMap/AgentPipe/internal/messaging"
	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/router"
	"github.com/BTreeMap/AgentPipe/internal/session"
	"github.com/BTreeMap/AgentPipe/internal/trigger"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions []models.Session
	jobs     []models.ScheduledJob
	logs     map[string][]models.LogEntry
}

func newMemStore() *memStore {
	return &memStore{logs: make(map[string][]models.LogEntry)}
}

func (s *memStore) LoadSessions() ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, nil
}

func (s *memStore) SaveSessions(sessions []models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	return nil
}

func (s *memStore) LoadJobs() ([]models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, nil
}

func (s *memStore) SaveJobs(jobs []models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	return nil
}

func (s *memStore) AppendLog(sessionID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[sessionID] = append(s.logs[sessionID], entry)
	return nil
}

func (s *memStore) LoadLog(sessionID string) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[sessionID], nil
}

func (s *memStore) Close() error { return nil }

// noFireTimer satisfies models.Timer without real clocks.
type noFireTimer struct {
	mu     sync.Mutex
	nextID int
	ids    map[string]struct{}
}

func newNoFireTimer() *noFireTimer { return &noFireTimer{ids: make(map[string]struct{})} }

func (t *noFireTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	return t.ScheduleAt(time.Now().Add(delay), fn)
}

func (t *noFireTimer) ScheduleAt(when time.Time, fn func()) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("t%d", t.nextID)
	t.ids[id] = struct{}{}
	return id, nil
}

func (t *noFireTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, id)
	return nil
}

func (t *noFireTimer) Stop() {}

func (t *noFireTimer) ListActive() []models.TimerInfo { return nil }

// textBackend returns a fixed text for every run.
type textBackend struct {
	mu   sync.Mutex
	text string
	runs int
}

func (b *textBackend) Run(ctx context.Context, req backend.RunRequest) models.RunResult {
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
	return models.RunResult{Status: models.RunStatusOK, Text: b.text, ContinuationID: "cont_api"}
}

func (b *textBackend) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

type apiFixture struct {
	server   *Server
	registry *session.Registry
	engine   *trigger.Engine
	desktop  *messaging.DesktopService
	backend  *textBackend
	st       *memStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := newMemStore()
	registry := session.NewRegistry(st, session.WithPersistDebounce(10*time.Millisecond))
	t.Cleanup(registry.Close)

	be := &textBackend{text: "done"}
	rt := router.NewRouter(registry, be, st)
	desktop := messaging.NewDesktopService()
	rt.RegisterService(desktop)

	engine := trigger.NewEngine(newNoFireTimer(), st, rt.DispatchJob)
	rt.SetEngine(engine)

	return &apiFixture{
		server:   NewServer(registry, rt, engine, desktop, st),
		registry: registry,
		engine:   engine,
		desktop:  desktop,
		backend:  be,
		st:       st,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v (body %q)", err, rec.Body.String())
	}
	return rec, resp
}

func TestStatusHandler(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	rec, resp := doRequest(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK || resp.Status != models.APIStatusOK {
		t.Fatalf("status = %d/%s", rec.Code, resp.Status)
	}

	rec, resp = doRequest(t, h, http.MethodPost, "/status", nil)
	if rec.Code != http.StatusMethodNotAllowed || resp.Status != models.APIStatusError {
		t.Errorf("POST /status = %d/%s, want 405/error", rec.Code, resp.Status)
	}
}

func TestSessionsHandler(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	f.registry.GetOrCreate(models.ChannelDesktop, models.ConversationDirect, "owner")
	f.registry.GetOrCreate(models.ChannelWhatsApp, models.ConversationDirect, "12025550147")

	rec, resp := doRequest(t, h, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /sessions = %d", rec.Code)
	}
	sessions, ok := resp.Result.([]any)
	if !ok || len(sessions) != 2 {
		t.Fatalf("sessions = %#v, want 2 entries", resp.Result)
	}

	key := session.KeyOf(models.ChannelWhatsApp, models.ConversationDirect, "12025550147")
	rec, _ = doRequest(t, h, http.MethodDelete, "/sessions?key="+key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /sessions?key= = %d", rec.Code)
	}
	if len(f.registry.List()) != 1 {
		t.Errorf("sessions after delete = %d, want 1", len(f.registry.List()))
	}

	rec, resp = doRequest(t, h, http.MethodDelete, "/sessions?key=missing", nil)
	if rec.Code != http.StatusNotFound || resp.Status != models.APIStatusError {
		t.Errorf("delete missing session = %d/%s, want 404/error", rec.Code, resp.Status)
	}

	rec, _ = doRequest(t, h, http.MethodDelete, "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /sessions = %d", rec.Code)
	}
	if len(f.registry.List()) != 0 {
		t.Errorf("sessions after clear = %d, want 0", len(f.registry.List()))
	}
}

func TestSessionLogHandler(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	sess := f.registry.GetOrCreate(models.ChannelDesktop, models.ConversationDirect, "owner")
	f.st.AppendLog(sess.ID, models.LogEntry{
		Direction: models.LogInbound,
		Channel:   models.ChannelDesktop,
		Body:      "hello",
		Timestamp: time.Now(),
	})

	rec, resp := doRequest(t, h, http.MethodGet, "/sessions/log?key="+sess.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /sessions/log = %d", rec.Code)
	}
	entries, ok := resp.Result.([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("log = %#v, want 1 entry", resp.Result)
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/sessions/log?key=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("log for missing session = %d, want 404", rec.Code)
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/sessions/log", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("log without key = %d, want 400", rec.Code)
	}
}

func TestJobsHandlerLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	body := map[string]any{
		"name":        "disk check",
		"every":       "30m",
		"prompt":      "check disk usage",
		"session_key": session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner"),
	}
	rec, resp := doRequest(t, h, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /jobs = %d (%s)", rec.Code, resp.Message)
	}
	created, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("create result = %#v", resp.Result)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created job has no id")
	}

	rec, resp = doRequest(t, h, http.MethodGet, "/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs = %d", rec.Code)
	}
	if jobs, ok := resp.Result.([]any); !ok || len(jobs) != 1 {
		t.Fatalf("jobs = %#v, want 1 entry", resp.Result)
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/jobs/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /jobs/{id} = %d", rec.Code)
	}

	rec, _ = doRequest(t, h, http.MethodPost, "/jobs/"+id+"/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable = %d", rec.Code)
	}
	job, err := f.engine.Job(id)
	if err != nil || job.Enabled {
		t.Errorf("job after disable = %+v, %v", job, err)
	}

	rec, _ = doRequest(t, h, http.MethodPost, "/jobs/"+id+"/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable = %d", rec.Code)
	}

	rec, _ = doRequest(t, h, http.MethodPost, "/jobs/missing/run", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("run missing job = %d, want 404", rec.Code)
	}

	rec, _ = doRequest(t, h, http.MethodDelete, "/jobs/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /jobs/{id} = %d", rec.Code)
	}
	if len(f.engine.Jobs()) != 0 {
		t.Errorf("jobs after delete = %d, want 0", len(f.engine.Jobs()))
	}
}

func TestJobsHandlerRejectsMalformedSchedule(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	body := map[string]any{
		"name":        "broken",
		"cron":        "not a cron",
		"prompt":      "x",
		"session_key": session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner"),
	}
	rec, resp := doRequest(t, h, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusBadRequest || resp.Status != models.APIStatusError {
		t.Errorf("POST malformed job = %d/%s, want 400/error", rec.Code, resp.Status)
	}
	if len(f.engine.Jobs()) != 0 {
		t.Errorf("jobs = %d, want 0", len(f.engine.Jobs()))
	}
}

func TestJobRunNowDispatches(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	body := map[string]any{
		"name":        "report",
		"every":       "1h",
		"prompt":      "produce the report",
		"session_key": session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner"),
	}
	rec, resp := doRequest(t, h, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /jobs = %d", rec.Code)
	}
	id := resp.Result.(map[string]any)["id"].(string)

	rec, _ = doRequest(t, h, http.MethodPost, "/jobs/"+id+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run now = %d", rec.Code)
	}
	if f.backend.runCount() != 1 {
		t.Errorf("backend runs = %d, want 1", f.backend.runCount())
	}
}

func TestInboundOutboundRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.appRouter.Pump(ctx, f.desktop)

	rec, _ := doRequest(t, h, http.MethodPost, "/inbound", inboundRequest{Body: "hello"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /inbound = %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	var drained []models.OutboundMessage
	for time.Now().Before(deadline) {
		drained = f.desktop.DrainOutbound()
		if len(drained) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(drained) != 1 || drained[0].Body != "done" {
		t.Fatalf("outbound = %#v, want one forwarded result", drained)
	}

	rec, resp := doRequest(t, h, http.MethodGet, "/outbound", nil)
	if rec.Code != http.StatusOK || resp.Status != models.APIStatusOK {
		t.Errorf("GET /outbound = %d/%s", rec.Code, resp.Status)
	}
}

func TestInboundRejectsEmptyBody(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	rec, resp := doRequest(t, h, http.MethodPost, "/inbound", inboundRequest{Body: ""})
	if rec.Code != http.StatusBadRequest || resp.Status != models.APIStatusError {
		t.Errorf("empty body = %d/%s, want 400/error", rec.Code, resp.Status)
	}
}

func waitForRuns(t *testing.T, b *textBackend, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.runCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend ran %d times, want at least %d", b.runCount(), want)
}

func TestHeartbeatAllClearNeverReachesOwnerQueue(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.text = trigger.HeartbeatOKSentinel

	timer := trigger.NewSimpleTimer()
	defer timer.Stop()

	hb, err := newHeartbeat(timer, f.server.appRouter, f.desktop, Opts{HeartbeatInterval: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("newHeartbeat error: %v", err)
	}
	hb.Start()
	defer hb.Stop()

	waitForRuns(t, f.backend, 2)
	if out := f.desktop.DrainOutbound(); len(out) != 0 {
		t.Errorf("all-clear heartbeat result reached the owner queue: %#v", out)
	}
}

func TestHeartbeatDeliversFindingsOnce(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.text = "disk usage at 95%"

	timer := trigger.NewSimpleTimer()
	defer timer.Stop()

	hb, err := newHeartbeat(timer, f.server.appRouter, f.desktop, Opts{HeartbeatInterval: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("newHeartbeat error: %v", err)
	}
	hb.Start()
	defer hb.Stop()

	waitForRuns(t, f.backend, 2)
	out := f.desktop.DrainOutbound()
	if len(out) != 1 || out[0].Body != "disk usage at 95%" {
		t.Errorf("outbound = %#v, want the finding delivered exactly once", out)
	}
}

func TestTwilioWebhookNotConfigured(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	rec, resp := doRequest(t, h, http.MethodPost, "/twilio/inbound", nil)
	if rec.Code != http.StatusNotFound || resp.Status != models.APIStatusError {
		t.Errorf("twilio webhook = %d/%s, want 404/error", rec.Code, resp.Status)
	}
}
