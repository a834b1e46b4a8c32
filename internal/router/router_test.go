package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/backend"
	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/session"
)

// memSessionStore is an in-memory session sink.
type memSessionStore struct {
	mu       sync.Mutex
	sessions []models.Session
}

func (s *memSessionStore) LoadSessions() ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, nil
}

func (s *memSessionStore) SaveSessions(sessions []models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	return nil
}

// memLogSink records audit entries per session id.
type memLogSink struct {
	mu      sync.Mutex
	entries map[string][]models.LogEntry
}

func newMemLogSink() *memLogSink {
	return &memLogSink{entries: make(map[string][]models.LogEntry)}
}

func (s *memLogSink) AppendLog(sessionID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = append(s.entries[sessionID], entry)
	return nil
}

func (s *memLogSink) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[sessionID])
}

// mockService is a channel adapter that records sends.
type mockService struct {
	channel  models.Channel
	owner    bool
	failSend bool

	mu      sync.Mutex
	sent    []string
	inbound chan models.InboundMessage
}

func newMockService(channel models.Channel, owner bool) *mockService {
	return &mockService{
		channel: channel,
		owner:   owner,
		inbound: make(chan models.InboundMessage, 10),
	}
}

func (s *mockService) Channel() models.Channel { return s.channel }
func (s *mockService) OwnerPresent() bool      { return s.owner }

func (s *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (s *mockService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return "", errors.New("transport down")
	}
	s.sent = append(s.sent, body)
	return fmt.Sprintf("m%d", len(s.sent)), nil
}

func (s *mockService) EditMessage(ctx context.Context, to string, messageID string, body string) error {
	return nil
}

func (s *mockService) DeleteMessage(ctx context.Context, to string, messageID string) error {
	return nil
}

func (s *mockService) Start(ctx context.Context) error        { return nil }
func (s *mockService) Stop() error                            { return nil }
func (s *mockService) Messages() <-chan models.InboundMessage { return s.inbound }

func (s *mockService) sentBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// scriptedBackend drives the executor with a fixed action sequence, then
// returns a fixed result.
type scriptedBackend struct {
	mu       sync.Mutex
	requests []backend.RunRequest
	actions  []models.ProposedAction
	text     string
	release  chan struct{} // if set, Run blocks until closed
	done     chan struct{} // closed after each Run returns
}

func newScriptedBackend(text string, actions ...models.ProposedAction) *scriptedBackend {
	return &scriptedBackend{text: text, actions: actions, done: make(chan struct{}, 10)}
}

func (b *scriptedBackend) Run(ctx context.Context, req backend.RunRequest) models.RunResult {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	actions := b.actions
	release := b.release
	b.mu.Unlock()

	defer func() { b.done <- struct{}{} }()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return models.RunResult{Status: models.RunStatusTimeout, Error: ctx.Err().Error()}
		}
	}

	for _, action := range actions {
		if _, err := req.Executor.Execute(ctx, action); err != nil {
			return models.RunResult{Status: models.RunStatusError, ContinuationID: "cont_test", Error: err.Error()}
		}
	}
	return models.RunResult{Status: models.RunStatusOK, Text: b.text, ContinuationID: "cont_test"}
}

func (b *scriptedBackend) lastRequest(t *testing.T) backend.RunRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		t.Fatal("backend never invoked")
	}
	return b.requests[len(b.requests)-1]
}

func (b *scriptedBackend) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func waitDone(t *testing.T, b *scriptedBackend) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	router   *Router
	registry *session.Registry
	backend  *scriptedBackend
	desktop  *mockService
	whatsapp *mockService
	logs     *memLogSink
}

func newFixture(t *testing.T, be *scriptedBackend, opts ...Option) *fixture {
	t.Helper()
	registry := session.NewRegistry(&memSessionStore{}, session.WithPersistDebounce(10*time.Millisecond))
	t.Cleanup(registry.Close)
	logs := newMemLogSink()

	r := NewRouter(registry, be, logs, opts...)
	desktop := newMockService(models.ChannelDesktop, true)
	wa := newMockService(models.ChannelWhatsApp, false)
	r.RegisterService(desktop)
	r.RegisterService(wa)

	return &fixture{router: r, registry: registry, backend: be, desktop: desktop, whatsapp: wa, logs: logs}
}

func desktopMsg(body string) models.InboundMessage {
	return models.InboundMessage{
		Channel:          models.ChannelDesktop,
		ConversationKind: models.ConversationDirect,
		ConversationID:   "owner",
		SenderID:         "owner",
		Body:             body,
		Timestamp:        time.Now(),
	}
}

func TestRouteStartsRunAndForwardsResult(t *testing.T) {
	f := newFixture(t, newScriptedBackend("all done"))

	if err := f.router.Route(context.Background(), desktopMsg("status please")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	req := f.backend.lastRequest(t)
	if req.Prompt != "status please" {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if req.Permission != models.PermissionUnrestricted {
		t.Errorf("permission = %s, want unrestricted for owner channel", req.Permission)
	}

	waitFor(t, func() bool { return len(f.desktop.sentBodies()) == 1 }, "result forward")
	if got := f.desktop.sentBodies()[0]; got != "all done" {
		t.Errorf("forwarded text = %q", got)
	}

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	waitFor(t, func() bool {
		sess, err := f.registry.Get(key)
		return err == nil && sess.ContinuationID == "cont_test" && !sess.ActiveRun
	}, "continuation stored and gate released")
}

func TestRoutePermissionDowngradeForChannelMessages(t *testing.T) {
	f := newFixture(t, newScriptedBackend("ok"))

	msg := models.InboundMessage{
		Channel:          models.ChannelWhatsApp,
		ConversationKind: models.ConversationDirect,
		ConversationID:   "12025550147",
		SenderID:         "12025550147",
		Body:             "do something",
		Timestamp:        time.Now(),
	}
	if err := f.router.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	if req := f.backend.lastRequest(t); req.Permission != models.PermissionRestricted {
		t.Errorf("permission = %s, want restricted for channel-originated run", req.Permission)
	}
}

func TestRouteRejectsWhileRunActive(t *testing.T) {
	be := newScriptedBackend("slow result")
	be.release = make(chan struct{})
	f := newFixture(t, be)

	if err := f.router.Route(context.Background(), desktopMsg("first")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	waitFor(t, func() bool {
		sess, err := f.registry.Get(key)
		return err == nil && sess.ActiveRun
	}, "run to claim the gate")

	err := f.router.Route(context.Background(), desktopMsg("second"))
	if !errors.Is(err, models.ErrRunActive) {
		t.Errorf("err = %v, want ErrRunActive", err)
	}
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) == 1 }, "rejection notice")
	if got := f.desktop.sentBodies()[0]; !strings.Contains(got, "already in progress") {
		t.Errorf("notice = %q", got)
	}

	close(be.release)
	waitDone(t, f.backend)
	if f.backend.runCount() != 1 {
		t.Errorf("runs = %d, want 1", f.backend.runCount())
	}
}

func TestRouteDropsDuplicateDeliveries(t *testing.T) {
	f := newFixture(t, newScriptedBackend("ok"))

	msg := desktopMsg("deploy now")
	if err := f.router.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	if err := f.router.Route(context.Background(), msg); err != nil {
		t.Fatalf("duplicate Route error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.backend.runCount() != 1 {
		t.Errorf("runs = %d, want 1 (duplicate dropped)", f.backend.runCount())
	}
}

func TestManualSendSuppressesAutoForward(t *testing.T) {
	be := newScriptedBackend("final text", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionSendMessage,
		Args: map[string]any{"body": "progress update"},
	})
	f := newFixture(t, be)

	if err := f.router.Route(context.Background(), desktopMsg("deploy")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	waitFor(t, func() bool { return len(f.desktop.sentBodies()) == 1 }, "tool send")
	time.Sleep(50 * time.Millisecond)
	sent := f.desktop.sentBodies()
	if len(sent) != 1 || sent[0] != "progress update" {
		t.Errorf("sent = %v, want only the tool-sent message", sent)
	}
}

func TestApprovalDeniedByReply(t *testing.T) {
	be := newScriptedBackend("understood", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionRunCommand,
		Args: map[string]any{"command": "shutdown -h now"},
	})
	f := newFixture(t, be, WithApprovalTimeout(2*time.Second))

	if err := f.router.Route(context.Background(), desktopMsg("power off the box")); err != nil {
		t.Fatalf("Route error: %v", err)
	}

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	waitFor(t, func() bool {
		sess, err := f.registry.Get(key)
		return err == nil && sess.PendingApproval != nil
	}, "pending approval")
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) >= 1 }, "approval prompt")
	if prompt := f.desktop.sentBodies()[0]; !strings.Contains(prompt, "Approval required") {
		t.Errorf("prompt = %q", prompt)
	}

	if err := f.router.Route(context.Background(), desktopMsg("no")); err != nil {
		t.Fatalf("reply Route error: %v", err)
	}
	waitDone(t, f.backend)

	sess, err := f.registry.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PendingApproval != nil {
		t.Error("pending approval not cleared after resolution")
	}
	if f.backend.runCount() != 1 {
		t.Errorf("runs = %d, the denial reply must not start a new run", f.backend.runCount())
	}
}

func TestApprovalApprovedExecutesCommand(t *testing.T) {
	be := newScriptedBackend("done", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionRunCommand,
		// Matches the power-state pattern without being dangerous to run.
		Args: map[string]any{"command": "echo shutdown plan"},
	})
	f := newFixture(t, be, WithApprovalTimeout(2*time.Second))

	if err := f.router.Route(context.Background(), desktopMsg("show the plan")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) >= 1 }, "approval prompt")

	if err := f.router.Route(context.Background(), desktopMsg("yes")); err != nil {
		t.Fatalf("reply Route error: %v", err)
	}
	waitDone(t, f.backend)

	waitFor(t, func() bool {
		bodies := f.desktop.sentBodies()
		return len(bodies) >= 2 && bodies[len(bodies)-1] == "done"
	}, "final result forward")
}

func TestApprovalReplyRepeatedBodyStillResolves(t *testing.T) {
	be := newScriptedBackend("done", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionRunCommand,
		Args: map[string]any{"command": "echo shutdown plan"},
	})
	f := newFixture(t, be, WithApprovalTimeout(2*time.Second))

	// The body that starts the run is the same one that later answers the
	// approval prompt, so the reply lands inside the dedup window.
	if err := f.router.Route(context.Background(), desktopMsg("yes")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) >= 1 }, "approval prompt")

	if err := f.router.Route(context.Background(), desktopMsg("yes")); err != nil {
		t.Fatalf("reply Route error: %v", err)
	}
	waitDone(t, f.backend)

	waitFor(t, func() bool {
		bodies := f.desktop.sentBodies()
		return len(bodies) >= 2 && bodies[len(bodies)-1] == "done"
	}, "approved run completion")
	if f.backend.runCount() != 1 {
		t.Errorf("runs = %d, want 1", f.backend.runCount())
	}
}

func TestApprovalTimeoutResolvesAsDenial(t *testing.T) {
	be := newScriptedBackend("gave up", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionRunCommand,
		Args: map[string]any{"command": "reboot"},
	})
	f := newFixture(t, be, WithApprovalTimeout(50*time.Millisecond))

	if err := f.router.Route(context.Background(), desktopMsg("restart it")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	sess, err := f.registry.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PendingApproval != nil {
		t.Error("pending approval not cleared after timeout")
	}
}

func TestApprovalPromptFailureRollsBackPending(t *testing.T) {
	be := newScriptedBackend("never", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionRunCommand,
		Args: map[string]any{"command": "reboot"},
	})
	f := newFixture(t, be)
	f.desktop.failSend = true

	if err := f.router.Route(context.Background(), desktopMsg("restart it")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	sess, err := f.registry.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PendingApproval != nil {
		t.Error("pending approval must be rolled back when the prompt cannot be sent")
	}
	waitFor(t, func() bool {
		sess, err := f.registry.Get(key)
		return err == nil && !sess.ActiveRun
	}, "run gate release after aborted run")
}

func TestQuestionResolvedByIndex(t *testing.T) {
	be := newScriptedBackend("picked", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionAskUser,
		Args: map[string]any{
			"question": "Which environment?",
			"options": []any{
				map[string]any{"label": "staging"},
				map[string]any{"label": "production"},
			},
		},
	})
	f := newFixture(t, be, WithApprovalTimeout(2*time.Second))

	if err := f.router.Route(context.Background(), desktopMsg("deploy")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) >= 1 }, "question prompt")
	if prompt := f.desktop.sentBodies()[0]; !strings.Contains(prompt, "1. staging") {
		t.Errorf("prompt = %q", prompt)
	}

	if err := f.router.Route(context.Background(), desktopMsg("2")); err != nil {
		t.Fatalf("reply Route error: %v", err)
	}
	waitDone(t, f.backend)

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	sess, err := f.registry.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PendingQuestion != nil {
		t.Error("pending question not cleared")
	}
}

func TestQuestionUnmatchedReplyFallsThrough(t *testing.T) {
	be := newScriptedBackend("picked", models.ProposedAction{
		ID:   "call_1",
		Name: models.ActionAskUser,
		Args: map[string]any{
			"question": "Which environment?",
			"options":  []any{map[string]any{"label": "staging"}},
		},
	})
	f := newFixture(t, be, WithApprovalTimeout(2*time.Second))

	if err := f.router.Route(context.Background(), desktopMsg("deploy")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitFor(t, func() bool { return len(f.desktop.sentBodies()) >= 1 }, "question prompt")

	// Not an option: falls through to normal routing and hits the gate.
	err := f.router.Route(context.Background(), desktopMsg("what is staging?"))
	if !errors.Is(err, models.ErrRunActive) {
		t.Errorf("err = %v, want ErrRunActive fallthrough", err)
	}

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	sess, _ := f.registry.Get(key)
	if sess.PendingQuestion == nil {
		t.Error("unmatched reply must leave the pending question untouched")
	}

	// Resolve by label to let the run finish.
	if err := f.router.Route(context.Background(), desktopMsg("staging")); err != nil {
		t.Fatalf("reply Route error: %v", err)
	}
	waitDone(t, f.backend)
}

func TestRouteAppendsAuditLog(t *testing.T) {
	f := newFixture(t, newScriptedBackend("logged"))

	if err := f.router.Route(context.Background(), desktopMsg("hello")); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	waitDone(t, f.backend)

	key := session.KeyOf(models.ChannelDesktop, models.ConversationDirect, "owner")
	sess, err := f.registry.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	// Inbound message plus forwarded result.
	waitFor(t, func() bool { return f.logs.count(sess.ID) >= 2 }, "audit entries")
}

func TestParseApprovalReply(t *testing.T) {
	cases := []struct {
		body     string
		approved bool
		matched  bool
	}{
		{"yes", true, true},
		{" YES ", true, true},
		{"approve", true, true},
		{"no", false, true},
		{"Deny", false, true},
		{"maybe later", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		approved, matched := parseApprovalReply(tc.body)
		if approved != tc.approved || matched != tc.matched {
			t.Errorf("parseApprovalReply(%q) = (%v, %v), want (%v, %v)", tc.body, approved, matched, tc.approved, tc.matched)
		}
	}
}

func TestMatchQuestionReply(t *testing.T) {
	q := &models.PendingQuestion{
		Question: "pick",
		Options: []models.QuestionOption{
			{Label: "staging"},
			{Label: "production"},
		},
	}

	if label, ok := matchQuestionReply(q, "1"); !ok || label != "staging" {
		t.Errorf("index reply = (%q, %v)", label, ok)
	}
	if label, ok := matchQuestionReply(q, "PRODUCTION"); !ok || label != "production" {
		t.Errorf("label reply = (%q, %v)", label, ok)
	}
	if _, ok := matchQuestionReply(q, "3"); ok {
		t.Error("out-of-range index must not match")
	}
	if _, ok := matchQuestionReply(q, "something else"); ok {
		t.Error("unrelated reply must not match")
	}
}

func TestSplitSessionKey(t *testing.T) {
	channel, kind, id, err := splitSessionKey("whatsapp:group:team-g.us")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if channel != models.ChannelWhatsApp || kind != models.ConversationGroup || id != "team-g.us" {
		t.Errorf("parsed = %s %s %s", channel, kind, id)
	}

	for _, bad := range []string{"", "desktop", "desktop:direct", "carrier:direct:x"} {
		if _, _, _, err := splitSessionKey(bad); err == nil {
			t.Errorf("splitSessionKey(%q) should fail", bad)
		}
	}
}
