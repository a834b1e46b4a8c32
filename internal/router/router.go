// Package router orchestrates inbound messages into automation runs.
//
// The router is the single place that decides, for every inbound event
// (user message or fired trigger), whether a run starts, and that
// reconciles the backend's in-run requests (approvals, questions, sends)
// back to the right channel. Concurrency control is the session registry's
// activeRun gate; the router guarantees the gate is released on every exit
// path of a run.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/backend"
	"github.com/BTreeMap/AgentPipe/internal/messaging"
	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/session"
	"github.com/BTreeMap/AgentPipe/internal/trigger"
)

// Defaults for router timing policy.
const (
	// DefaultRunTimeout bounds one automation run end to end.
	DefaultRunTimeout = 10 * time.Minute
	// DefaultDedupWindow is how long an identical sender+body pair is
	// treated as a duplicate delivery.
	DefaultDedupWindow = 60 * time.Second
	// DefaultApprovalTimeout is how long an approval or question prompt
	// waits for a reply before resolving as denial / no answer.
	DefaultApprovalTimeout = 5 * time.Minute
)

// noticeRunActive is sent back when a message arrives while a run is
// already in progress. Rejection is the documented policy, never a silent
// drop.
const noticeRunActive = "An automation run is already in progress for this conversation. Your message was not started; try again when it finishes."

// LogSink appends durable per-session audit entries. Failures are logged
// and never block routing.
type LogSink interface {
	AppendLog(sessionID string, entry models.LogEntry) error
}

// Opts holds configuration options for the router.
type Opts struct {
	RunTimeout      time.Duration
	DedupWindow     time.Duration
	ApprovalTimeout time.Duration
}

// Option defines a configuration option for the router.
type Option func(*Opts)

// WithRunTimeout overrides the per-run deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RunTimeout = d }
}

// WithDedupWindow overrides the duplicate-delivery window.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// WithApprovalTimeout overrides how long approval and question prompts
// wait for a reply.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ApprovalTimeout = d }
}

// Router wires the session registry, risk policy, trigger engine, channel
// services, and the automation backend together.
type Router struct {
	registry *session.Registry
	backend  backend.Backend
	logs     LogSink

	runTimeout      time.Duration
	dedupWindow     time.Duration
	approvalTimeout time.Duration

	mu        sync.Mutex
	services  map[models.Channel]messaging.Service
	engine    *trigger.Engine
	dedup     map[string]time.Time
	approvals map[string]chan bool   // session key -> decision
	questions map[string]chan string // session key -> chosen option label
}

// NewRouter creates a router. The trigger engine is attached afterwards
// via SetEngine because the engine's dispatch function is the router.
func NewRouter(registry *session.Registry, be backend.Backend, logs LogSink, opts ...Option) *Router {
	cfg := Opts{
		RunTimeout:      DefaultRunTimeout,
		DedupWindow:     DefaultDedupWindow,
		ApprovalTimeout: DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Router{
		registry:        registry,
		backend:         be,
		logs:            logs,
		runTimeout:      cfg.RunTimeout,
		dedupWindow:     cfg.DedupWindow,
		approvalTimeout: cfg.ApprovalTimeout,
		services:        make(map[models.Channel]messaging.Service),
		dedup:           make(map[string]time.Time),
		approvals:       make(map[string]chan bool),
		questions:       make(map[string]chan string),
	}
}

// RegisterService attaches a channel adapter. One adapter per channel.
func (r *Router) RegisterService(svc messaging.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Channel()] = svc
}

// SetEngine attaches the trigger engine used by the schedule_job action.
func (r *Router) SetEngine(engine *trigger.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

// Service returns the adapter registered for a channel.
func (r *Router) Service(channel models.Channel) (messaging.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[channel]
	if !ok {
		return nil, fmt.Errorf("no service registered for channel %s", channel)
	}
	return svc, nil
}

// Pump consumes a service's inbound stream until the context ends,
// routing every message. Run one pump goroutine per registered service.
func (r *Router) Pump(ctx context.Context, svc messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Messages():
			if !ok {
				return
			}
			if err := r.Route(ctx, msg); err != nil {
				slog.Error("Router.Pump: routing failed", "channel", svc.Channel(), "error", err)
			}
		}
	}
}

// Route is the single entry point for inbound messages. The pipeline is
// pending-approval matching, then pending-question matching (unmatched
// replies fall through), then dedup, then the activeRun gate, then the
// run itself, started asynchronously so channel pumps are never blocked
// by a long run.
func (r *Router) Route(ctx context.Context, msg models.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("rejecting inbound message: %w", err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	svc, err := r.Service(msg.Channel)
	if err != nil {
		return err
	}

	sess := r.registry.GetOrCreate(msg.Channel, msg.ConversationKind, msg.ConversationID)
	key := sess.Key
	_ = r.registry.Touch(key)
	r.appendLog(sess.ID, models.LogEntry{
		Direction: models.LogInbound,
		Channel:   msg.Channel,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	})

	// Pending replies are matched before dedup: a repeated "yes" inside
	// the dedup window must still resolve the approval.
	if sess.PendingApproval != nil {
		if decision, matched := parseApprovalReply(msg.Body); matched {
			r.resolveApproval(key, decision)
			return nil
		}
		// Unmatched reply falls through to normal routing.
	}

	if sess.PendingQuestion != nil {
		if label, matched := matchQuestionReply(sess.PendingQuestion, msg.Body); matched {
			r.resolveQuestion(key, label)
			return nil
		}
	}

	if r.isDuplicate(msg) {
		slog.Debug("Router.Route: duplicate delivery dropped", "key", key, "sender", msg.SenderID)
		return nil
	}

	if err := r.registry.BeginRun(key); err != nil {
		slog.Info("Router.Route: run already active, rejecting", "key", key)
		r.sendNotice(ctx, svc, sess, msg.ConversationID, noticeRunActive)
		return err
	}

	permission := models.PermissionRestricted
	if svc.OwnerPresent() {
		permission = models.PermissionUnrestricted
	}

	go r.executeRun(key, msg.ConversationID, svc, permission, msg.Body)
	return nil
}

// DispatchJob is the trigger engine's entry point: a fired job becomes a
// run on the job's session, with the final text forwarded to the channel
// like any other run. It satisfies trigger.DispatchFunc.
func (r *Router) DispatchJob(ctx context.Context, job models.ScheduledJob) (string, error) {
	return r.dispatchJob(ctx, job, true)
}

// DispatchSilent runs a job's prompt without forwarding the final text or
// failure notices to the channel; the returned text is the caller's to
// deliver. The heartbeat uses this so its suppression rules are the only
// delivery gate.
func (r *Router) DispatchSilent(ctx context.Context, job models.ScheduledJob) (string, error) {
	return r.dispatchJob(ctx, job, false)
}

func (r *Router) dispatchJob(ctx context.Context, job models.ScheduledJob, forward bool) (string, error) {
	sess, err := r.registry.Get(job.SessionKey)
	if err != nil {
		// The session was removed after the job was created; recreate it
		// from the key. The conversation id of a live session is always
		// the stored raw one, never re-derived from the sanitized key.
		channel, kind, conversationID, splitErr := splitSessionKey(job.SessionKey)
		if splitErr != nil {
			return "", fmt.Errorf("job %s has unusable session key: %w", job.ID, splitErr)
		}
		sess = r.registry.GetOrCreate(channel, kind, conversationID)
	}

	svc, err := r.Service(sess.Channel)
	if err != nil {
		return "", err
	}

	if err := r.registry.BeginRun(sess.Key); err != nil {
		return "", fmt.Errorf("job %s skipped: %w", job.ID, err)
	}

	permission := models.PermissionRestricted
	if svc.OwnerPresent() {
		permission = models.PermissionUnrestricted
	}

	result := r.runLocked(sess.Key, sess.ConversationID, svc, permission, job.Prompt, forward)
	if result.Status != models.RunStatusOK {
		return "", fmt.Errorf("job run ended with status %s: %s", result.Status, result.Error)
	}
	return result.Text, nil
}

// executeRun runs asynchronously on behalf of Route.
func (r *Router) executeRun(key, conversationID string, svc messaging.Service, permission models.PermissionMode, prompt string) {
	result := r.runLocked(key, conversationID, svc, permission, prompt, true)
	if result.Status != models.RunStatusOK {
		slog.Warn("Router.executeRun: run did not complete", "key", key, "status", result.Status, "error", result.Error)
	}
}

// runLocked executes one run. The caller must hold the session's activeRun
// gate; it is released here on every exit path. forward controls whether
// the final text and failure notices go back to the channel.
func (r *Router) runLocked(key, conversationID string, svc messaging.Service, permission models.PermissionMode, prompt string, forward bool) models.RunResult {
	defer r.registry.EndRun(key)

	ctx, cancel := context.WithTimeout(context.Background(), r.runTimeout)
	defer cancel()

	sess, err := r.registry.Get(key)
	if err != nil {
		return models.RunResult{Status: models.RunStatusError, Error: err.Error()}
	}

	exec := &runExecutor{
		router:         r,
		sessionKey:     key,
		sessionID:      sess.ID,
		conversationID: conversationID,
		service:        svc,
		permission:     permission,
	}

	result := r.backend.Run(ctx, backend.RunRequest{
		SessionKey:     key,
		Prompt:         prompt,
		ContinuationID: sess.ContinuationID,
		Permission:     permission,
		Executor:       exec,
	})

	if result.ContinuationID != "" && result.ContinuationID != sess.ContinuationID {
		_ = r.registry.SetContinuationID(key, result.ContinuationID)
	}

	if !forward {
		return result
	}

	switch result.Status {
	case models.RunStatusOK:
		// Auto-forward the final text only when the run did not already
		// send a message itself.
		if result.Text != "" && !exec.sentMessage() {
			r.sendNotice(ctx, svc, sess, conversationID, result.Text)
		}
	case models.RunStatusTimeout:
		r.sendNotice(ctx, svc, sess, conversationID, "The automation run timed out and was stopped.")
	case models.RunStatusError:
		r.sendNotice(ctx, svc, sess, conversationID, "The automation run failed: "+result.Error)
	}
	return result
}

// sendNotice delivers a router-originated message and records it in the
// session log. Send failures are logged only.
func (r *Router) sendNotice(ctx context.Context, svc messaging.Service, sess models.Session, conversationID, body string) {
	if _, err := svc.SendMessage(ctx, conversationID, body); err != nil {
		slog.Error("Router.sendNotice: send failed", "channel", svc.Channel(), "error", err)
		return
	}
	r.appendLog(sess.ID, models.LogEntry{
		Direction: models.LogOutbound,
		Channel:   svc.Channel(),
		Body:      body,
		Timestamp: time.Now(),
	})
}

// appendLog writes one audit entry, best-effort.
func (r *Router) appendLog(sessionID string, entry models.LogEntry) {
	if r.logs == nil || sessionID == "" {
		return
	}
	if err := r.logs.AppendLog(sessionID, entry); err != nil {
		slog.Error("Router.appendLog: log append failed", "sessionID", sessionID, "error", err)
	}
}

// isDuplicate records the message fingerprint and reports whether the same
// sender+body pair was already seen inside the dedup window.
func (r *Router) isDuplicate(msg models.InboundMessage) bool {
	if r.dedupWindow <= 0 {
		return false
	}
	fingerprint := msg.SenderID + "\x00" + msg.Body

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, seen := range r.dedup {
		if now.Sub(seen) > r.dedupWindow {
			delete(r.dedup, k)
		}
	}
	if seen, ok := r.dedup[fingerprint]; ok && now.Sub(seen) <= r.dedupWindow {
		return true
	}
	r.dedup[fingerprint] = now
	return false
}

// resolveApproval delivers a decision to the waiting executor and clears
// the pending record.
func (r *Router) resolveApproval(key string, approved bool) {
	_ = r.registry.SetPendingApproval(key, nil)

	r.mu.Lock()
	ch := r.approvals[key]
	delete(r.approvals, key)
	r.mu.Unlock()

	if ch != nil {
		select {
		case ch <- approved:
		default:
		}
	}
	slog.Info("Router.resolveApproval: approval resolved", "key", key, "approved", approved)
}

// resolveQuestion delivers the chosen option to the waiting executor and
// clears the pending record.
func (r *Router) resolveQuestion(key, label string) {
	_ = r.registry.SetPendingQuestion(key, nil)

	r.mu.Lock()
	ch := r.questions[key]
	delete(r.questions, key)
	r.mu.Unlock()

	if ch != nil {
		select {
		case ch <- label:
		default:
		}
	}
	slog.Info("Router.resolveQuestion: question resolved", "key", key, "option", label)
}

// registerApprovalWaiter installs the decision channel for a session.
func (r *Router) registerApprovalWaiter(key string) chan bool {
	ch := make(chan bool, 1)
	r.mu.Lock()
	r.approvals[key] = ch
	r.mu.Unlock()
	return ch
}

// registerQuestionWaiter installs the answer channel for a session.
func (r *Router) registerQuestionWaiter(key string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.questions[key] = ch
	r.mu.Unlock()
	return ch
}

// dropApprovalWaiter removes a waiter that timed out or failed to prompt.
func (r *Router) dropApprovalWaiter(key string) {
	r.mu.Lock()
	delete(r.approvals, key)
	r.mu.Unlock()
}

// dropQuestionWaiter removes a waiter that timed out or failed to prompt.
func (r *Router) dropQuestionWaiter(key string) {
	r.mu.Lock()
	delete(r.questions, key)
	r.mu.Unlock()
}

// parseApprovalReply maps a reply body to an approval decision. Anything
// else leaves the pending approval untouched.
func parseApprovalReply(body string) (approved bool, matched bool) {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "yes", "y", "approve", "approved", "ok", "allow":
		return true, true
	case "no", "n", "deny", "denied", "reject", "rejected":
		return false, true
	default:
		return false, false
	}
}

// matchQuestionReply resolves a reply against a pending question by
// 1-based option index or case-insensitive label.
func matchQuestionReply(q *models.PendingQuestion, body string) (label string, matched bool) {
	reply := strings.TrimSpace(body)
	if reply == "" {
		return "", false
	}

	var index int
	if _, err := fmt.Sscanf(reply, "%d", &index); err == nil {
		if index >= 1 && index <= len(q.Options) && fmt.Sprintf("%d", index) == reply {
			return q.Options[index-1].Label, true
		}
	}
	for _, opt := range q.Options {
		if strings.EqualFold(opt.Label, reply) {
			return opt.Label, true
		}
	}
	return "", false
}

// splitSessionKey decomposes a "channel:kind:conversation" session key.
func splitSessionKey(key string) (models.Channel, models.ConversationKind, string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed session key %q", key)
	}
	channel := models.Channel(parts[0])
	if !models.IsValidChannel(channel) {
		return "", "", "", fmt.Errorf("unknown channel in session key %q", key)
	}
	return channel, models.ConversationKind(parts[1]), parts[2], nil
}
