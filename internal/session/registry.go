// Package session maintains the registry of conversation sessions.
//
// A session is the persistent identity for one conversation context. The
// in-memory registry is authoritative; snapshots are written to the store
// on a debounce so bursts of activity do not thrash persistence. At most
// one automation run may be active per session, enforced by BeginRun.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/util"
)

// DefaultPersistDebounce batches snapshot writes after mutations.
const DefaultPersistDebounce = time.Second

// SessionStore is the slice of the store the registry needs.
type SessionStore interface {
	LoadSessions() ([]models.Session, error)
	SaveSessions(sessions []models.Session) error
}

// Registry owns all sessions keyed by their canonical session key.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	store    SessionStore
	debounce time.Duration

	persistTimer *time.Timer
	closed       bool
}

// Opts holds registry configuration.
type Opts struct {
	PersistDebounce time.Duration
}

// Option configures the registry.
type Option func(*Opts)

// WithPersistDebounce overrides the snapshot debounce interval.
func WithPersistDebounce(d time.Duration) Option {
	return func(o *Opts) { o.PersistDebounce = d }
}

// NewRegistry creates a session registry backed by the given store.
func NewRegistry(store SessionStore, opts ...Option) *Registry {
	cfg := Opts{PersistDebounce: DefaultPersistDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		sessions: make(map[string]*models.Session),
		store:    store,
		debounce: cfg.PersistDebounce,
	}
}

// KeyOf builds the canonical session key for a conversation. Conversation
// IDs may carry characters that are unsafe in keys and file names, so they
// are sanitized; the encoding is injective, so distinct raw IDs always
// produce distinct keys.
func KeyOf(channel models.Channel, kind models.ConversationKind, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, kind, sanitizeID(conversationID))
}

// sanitizeID keeps letters, digits, dot, underscore, plus and hyphen;
// every other byte is percent-encoded so two different raw IDs can never
// collapse to the same key.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' || c == '_' || c == '+' || c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// Load restores the persisted session set. Every reloaded session has its
// active-run flag cleared; a run cannot survive a restart. Pending
// approvals and questions are kept so the owner can still answer them.
func (r *Registry) Load() error {
	sessions, err := r.store.LoadSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range sessions {
		sess := sessions[i]
		sess.ActiveRun = false
		r.sessions[sess.Key] = &sess
	}
	slog.Info("Registry.Load: sessions restored", "count", len(r.sessions))
	return nil
}

// GetOrCreate returns the session for a conversation, creating it on first
// contact.
func (r *Registry) GetOrCreate(channel models.Channel, kind models.ConversationKind, conversationID string) models.Session {
	key := KeyOf(channel, kind, conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, exists := r.sessions[key]; exists {
		return *sess
	}

	now := time.Now()
	sess := &models.Session{
		Key:              key,
		ID:               util.GenerateSessionID(now),
		Channel:          channel,
		ConversationKind: kind,
		ConversationID:   conversationID,
		LastActivity:     now,
		CreatedAt:        now,
	}
	r.sessions[key] = sess
	r.schedulePersistLocked()
	slog.Info("Registry.GetOrCreate: session created", "key", key, "id", sess.ID)
	return *sess
}

// Get returns a session by key.
func (r *Registry) Get(key string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[key]
	if !exists {
		return models.Session{}, models.ErrSessionNotFound
	}
	return *sess, nil
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]models.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, *sess)
	}
	return sessions
}

// Remove deletes a session.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; !exists {
		return models.ErrSessionNotFound
	}
	delete(r.sessions, key)
	r.schedulePersistLocked()
	slog.Info("Registry.Remove: session removed", "key", key)
	return nil
}

// Clear removes every session, including any active-run bookkeeping.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := len(r.sessions)
	r.sessions = make(map[string]*models.Session)
	r.schedulePersistLocked()
	slog.Info("Registry.Clear: all sessions removed", "count", count)
}

// Touch records conversation activity: bumps the message count and the
// last-activity timestamp.
func (r *Registry) Touch(key string) error {
	return r.update(key, func(sess *models.Session) {
		sess.MessageCount++
		sess.LastActivity = time.Now()
	})
}

// SetContinuationID records the backend continuation handle so follow-up
// runs resume the same backend conversation.
func (r *Registry) SetContinuationID(key, continuationID string) error {
	return r.update(key, func(sess *models.Session) {
		sess.ContinuationID = continuationID
	})
}

// BeginRun atomically claims the session's run slot. It fails with
// ErrRunActive while another run holds it.
func (r *Registry) BeginRun(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[key]
	if !exists {
		return models.ErrSessionNotFound
	}
	if sess.ActiveRun {
		return models.ErrRunActive
	}
	sess.ActiveRun = true
	return nil
}

// EndRun releases the session's run slot.
func (r *Registry) EndRun(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, exists := r.sessions[key]; exists {
		sess.ActiveRun = false
	}
}

// SetPendingApproval installs the session's pending approval, replacing any
// previous one.
func (r *Registry) SetPendingApproval(key string, approval *models.PendingApproval) error {
	return r.update(key, func(sess *models.Session) {
		sess.PendingApproval = approval
	})
}

// SetPendingQuestion installs the session's pending question, replacing any
// previous one.
func (r *Registry) SetPendingQuestion(key string, question *models.PendingQuestion) error {
	return r.update(key, func(sess *models.Session) {
		sess.PendingQuestion = question
	})
}

// update applies a mutation under the lock and schedules persistence.
func (r *Registry) update(key string, fn func(*models.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, exists := r.sessions[key]
	if !exists {
		return models.ErrSessionNotFound
	}
	fn(sess)
	r.schedulePersistLocked()
	return nil
}

// schedulePersistLocked arms the debounce timer. Repeated mutations within
// the window coalesce into one snapshot write. Caller holds r.mu.
func (r *Registry) schedulePersistLocked() {
	if r.closed || r.persistTimer != nil {
		return
	}
	r.persistTimer = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		r.persistTimer = nil
		snapshot := r.snapshotLocked()
		r.mu.Unlock()
		r.save(snapshot)
	})
}

// Flush writes a snapshot immediately, cancelling any pending debounce.
// Called on shutdown.
func (r *Registry) Flush() {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.save(snapshot)
}

// Close flushes and stops future persistence.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Flush()
}

func (r *Registry) snapshotLocked() []models.Session {
	sessions := make([]models.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, *sess)
	}
	return sessions
}

func (r *Registry) save(snapshot []models.Session) {
	if err := r.store.SaveSessions(snapshot); err != nil {
		slog.Error("Registry.save: session persistence failed", "error", err)
	}
}
