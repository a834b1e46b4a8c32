// Package models defines the core data structures for AgentPipe.
//
// It includes types for sessions, pending approvals/questions, scheduled
// jobs, and normalized channel messages, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies an external conversational channel.
type Channel string

const (
	// ChannelDesktop is the owner-present desktop control client.
	ChannelDesktop Channel = "desktop"
	// ChannelWhatsApp is the whatsmeow-backed WhatsApp connector.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTwilio is the Twilio WhatsApp connector.
	ChannelTwilio Channel = "twilio"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelDesktop, ChannelWhatsApp, ChannelTwilio:
		return true
	default:
		return false
	}
}

// ConversationKind distinguishes direct chats from group chats.
type ConversationKind string

const (
	// ConversationDirect is a one-on-one conversation.
	ConversationDirect ConversationKind = "direct"
	// ConversationGroup is a group conversation.
	ConversationGroup ConversationKind = "group"
)

// Validation constants for inbound message handling.
const (
	// MaxMessageBodyLength defines the maximum accepted inbound body length.
	MaxMessageBodyLength = 16384
	// MaxQuestionOptionsCount defines the maximum number of question options.
	MaxQuestionOptionsCount = 10
)

// Error variables for better error handling and testability.
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrInvalidChannel      = errors.New("invalid channel")
	ErrEmptyBody           = errors.New("message body cannot be empty")
	ErrBodyTooLong         = errors.New("message body exceeds maximum length")
	ErrEmptyJobName        = errors.New("job name cannot be empty")
	ErrEmptyJobPrompt      = errors.New("job prompt cannot be empty")
	ErrNoSchedule          = errors.New("job must define exactly one of cron, every, at")
	ErrMultipleSchedules   = errors.New("job defines more than one schedule kind")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrSessionNotFound     = errors.New("session not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrRunActive           = errors.New("a run is already active for this session")
)

// InboundMessage is a channel event normalized by a channel adapter.
type InboundMessage struct {
	Channel          Channel          `json:"channel"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	ConversationID   string           `json:"conversation_id"`
	SenderID         string           `json:"sender_id"`
	Body             string           `json:"body"`
	ReplyToID        string           `json:"reply_to_id,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Validate performs basic validation on an inbound message.
func (m *InboundMessage) Validate() error {
	if !IsValidChannel(m.Channel) {
		return ErrInvalidChannel
	}
	if m.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// Session is the persistent identity for one conversation context across runs.
// In-memory state is authoritative; the persisted copy is a crash-recovery
// snapshot and every reloaded session has ActiveRun forced to false.
type Session struct {
	Key              string           `json:"key"`
	ID               string           `json:"id"` // time-sortable, used for log file naming
	Channel          Channel          `json:"channel"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	ConversationID   string           `json:"conversation_id"`
	ContinuationID   string           `json:"continuation_id,omitempty"`
	MessageCount     int              `json:"message_count"`
	LastActivity     time.Time        `json:"last_activity"`
	ActiveRun        bool             `json:"active_run"`
	PendingApproval  *PendingApproval `json:"pending_approval,omitempty"`
	PendingQuestion  *PendingQuestion `json:"pending_question,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// PendingApproval is a suspended action awaiting a human decision.
// At most one exists per session at a time.
type PendingApproval struct {
	RequestID      string         `json:"request_id"`
	ActionName     string         `json:"action_name"`
	Args           map[string]any `json:"args,omitempty"`
	ConversationID string         `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// QuestionOption is one selectable choice in a pending question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PendingQuestion is a suspended backend question awaiting a choice.
// At most one exists per session at a time.
type PendingQuestion struct {
	RequestID string           `json:"request_id"`
	Question  string           `json:"question"`
	Options   []QuestionOption `json:"options"`
	CreatedAt time.Time        `json:"created_at"`
}

// ScheduleKind identifies which schedule field of a job is set.
type ScheduleKind string

const (
	// ScheduleCron is a 5-field cron expression schedule.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleEvery is a fixed-interval schedule ("30m", "12h", "1d").
	ScheduleEvery ScheduleKind = "every"
	// ScheduleAt is a one-shot schedule at an absolute time.
	ScheduleAt ScheduleKind = "at"
)

// ScheduledJob is a durable trigger definition. Exactly one of Cron, Every,
// or At must be set.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Cron           string     `json:"cron,omitempty"`
	Every          string     `json:"every,omitempty"`
	At             *time.Time `json:"at,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	Prompt         string     `json:"prompt"`
	SessionKey     string     `json:"session_key"`
	Enabled        bool       `json:"enabled"`
	DeleteAfterRun bool       `json:"delete_after_run,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduleKind returns which schedule field is set, without validating.
func (j *ScheduledJob) ScheduleKind() ScheduleKind {
	switch {
	case j.Cron != "":
		return ScheduleCron
	case j.Every != "":
		return ScheduleEvery
	default:
		return ScheduleAt
	}
}

// Validate checks the structural invariants of a job definition. Schedule
// syntax (cron fields, interval strings) is validated by the trigger engine.
func (j *ScheduledJob) Validate() error {
	if j.Name == "" {
		return ErrEmptyJobName
	}
	if j.Prompt == "" {
		return ErrEmptyJobPrompt
	}
	set := 0
	if j.Cron != "" {
		set++
	}
	if j.Every != "" {
		set++
	}
	if j.At != nil {
		set++
	}
	if set == 0 {
		return ErrNoSchedule
	}
	if set > 1 {
		return ErrMultipleSchedules
	}
	if j.Timezone != "" {
		if _, err := time.LoadLocation(j.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	return nil
}

// HeartbeatState is the singleton recurring-trigger state for one process.
type HeartbeatState struct {
	Interval   time.Duration `json:"interval"`
	NextDueAt  time.Time     `json:"next_due_at"`
	LastRunAt  time.Time     `json:"last_run_at,omitempty"`
	LastText   string        `json:"last_text,omitempty"`
	LastTextAt time.Time     `json:"last_text_at,omitempty"`
}

// RiskTier is the risk bucket assigned to a proposed action.
type RiskTier string

const (
	// RiskAutoAllow lets the action proceed without owner involvement.
	RiskAutoAllow RiskTier = "auto-allow"
	// RiskNotify lets the action proceed but surfaces it to the owner.
	RiskNotify RiskTier = "notify"
	// RiskRequireApproval suspends the action until a human decision.
	RiskRequireApproval RiskTier = "require-approval"
)

// PermissionMode is the action-permission level a run executes under.
type PermissionMode string

const (
	// PermissionUnrestricted is reserved for owner-present channels.
	PermissionUnrestricted PermissionMode = "unrestricted"
	// PermissionRestricted is forced for all channel-originated runs.
	PermissionRestricted PermissionMode = "restricted"
)

// ProposedAction is an action the backend wants to perform mid-run.
type ProposedAction struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// RunStatus is the terminal status of an automation run.
type RunStatus string

const (
	// RunStatusOK indicates the run completed normally.
	RunStatusOK RunStatus = "ok"
	// RunStatusError indicates the backend failed mid-run.
	RunStatusError RunStatus = "error"
	// RunStatusTimeout indicates the run exceeded its deadline.
	RunStatusTimeout RunStatus = "timeout"
)

// RunResult is the outcome of one automation run.
type RunResult struct {
	Status         RunStatus `json:"status"`
	Text           string    `json:"text,omitempty"`
	ContinuationID string    `json:"continuation_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// OutboundMessage is a message sent (or queued) toward a channel, carrying
// the adapter-assigned message id used for later edit or delete.
type OutboundMessage struct {
	ID        string    `json:"id"`
	Channel   Channel   `json:"channel"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// LogDirection marks a message-log entry as inbound or outbound.
type LogDirection string

const (
	// LogInbound is a message received from a channel.
	LogInbound LogDirection = "in"
	// LogOutbound is a message sent to a channel.
	LogOutbound LogDirection = "out"
)

// LogEntry is one durable per-session audit record.
type LogEntry struct {
	Direction LogDirection `json:"direction"`
	Channel   Channel      `json:"channel"`
	SenderID  string       `json:"sender_id,omitempty"`
	Body      string       `json:"body"`
	Timestamp time.Time    `json:"timestamp"`
}
