package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// Heartbeat defaults.
const (
	// DefaultHeartbeatInterval is the firing cadence when none is configured.
	DefaultHeartbeatInterval = 30 * time.Minute
	// DefaultHeartbeatDedupWindow suppresses repeated identical reports.
	DefaultHeartbeatDedupWindow = 24 * time.Hour
	// HeartbeatOKSentinel is the bare "all clear" result that is never
	// delivered to the owner.
	HeartbeatOKSentinel = "HEARTBEAT_OK"
	// DefaultHeartbeatPrompt is the prompt run on every heartbeat firing.
	DefaultHeartbeatPrompt = "Perform a background check of anything that needs the owner's attention. " +
		"If there is nothing to report, reply with exactly HEARTBEAT_OK."
)

// HeartbeatRunFunc executes the heartbeat prompt as an automation run and
// returns the run's textual result. Delivery is decided separately.
type HeartbeatRunFunc func(ctx context.Context, prompt string) (string, error)

// HeartbeatDeliverFunc delivers a non-suppressed heartbeat result to the owner.
type HeartbeatDeliverFunc func(ctx context.Context, text string) error

// HeartbeatOpts configures the heartbeat trigger.
type HeartbeatOpts struct {
	Interval    time.Duration
	Prompt      string
	DedupWindow time.Duration
	// ActiveStart/ActiveEnd bound firing to a time-of-day window in HH:MM
	// form. The window may wrap past midnight ("22:00"–"06:00"). Empty
	// values disable the window (always active).
	ActiveStart string
	ActiveEnd   string
	Timezone    string
}

// Heartbeat is the always-on recurring trigger: a degenerate fixed-interval
// job with quiet-hours and duplicate suppression layered on top.
type Heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	prompt   string
	dedup    time.Duration
	start    string
	end      string
	loc      *time.Location

	run     HeartbeatRunFunc
	deliver HeartbeatDeliverFunc
	timer   models.Timer
	handle  string
	stopped bool

	lastRunAt  time.Time
	nextDueAt  time.Time
	lastText   string
	lastTextAt time.Time
}

// NewHeartbeat creates the heartbeat trigger. Invalid active-hours values
// are rejected here so the firing loop never sees them.
func NewHeartbeat(timer models.Timer, run HeartbeatRunFunc, deliver HeartbeatDeliverFunc, opts HeartbeatOpts) (*Heartbeat, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultHeartbeatPrompt
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultHeartbeatDedupWindow
	}

	loc := time.Local
	if opts.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("heartbeat timezone: %w", models.ErrInvalidTimezone)
		}
	}
	if (opts.ActiveStart == "") != (opts.ActiveEnd == "") {
		return nil, fmt.Errorf("heartbeat active hours require both start and end")
	}
	if opts.ActiveStart != "" {
		if _, err := time.Parse("15:04", opts.ActiveStart); err != nil {
			return nil, fmt.Errorf("heartbeat active start %q: %w", opts.ActiveStart, err)
		}
		if _, err := time.Parse("15:04", opts.ActiveEnd); err != nil {
			return nil, fmt.Errorf("heartbeat active end %q: %w", opts.ActiveEnd, err)
		}
	}

	return &Heartbeat{
		interval: opts.Interval,
		prompt:   opts.Prompt,
		dedup:    opts.DedupWindow,
		start:    opts.ActiveStart,
		end:      opts.ActiveEnd,
		loc:      loc,
		run:      run,
		deliver:  deliver,
		timer:    timer,
	}, nil
}

// Start arms the first heartbeat timer.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = false
	h.armLocked(time.Now())
	slog.Info("Heartbeat.Start: heartbeat armed", "interval", h.interval, "nextDueAt", h.nextDueAt)
}

// Stop cancels the pending heartbeat timer.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.handle != "" {
		_ = h.timer.Cancel(h.handle)
		h.handle = ""
	}
}

// Reconfigure updates the interval and recomputes the next due time.
func (h *Heartbeat) Reconfigure(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interval = interval
	if h.handle != "" {
		_ = h.timer.Cancel(h.handle)
		h.handle = ""
	}
	if !h.stopped {
		h.armLocked(time.Now())
	}
	slog.Info("Heartbeat.Reconfigure: interval updated", "interval", interval, "nextDueAt", h.nextDueAt)
}

// State returns a snapshot of the heartbeat bookkeeping.
func (h *Heartbeat) State() models.HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.HeartbeatState{
		Interval:   h.interval,
		NextDueAt:  h.nextDueAt,
		LastRunAt:  h.lastRunAt,
		LastText:   h.lastText,
		LastTextAt: h.lastTextAt,
	}
}

// armLocked schedules the next firing. nextDue always reflects
// lastRun + interval after a firing. Caller holds h.mu.
func (h *Heartbeat) armLocked(now time.Time) {
	base := h.lastRunAt
	if base.IsZero() {
		base = now
	}
	next := base.Add(h.interval)
	if !next.After(now) {
		next = now.Add(h.interval)
	}
	h.nextDueAt = next

	handle, err := h.timer.ScheduleAt(next, h.fire)
	if err != nil {
		slog.Error("Heartbeat.armLocked: timer scheduling failed", "error", err)
		return
	}
	h.handle = handle
}

// fire runs one heartbeat cycle: active-hours gate, backend run, dedup
// gate, delivery, re-arm. Run failures never stop the heartbeat.
func (h *Heartbeat) fire() {
	now := time.Now()

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.handle = ""
	h.lastRunAt = now
	active := h.inActiveHoursLocked(now)
	prompt := h.prompt
	h.mu.Unlock()

	if !active {
		slog.Debug("Heartbeat.fire: outside active hours, skipping run")
		h.rearm()
		return
	}

	text, err := h.run(context.Background(), prompt)
	if err != nil {
		slog.Error("Heartbeat.fire: heartbeat run failed", "error", err)
		h.rearm()
		return
	}

	if h.ShouldDeliver(text, now) {
		if err := h.deliver(context.Background(), text); err != nil {
			slog.Error("Heartbeat.fire: heartbeat delivery failed", "error", err)
		} else {
			h.mu.Lock()
			h.lastText = strings.TrimSpace(text)
			h.lastTextAt = now
			h.mu.Unlock()
		}
	} else {
		slog.Debug("Heartbeat.fire: result suppressed", "length", len(text))
	}
	h.rearm()
}

// rearm schedules the next firing after a completed cycle.
func (h *Heartbeat) rearm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.armLocked(time.Now())
}

// ShouldDeliver reports whether a heartbeat result is worth delivering:
// bare "all clear" results and near-duplicates of the last delivered text
// within the dedup window are suppressed.
func (h *Heartbeat) ShouldDeliver(text string, now time.Time) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, HeartbeatOKSentinel) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if trimmed == h.lastText && now.Sub(h.lastTextAt) < h.dedup {
		return false
	}
	return true
}

// inActiveHoursLocked evaluates the time-of-day window, supporting windows
// that wrap past midnight. Caller holds h.mu.
func (h *Heartbeat) inActiveHoursLocked(now time.Time) bool {
	if h.start == "" {
		return true
	}
	local := now.In(h.loc)
	minutes := local.Hour()*60 + local.Minute()
	start := parseMinutes(h.start)
	end := parseMinutes(h.end)

	if start <= end {
		return minutes >= start && minutes < end
	}
	// Wrapping window, e.g. 22:00-06:00.
	return minutes >= start || minutes < end
}

// parseMinutes converts a validated HH:MM string to minutes past midnight.
func parseMinutes(hhmm string) int {
	t, _ := time.Parse("15:04", hhmm)
	return t.Hour()*60 + t.Minute()
}
