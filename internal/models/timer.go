// Package models defines the timer abstraction shared by the trigger engine.
package models

import "time"

// Timer abstracts cancellable scheduled callbacks. Implementations return a
// handle ID that can later cancel the pending callback deterministically.
type Timer interface {
	// ScheduleAfter schedules fn to run after delay and returns a handle ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// ScheduleAt schedules fn to run at the given time and returns a handle ID.
	ScheduleAt(when time.Time, fn func()) (string, error)
	// Cancel cancels a scheduled callback by handle ID. Cancelling an
	// unknown or already-fired handle is not an error.
	Cancel(id string) error
	// Stop cancels all scheduled callbacks.
	Stop()
	// ListActive returns information about all pending callbacks.
	ListActive() []TimerInfo
}

// TimerInfo describes one pending timer callback.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description,omitempty"`
}
