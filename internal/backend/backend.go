// Package backend runs automation prompts against the LLM backend.
//
// A run takes a prompt plus an optional continuation handle, drives the
// model's tool loop, and routes every proposed action through the caller's
// executor. The executor owns risk policy; the backend never sends
// messages or touches schedules itself.
package backend

import (
	"context"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// ActionExecutor executes a proposed action on behalf of a run. For
// approval-gated actions it blocks until the owner decides; a denial comes
// back as an unsuccessful result, not an error.
type ActionExecutor interface {
	Execute(ctx context.Context, action models.ProposedAction) (models.ToolResult, error)
}

// RunRequest describes one automation run.
type RunRequest struct {
	SessionKey string
	Prompt     string
	// ContinuationID resumes a previous backend conversation. Empty starts
	// a fresh one; the result carries the handle to use next time.
	ContinuationID string
	Permission     models.PermissionMode
	Executor       ActionExecutor
}

// Backend is the automation engine interface.
type Backend interface {
	Run(ctx context.Context, req RunRequest) models.RunResult
}
