// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
)

// Action name constants for tools the backend may propose.
const (
	// ActionSendMessage sends an outward message on the originating channel.
	ActionSendMessage = "send_message"
	// ActionScheduleJob creates a new scheduled trigger.
	ActionScheduleJob = "schedule_job"
	// ActionAskUser asks the user to choose among options.
	ActionAskUser = "ask_user"
	// ActionRunCommand executes a shell command on the host.
	ActionRunCommand = "run_command"
)

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from the provider
	Type     string       `json:"type"`     // Always "function"
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "send_message")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// SendMessageParams defines the parameters for the send_message tool call.
type SendMessageParams struct {
	Body string `json:"body"`
}

// Validate ensures the send_message parameters are valid.
func (p *SendMessageParams) Validate() error {
	if p.Body == "" {
		return fmt.Errorf("body is required for send_message")
	}
	return nil
}

// ScheduleJobParams defines the parameters for the schedule_job tool call.
// Exactly one of Cron, Every, or In must be provided.
type ScheduleJobParams struct {
	Name           string `json:"name"`
	Cron           string `json:"cron,omitempty"`
	Every          string `json:"every,omitempty"`
	In             string `json:"in,omitempty"` // relative one-shot delay, e.g. "45m"
	Timezone       string `json:"timezone,omitempty"`
	Prompt         string `json:"prompt"`
	DeleteAfterRun bool   `json:"delete_after_run,omitempty"`
}

// Validate ensures the schedule_job parameters are valid.
func (p *ScheduleJobParams) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required for schedule_job")
	}
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required for schedule_job")
	}
	set := 0
	for _, v := range []string{p.Cron, p.Every, p.In} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("schedule_job requires exactly one of cron, every, in")
	}
	return nil
}

// AskUserParams defines the parameters for the ask_user tool call.
type AskUserParams struct {
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
}

// Validate ensures the ask_user parameters are valid.
func (p *AskUserParams) Validate() error {
	if p.Question == "" {
		return fmt.Errorf("question is required for ask_user")
	}
	if len(p.Options) == 0 {
		return fmt.Errorf("at least one option is required for ask_user")
	}
	if len(p.Options) > MaxQuestionOptionsCount {
		return fmt.Errorf("too many options for ask_user (max %d)", MaxQuestionOptionsCount)
	}
	for _, opt := range p.Options {
		if opt.Label == "" {
			return fmt.Errorf("option label cannot be empty")
		}
	}
	return nil
}

// RunCommandParams defines the parameters for the run_command tool call.
type RunCommandParams struct {
	Command string `json:"command"`
}

// Validate ensures the run_command parameters are valid.
func (p *RunCommandParams) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("command is required for run_command")
	}
	return nil
}

// ParseArgs decodes the function-call arguments into dst and reports a
// wrapped error naming the function on failure.
func (fc *FunctionCall) ParseArgs(dst interface{}) error {
	if err := json.Unmarshal(fc.Arguments, dst); err != nil {
		return fmt.Errorf("failed to parse %s parameters: %w", fc.Name, err)
	}
	return nil
}

// ArgsMap decodes the function-call arguments into a generic map for
// classification and audit logging. Invalid JSON yields an empty map.
func (fc *FunctionCall) ArgsMap() map[string]any {
	args := make(map[string]any)
	if len(fc.Arguments) > 0 {
		_ = json.Unmarshal(fc.Arguments, &args)
	}
	return args
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}
