package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/messaging"
	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/policy"
	"github.com/BTreeMap/AgentPipe/internal/trigger"
	"github.com/BTreeMap/AgentPipe/internal/util"
)

// maxCommandOutput caps how much command output is fed back to the model.
const maxCommandOutput = 4096

// runExecutor executes proposed actions for one run. It classifies each
// action, auto-allows, notifies the owner, or performs the approval
// round-trip on the originating channel.
type runExecutor struct {
	router         *Router
	sessionKey     string
	sessionID      string
	conversationID string
	service        messaging.Service
	permission     models.PermissionMode

	mu   sync.Mutex
	sent bool
}

func (x *runExecutor) sentMessage() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sent
}

func (x *runExecutor) markSent() {
	x.mu.Lock()
	x.sent = true
	x.mu.Unlock()
}

// Execute arbitrates and performs one proposed action. A denial is an
// unsuccessful result the model can react to; an error aborts the run.
func (x *runExecutor) Execute(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	if action.Name == models.ActionAskUser {
		return x.askUser(ctx, action)
	}

	tier := policy.Classify(action.Name, action.Args)
	slog.Debug("runExecutor.Execute: action classified", "key", x.sessionKey, "action", action.Name, "tier", tier)

	switch tier {
	case models.RiskRequireApproval:
		approved, err := x.awaitApproval(ctx, action)
		if err != nil {
			return models.ToolResult{}, err
		}
		if !approved {
			return models.ToolResult{
				ToolCallID: action.ID,
				Success:    false,
				Error:      "the owner denied this action",
			}, nil
		}
	case models.RiskNotify:
		x.notifyOwner(ctx, action)
	}

	return x.perform(ctx, action)
}

// perform carries out an already-arbitrated action.
func (x *runExecutor) perform(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	switch action.Name {
	case models.ActionSendMessage:
		return x.performSend(ctx, action)
	case models.ActionScheduleJob:
		return x.performSchedule(ctx, action)
	case models.ActionRunCommand:
		return x.performCommand(ctx, action)
	default:
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    false,
			Error:      fmt.Sprintf("unknown action %q", action.Name),
		}, nil
	}
}

func (x *runExecutor) performSend(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	var params models.SendMessageParams
	if err := decodeArgs(action.Args, &params); err != nil {
		return invalidArgs(action, err), nil
	}
	if err := params.Validate(); err != nil {
		return invalidArgs(action, err), nil
	}

	messageID, err := x.service.SendMessage(ctx, x.conversationID, params.Body)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("send_message failed: %w", err)
	}
	x.markSent()
	x.router.appendLog(x.sessionID, models.LogEntry{
		Direction: models.LogOutbound,
		Channel:   x.service.Channel(),
		Body:      params.Body,
		Timestamp: time.Now(),
	})

	return models.ToolResult{
		ToolCallID: action.ID,
		Success:    true,
		Message:    "message sent (id " + messageID + ")",
	}, nil
}

func (x *runExecutor) performSchedule(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	var params models.ScheduleJobParams
	if err := decodeArgs(action.Args, &params); err != nil {
		return invalidArgs(action, err), nil
	}
	if err := params.Validate(); err != nil {
		return invalidArgs(action, err), nil
	}

	x.router.mu.Lock()
	engine := x.router.engine
	x.router.mu.Unlock()
	if engine == nil {
		return models.ToolResult{}, fmt.Errorf("schedule_job failed: no trigger engine attached")
	}

	job := models.ScheduledJob{
		Name:           params.Name,
		Cron:           params.Cron,
		Every:          params.Every,
		Timezone:       params.Timezone,
		Prompt:         params.Prompt,
		SessionKey:     x.sessionKey,
		Enabled:        true,
		DeleteAfterRun: params.DeleteAfterRun,
	}
	if params.In != "" {
		delay, err := trigger.ParseInterval(params.In)
		if err != nil {
			return invalidArgs(action, err), nil
		}
		at := time.Now().Add(delay)
		job.At = &at
		job.DeleteAfterRun = true
	}

	created, err := engine.AddJob(job)
	if err != nil {
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    false,
			Error:      "schedule rejected: " + err.Error(),
		}, nil
	}

	return models.ToolResult{
		ToolCallID: action.ID,
		Success:    true,
		Message:    fmt.Sprintf("job %q scheduled (id %s)", created.Name, created.ID),
	}, nil
}

func (x *runExecutor) performCommand(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	if x.permission != models.PermissionUnrestricted {
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    false,
			Error:      "run_command is not available in restricted mode",
		}, nil
	}

	var params models.RunCommandParams
	if err := decodeArgs(action.Args, &params); err != nil {
		return invalidArgs(action, err), nil
	}
	if err := params.Validate(); err != nil {
		return invalidArgs(action, err), nil
	}

	slog.Info("runExecutor.performCommand: executing", "key", x.sessionKey, "command", params.Command)
	out, err := exec.CommandContext(ctx, "sh", "-c", params.Command).CombinedOutput()
	output := truncateOutput(string(out))
	if err != nil {
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    false,
			Message:    output,
			Error:      err.Error(),
		}, nil
	}
	return models.ToolResult{
		ToolCallID: action.ID,
		Success:    true,
		Message:    output,
	}, nil
}

// awaitApproval performs the approval round-trip: pending record, prompt
// to the originating channel, resolution by reply, denial on timeout. If
// the prompt cannot be delivered the pending state is rolled back so the
// session is never stuck waiting for an unresolvable approval.
func (x *runExecutor) awaitApproval(ctx context.Context, action models.ProposedAction) (bool, error) {
	pending := &models.PendingApproval{
		RequestID:      util.GenerateRequestID(),
		ActionName:     action.Name,
		Args:           action.Args,
		ConversationID: x.conversationID,
		CreatedAt:      time.Now(),
	}
	if err := x.router.registry.SetPendingApproval(x.sessionKey, pending); err != nil {
		return false, fmt.Errorf("cannot record pending approval: %w", err)
	}
	ch := x.router.registerApprovalWaiter(x.sessionKey)

	prompt := "Approval required: " + summarizeAction(action) + "\nReply \"yes\" to approve or \"no\" to deny."
	if _, err := x.service.SendMessage(ctx, x.conversationID, prompt); err != nil {
		// Roll back so the user is not left with an unresolvable approval.
		_ = x.router.registry.SetPendingApproval(x.sessionKey, nil)
		x.router.dropApprovalWaiter(x.sessionKey)
		return false, fmt.Errorf("approval prompt could not be delivered: %w", err)
	}
	x.router.appendLog(x.sessionID, models.LogEntry{
		Direction: models.LogOutbound,
		Channel:   x.service.Channel(),
		Body:      prompt,
		Timestamp: time.Now(),
	})

	select {
	case approved := <-ch:
		return approved, nil
	case <-time.After(x.router.approvalTimeout):
		_ = x.router.registry.SetPendingApproval(x.sessionKey, nil)
		x.router.dropApprovalWaiter(x.sessionKey)
		slog.Info("runExecutor.awaitApproval: timed out, resolving as denial", "key", x.sessionKey)
		return false, nil
	case <-ctx.Done():
		_ = x.router.registry.SetPendingApproval(x.sessionKey, nil)
		x.router.dropApprovalWaiter(x.sessionKey)
		return false, ctx.Err()
	}
}

// askUser performs the question round-trip via PendingQuestion, resolved
// by option index or label.
func (x *runExecutor) askUser(ctx context.Context, action models.ProposedAction) (models.ToolResult, error) {
	var params models.AskUserParams
	if err := decodeArgs(action.Args, &params); err != nil {
		return invalidArgs(action, err), nil
	}
	if err := params.Validate(); err != nil {
		return invalidArgs(action, err), nil
	}

	pending := &models.PendingQuestion{
		RequestID: util.GenerateRequestID(),
		Question:  params.Question,
		Options:   params.Options,
		CreatedAt: time.Now(),
	}
	if err := x.router.registry.SetPendingQuestion(x.sessionKey, pending); err != nil {
		return models.ToolResult{}, fmt.Errorf("cannot record pending question: %w", err)
	}
	ch := x.router.registerQuestionWaiter(x.sessionKey)

	var prompt strings.Builder
	prompt.WriteString(params.Question)
	for i, opt := range params.Options {
		prompt.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt.Label))
		if opt.Description != "" {
			prompt.WriteString(" (" + opt.Description + ")")
		}
	}
	prompt.WriteString("\nReply with a number or option name.")

	if _, err := x.service.SendMessage(ctx, x.conversationID, prompt.String()); err != nil {
		_ = x.router.registry.SetPendingQuestion(x.sessionKey, nil)
		x.router.dropQuestionWaiter(x.sessionKey)
		return models.ToolResult{}, fmt.Errorf("question prompt could not be delivered: %w", err)
	}
	x.router.appendLog(x.sessionID, models.LogEntry{
		Direction: models.LogOutbound,
		Channel:   x.service.Channel(),
		Body:      prompt.String(),
		Timestamp: time.Now(),
	})

	select {
	case label := <-ch:
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    true,
			Message:    "the user chose: " + label,
		}, nil
	case <-time.After(x.router.approvalTimeout):
		_ = x.router.registry.SetPendingQuestion(x.sessionKey, nil)
		x.router.dropQuestionWaiter(x.sessionKey)
		return models.ToolResult{
			ToolCallID: action.ID,
			Success:    false,
			Error:      "the user did not answer in time",
		}, nil
	case <-ctx.Done():
		_ = x.router.registry.SetPendingQuestion(x.sessionKey, nil)
		x.router.dropQuestionWaiter(x.sessionKey)
		return models.ToolResult{}, ctx.Err()
	}
}

// notifyOwner surfaces a notify-tier action without blocking it. The
// notice goes to the desktop (owner) channel when one is registered and is
// not the originating channel; otherwise it is logged only.
func (x *runExecutor) notifyOwner(ctx context.Context, action models.ProposedAction) {
	slog.Info("runExecutor.notifyOwner: action proceeding with notice", "key", x.sessionKey, "action", action.Name)

	if x.service.Channel() == models.ChannelDesktop {
		return
	}
	owner, err := x.router.Service(models.ChannelDesktop)
	if err != nil {
		return
	}
	notice := "Automation on " + x.sessionKey + " is performing: " + summarizeAction(action)
	if _, err := owner.SendMessage(ctx, "", notice); err != nil {
		slog.Warn("runExecutor.notifyOwner: owner notice failed", "error", err)
	}
}

// truncateOutput caps command output fed back to the model.
func truncateOutput(s string) string {
	if len(s) <= maxCommandOutput {
		return s
	}
	return s[:maxCommandOutput] + "\n[output truncated]"
}

// summarizeAction renders an action for prompts and notices.
func summarizeAction(action models.ProposedAction) string {
	if cmd, ok := action.Args["command"].(string); ok && cmd != "" {
		return action.Name + ": " + cmd
	}
	if len(action.Args) == 0 {
		return action.Name
	}
	raw, err := json.Marshal(action.Args)
	if err != nil {
		return action.Name
	}
	return action.Name + " " + string(raw)
}

// decodeArgs re-marshals a generic args map into a typed parameter struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// invalidArgs builds the failure result for malformed tool arguments.
func invalidArgs(action models.ProposedAction, err error) models.ToolResult {
	return models.ToolResult{
		ToolCallID: action.ID,
		Success:    false,
		Error:      fmt.Sprintf("invalid %s arguments: %v", action.Name, err),
	}
}
