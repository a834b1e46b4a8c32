// This file implements the OpenAI-backed automation engine using chat
// completions with function calling.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BTreeMap/AgentPipe/internal/models"
	"github.com/BTreeMap/AgentPipe/internal/util"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Tool loop limits.
const (
	// maxToolRounds bounds the tool loop to prevent runaway runs.
	maxToolRounds = 10
	// maxHistoryMessages caps a continuation's retained context.
	maxHistoryMessages = 60
)

// defaultSystemPrompt frames the model as the automation engine behind the
// conversational channels.
const defaultSystemPrompt = "You are an automation assistant reachable through chat channels. " +
	"Use the provided tools to act; use send_message only for additional outward messages, " +
	"your final reply text is delivered automatically. Be concise."

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChatService adapts the real client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// Opts holds OpenAI client configuration.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// Option configures the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt overrides the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// Client is the OpenAI-backed automation engine. Conversation context is
// kept in memory per continuation ID.
type Client struct {
	chat         chatService
	model        string
	systemPrompt string

	mu        sync.Mutex
	histories map[string][]openai.ChatCompletionMessageParamUnion
}

// NewClient initializes the engine. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:        openai.ChatModelGPT4o,
		SystemPrompt: defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Info("backend.NewClient: OpenAI backend ready", "model", cfg.Model)
	return &Client{
		chat:         &openaiChatService{client: cli},
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		histories:    make(map[string][]openai.ChatCompletionMessageParamUnion),
	}, nil
}

// Run executes one automation run: it appends the prompt to the
// continuation's history, drives the tool loop, and returns the final
// assistant text.
func (c *Client) Run(ctx context.Context, req RunRequest) models.RunResult {
	continuationID := req.ContinuationID
	if continuationID == "" {
		continuationID = util.GenerateRandomID("cont_", 16)
	}

	messages := c.historyFor(continuationID)
	messages = append(messages, openai.UserMessage(req.Prompt))

	tools := c.toolsFor(req.Permission)

	final, messages, err := c.toolLoop(ctx, req, messages, tools)
	if err != nil {
		status := models.RunStatusError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = models.RunStatusTimeout
		}
		slog.Error("Client.Run: run failed", "sessionKey", req.SessionKey, "status", status, "error", err)
		return models.RunResult{Status: status, ContinuationID: continuationID, Error: err.Error()}
	}

	c.storeHistory(continuationID, messages)
	return models.RunResult{Status: models.RunStatusOK, Text: final, ContinuationID: continuationID}
}

// toolLoop alternates between model turns and tool execution until the
// model produces a final text reply or the round limit is hit.
func (c *Client) toolLoop(ctx context.Context, req RunRequest, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (string, []openai.ChatCompletionMessageParamUnion, error) {
	for round := 1; round <= maxToolRounds; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    c.model,
			Messages: append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(c.systemPrompt)}, messages...),
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		resp, err := c.chat.New(ctx, params)
		if err != nil {
			return "", messages, fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", messages, ErrNoChoicesReturned
		}

		choice := resp.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			assistantMessage := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(choice.Content),
				},
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMessage})
			return choice.Content, messages, nil
		}

		slog.Debug("Client.toolLoop: executing tool calls", "sessionKey", req.SessionKey, "round", round, "count", len(choice.ToolCalls))

		var toolCalls []openai.ChatCompletionMessageToolCallParam
		for _, toolCall := range choice.ToolCalls {
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   toolCall.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      toolCall.Function.Name,
					Arguments: toolCall.Function.Arguments,
				},
			})
		}
		assistantMessage := openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(choice.Content),
			},
			ToolCalls: toolCalls,
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMessage})

		for _, toolCall := range choice.ToolCalls {
			call := models.FunctionCall{Name: toolCall.Function.Name, Arguments: []byte(toolCall.Function.Arguments)}
			action := models.ProposedAction{
				ID:   toolCall.ID,
				Name: call.Name,
				Args: call.ArgsMap(),
			}
			result, err := req.Executor.Execute(ctx, action)
			if err != nil {
				return "", messages, fmt.Errorf("action %s failed: %w", action.Name, err)
			}
			messages = append(messages, openai.ToolMessage(resultContent(result), toolCall.ID))
		}
	}

	slog.Warn("Client.toolLoop: hit maximum tool rounds", "sessionKey", req.SessionKey, "maxRounds", maxToolRounds)
	return "I've completed the requested actions.", messages, nil
}

// resultContent flattens a tool result into the message fed back to the
// model.
func resultContent(result models.ToolResult) string {
	switch {
	case result.Success && result.Message != "":
		return result.Message
	case result.Success:
		return "Tool executed successfully"
	case result.Error != "":
		return "Error: " + result.Error
	default:
		return "Error: " + result.Message
	}
}

// toolsFor returns the tool set offered to the model. Restricted runs are
// never offered host command execution.
func (c *Client) toolsFor(permission models.PermissionMode) []openai.ChatCompletionToolParam {
	tools := []openai.ChatCompletionToolParam{
		sendMessageTool(),
		scheduleJobTool(),
		askUserTool(),
	}
	if permission == models.PermissionUnrestricted {
		tools = append(tools, runCommandTool())
	}
	return tools
}

func (c *Client) historyFor(continuationID string) []openai.ChatCompletionMessageParamUnion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]openai.ChatCompletionMessageParamUnion(nil), c.histories[continuationID]...)
}

func (c *Client) storeHistory(continuationID string, messages []openai.ChatCompletionMessageParamUnion) {
	if len(messages) > maxHistoryMessages {
		messages = messages[len(messages)-maxHistoryMessages:]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[continuationID] = messages
}

// DropContinuation discards a continuation's context.
func (c *Client) DropContinuation(continuationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, continuationID)
}

func sendMessageTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ActionSendMessage,
			Description: openai.String("Send an additional message to the conversation. The final reply is delivered automatically; use this only for extra messages mid-run."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"body": map[string]interface{}{
						"type":        "string",
						"description": "Message text to send",
					},
				},
				"required": []string{"body"},
			},
		},
	}
}

func scheduleJobTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ActionScheduleJob,
			Description: openai.String("Create a scheduled job. Provide exactly one of cron (5-field expression), every (interval like '30m', '1d'), or in (one-shot delay like '45m')."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Short human-readable job name",
					},
					"cron": map[string]interface{}{
						"type":        "string",
						"description": "5-field cron expression, e.g. '0 9 * * 1-5'",
					},
					"every": map[string]interface{}{
						"type":        "string",
						"description": "Fixed interval: integer plus unit ms/s/m/h/d, e.g. '30m'",
					},
					"in": map[string]interface{}{
						"type":        "string",
						"description": "One-shot delay from now: integer plus unit, e.g. '45m'",
					},
					"timezone": map[string]interface{}{
						"type":        "string",
						"description": "IANA timezone for cron evaluation, e.g. 'America/Toronto'",
					},
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "Prompt to run when the job fires",
					},
					"delete_after_run": map[string]interface{}{
						"type":        "boolean",
						"description": "Remove the job after its first firing",
					},
				},
				"required": []string{"name", "prompt"},
			},
		},
	}
}

func askUserTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ActionAskUser,
			Description: openai.String("Ask the user to choose among options. The run suspends until the user answers; the chosen label is returned as the tool result."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"question": map[string]interface{}{
						"type":        "string",
						"description": "Question to present to the user",
					},
					"options": map[string]interface{}{
						"type":        "array",
						"description": "Choices to offer, at most 10",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"label":       map[string]interface{}{"type": "string"},
								"description": map[string]interface{}{"type": "string"},
							},
							"required": []string{"label"},
						},
					},
				},
				"required": []string{"question", "options"},
			},
		},
	}
}

func runCommandTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ActionRunCommand,
			Description: openai.String("Run a shell command on the host. Destructive commands require owner approval before they execute."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "Shell command to execute",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}
