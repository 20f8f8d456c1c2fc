package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/pool"
)

const defaultMaxToolTurns = 6

// WorkerExecutor implements agents.Executor with a bounded tool-calling loop
// over the tools of the leased handle
type WorkerExecutor struct {
	client       *Client
	systemPrompt string
	maxTurns     int
	logger       *zap.Logger
}

// NewWorkerExecutor creates a WorkerExecutor
func NewWorkerExecutor(client *Client, systemPrompt string, maxTurns int) *WorkerExecutor {
	if maxTurns <= 0 {
		maxTurns = defaultMaxToolTurns
	}
	return &WorkerExecutor{client: client, systemPrompt: systemPrompt, maxTurns: maxTurns, logger: client.logger}
}

func (w *WorkerExecutor) Execute(ctx context.Context, prompt string, tools pool.Handle) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(w.systemPrompt),
		openai.UserMessage(prompt),
	}
	var defs []openai.ChatCompletionToolParam
	if tools != nil {
		defs = toolParams(tools.Tools())
	}

	for turn := 0; turn < w.maxTurns; turn++ {
		params := w.client.params(messages...)
		params.Tools = defs

		msg, err := w.client.create(ctx, "worker", params)
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 || tools == nil {
			return strings.TrimSpace(msg.Content), nil
		}

		messages = append(messages, assistantToolCalls(msg))
		for _, tc := range msg.ToolCalls {
			messages = append(messages, openai.ToolMessage(w.callTool(ctx, tools, tc), tc.ID))
		}
	}

	// out of turns: ask for an answer from what was gathered
	w.logger.Warn("Tool loop exhausted", zap.Int("max_turns", w.maxTurns))
	msg, err := w.client.create(ctx, "worker", w.client.params(messages...))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

func (w *WorkerExecutor) callTool(ctx context.Context, tools pool.Handle, tc openai.ChatCompletionMessageToolCall) string {
	args := map[string]interface{}{}
	if strings.TrimSpace(tc.Function.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid arguments: %v", err)
		}
	}
	out, err := tools.Call(ctx, tc.Function.Name, args)
	if err != nil {
		w.logger.Debug("Tool call failed",
			zap.String("service_id", tools.ServiceID()),
			zap.String("tool", tc.Function.Name),
			zap.Error(err),
		)
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

// toolParams converts backend tool descriptions to function tools
func toolParams(tools []pool.Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		}
	}
	return out
}

// assistantToolCalls echoes the model's tool calls back into the history
func assistantToolCalls(msg openai.ChatCompletionMessage) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		calls[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
		Role:      "assistant",
		ToolCalls: calls,
	}}
}
