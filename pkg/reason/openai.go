package reason

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI chat models. OpenAI has no
// separate thinking channel, so ThinkingBudget is ignored and responses only
// carry text and tool_use blocks.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete makes a chat completions call to OpenAI.
func (p *OpenAIProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}

	for _, msg := range request.Messages {
		converted, err := convertOpenAIMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}

	if len(request.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, def := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	out := &Response{
		StopReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}

	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, TextBlock(choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		out.Blocks = append(out.Blocks, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	return out, nil
}

// convertOpenAIMessage flattens a block-structured message into the chat
// completions message shape. A single transcript turn can expand into
// multiple OpenAI messages (assistant tool calls followed by tool results).
func convertOpenAIMessage(msg Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion

	var text string
	var toolCalls []openai.ChatCompletionMessageToolCall
	var toolResults []Block

	for _, b := range msg.Blocks {
		switch b.Type {
		case BlockText:
			text += b.Text
		case BlockThinking:
			// No thinking channel; dropped on replay.
		case BlockToolUse:
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool input: %w", err)
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
				ID:   b.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case BlockToolResult:
			toolResults = append(toolResults, b)
		}
	}

	switch msg.Role {
	case RoleAssistant:
		if len(toolCalls) > 0 {
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())
		} else if text != "" {
			out = append(out, openai.AssistantMessage(text))
		}
	default:
		for _, tr := range toolResults {
			out = append(out, openai.ToolMessage(tr.Content, tr.ToolUseID))
		}
		if text != "" {
			out = append(out, openai.UserMessage(text))
		}
	}

	return out, nil
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
