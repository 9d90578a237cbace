package conversion

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Anthropic stop reasons
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
)

// MapFinishReason maps an OpenAI finish_reason to the closest Anthropic stop_reason.
func MapFinishReason(reason string) string {
	switch reason {
	case "length":
		return StopReasonMaxTokens
	case "tool_calls", "function_call":
		return StopReasonToolUse
	default:
		// stop, content_filter 以及未知值
		return StopReasonEndTurn
	}
}

// TranslateResponse converts a completed Chat Completions response into a
// Messages API response.
func TranslateResponse(resp *ChatResponse) (*AnthropicResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &MalformedUpstreamResponse{Message: "response has no choices"}
	}
	choice := resp.Choices[0]

	out := &AnthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: []AnthropicResponseBlock{},
	}
	if out.ID == "" {
		out.ID = NewMessageID()
	}

	text := choice.Message.Content.String()
	if text != "" || len(choice.Message.ToolCalls) == 0 {
		out.Content = append(out.Content, AnthropicResponseBlock{Type: BlockTypeText, Text: text})
	}

	for i, call := range choice.Message.ToolCalls {
		input, err := parseToolArguments(call.Function.Arguments)
		if err != nil {
			return nil, &MalformedUpstreamResponse{
				Message: fmt.Sprintf("tool call %d (%s) has invalid arguments", i, call.Function.Name),
				Err:     err,
			}
		}
		out.Content = append(out.Content, AnthropicResponseBlock{
			Type:  BlockTypeToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	stopReason := MapFinishReason(choice.FinishReason)
	out.StopReason = &stopReason
	if resp.Usage != nil {
		out.Usage = translateUsage(resp.Usage)
	}
	return out, nil
}

// parseToolArguments validates a JSON-encoded argument string and returns it
// compacted. An empty string is read as an empty object.
func parseToolArguments(args string) (json.RawMessage, error) {
	if args == "" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("arguments must be a JSON object, got null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(args)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func translateUsage(u *ChatUsage) AnthropicUsage {
	usage := AnthropicUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		cached := u.PromptTokensDetails.CachedTokens
		usage.CacheReadInputTokens = &cached
	}
	return usage
}

// NewMessageID returns a fresh Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}
