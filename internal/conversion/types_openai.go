package conversion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChatRequest is an OpenAI Chat Completions request.
//
// A request decoded from a client body keeps the original bytes so that the
// OpenAI surface can forward fields this type does not model. Marshalling such
// a request re-emits the original body with only the model field synchronized.
type ChatRequest struct {
	Model               string         `json:"model"`
	Messages            []ChatMessage  `json:"messages"`
	Tools               []ChatTool     `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	Stop                any            `json:"stop,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	User                string         `json:"user,omitempty"`
	ParallelToolCalls   *bool          `json:"parallel_tool_calls,omitempty"`

	raw []byte
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequestAlias ChatRequest

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var alias chatRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = ChatRequest(alias)
	r.raw = append([]byte(nil), data...)
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	if r.raw == nil {
		return json.Marshal(chatRequestAlias(r))
	}
	out, err := sjson.SetBytes(r.raw, "model", r.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to set model on request body: %w", err)
	}
	if r.StreamOptions != nil && r.StreamOptions.IncludeUsage && !gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		if out, err = sjson.SetBytes(out, "stream_options.include_usage", true); err != nil {
			return nil, fmt.Errorf("failed to set stream_options on request body: %w", err)
		}
	}
	return out, nil
}

// EnsureStreamUsage asks the upstream to append a usage record to a streamed
// response. It reports whether the option was added, in which case the
// client did not ask for that record itself.
func (r *ChatRequest) EnsureStreamUsage() bool {
	if !r.Stream || (r.StreamOptions != nil && r.StreamOptions.IncludeUsage) {
		return false
	}
	if r.StreamOptions == nil {
		r.StreamOptions = &StreamOptions{}
	}
	r.StreamOptions.IncludeUsage = true
	return true
}

type ChatMessage struct {
	Role       string         `json:"role"`
	Content    *ChatContent   `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatContent is either a plain string or an ordered list of typed parts.
type ChatContent struct {
	Text  string
	Parts []ChatContentPart
}

func TextContent(text string) *ChatContent {
	return &ChatContent{Text: text}
}

func (c ChatContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *ChatContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*c = ChatContent{}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var parts []ChatContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = ChatContent{Parts: parts}
		return nil
	default:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = ChatContent{Text: text}
		return nil
	}
}

// String flattens the content to its text, ignoring non-text parts.
func (c *ChatContent) String() string {
	if c == nil {
		return ""
	}
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ChatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function ChatToolCallFunction `json:"function"`
}

type ChatToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []ChatChoice `json:"choices"`
	Usage             *ChatUsage   `json:"usage,omitempty"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetail `json:"prompt_tokens_details,omitempty"`
}

type PromptTokensDetail struct {
	CachedTokens int `json:"cached_tokens"`
}

// ChatChunk is one increment of a streamed completion. Raw holds the exact
// bytes of the SSE data payload it was decoded from, when available.
type ChatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *ChatUsage        `json:"usage,omitempty"`

	Raw []byte `json:"-"`
}

type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type ChatDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   *string             `json:"content,omitempty"`
	ToolCalls []ChatToolCallDelta `json:"tool_calls,omitempty"`
}

type ChatToolCallDelta struct {
	Index    int                        `json:"index"`
	ID       string                     `json:"id,omitempty"`
	Type     string                     `json:"type,omitempty"`
	Function *ChatToolCallFunctionDelta `json:"function,omitempty"`
}

type ChatToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
