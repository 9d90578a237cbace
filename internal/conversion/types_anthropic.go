package conversion

import (
	"encoding/json"
	"strings"
)

type AnthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []AnthropicMessage   `json:"messages"`
	System        AnthropicSystem      `json:"system,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	Tools         []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
	Metadata      *AnthropicMetadata   `json:"metadata,omitempty"`
	Thinking      *AnthropicThinking   `json:"thinking,omitempty"`
}

type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicSystem accepts either a string or a list of text blocks.
type AnthropicSystem struct {
	Blocks []AnthropicContentBlock
}

func (s *AnthropicSystem) UnmarshalJSON(data []byte) error {
	blocks, err := decodeBlocks(data)
	if err != nil {
		return err
	}
	s.Blocks = blocks
	return nil
}

func (s AnthropicSystem) MarshalJSON() ([]byte, error) {
	if s.Blocks == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Blocks)
}

// Text joins the text blocks of the system prompt.
func (s AnthropicSystem) Text() string {
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent accepts either a string (one text block) or a list of blocks.
type AnthropicContent []AnthropicContentBlock

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	blocks, err := decodeBlocks(data)
	if err != nil {
		return err
	}
	*c = blocks
	return nil
}

func decodeBlocks(data []byte) ([]AnthropicContentBlock, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		return nil, nil
	case strings.HasPrefix(trimmed, "\""):
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, err
		}
		return []AnthropicContentBlock{{Type: "text", Text: text}}, nil
	default:
		var blocks []AnthropicContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	}
}

type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   AnthropicContent `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type AnthropicToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// AnthropicResponse is a complete, non-streaming Messages API response.
// It also serves as the skeleton carried by message_start.
type AnthropicResponse struct {
	ID           string                   `json:"id"`
	Type         string                   `json:"type"`
	Role         string                   `json:"role"`
	Model        string                   `json:"model"`
	Content      []AnthropicResponseBlock `json:"content"`
	StopReason   *string                  `json:"stop_reason"`
	StopSequence *string                  `json:"stop_sequence"`
	Usage        AnthropicUsage           `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

const (
	BlockTypeText    = "text"
	BlockTypeToolUse = "tool_use"
)

// AnthropicResponseBlock is an output content block: text or tool_use.
type AnthropicResponseBlock struct {
	Type  string
	Text  string
	ID    string
	Name  string
	Input json.RawMessage
}

func (b AnthropicResponseBlock) MarshalJSON() ([]byte, error) {
	if b.Type == BlockTypeToolUse {
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{BlockTypeText, b.Text})
}

func (b *AnthropicResponseBlock) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*b = AnthropicResponseBlock{Type: wire.Type, Text: wire.Text, ID: wire.ID, Name: wire.Name, Input: wire.Input}
	return nil
}
