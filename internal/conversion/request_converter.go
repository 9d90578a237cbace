package conversion

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TranslateOptions carries per-upstream knobs for request translation.
type TranslateOptions struct {
	// MaxTokensField selects the upstream field that receives max_tokens:
	// "max_tokens" (default) or "max_completion_tokens".
	MaxTokensField string
}

// ParseAnthropicRequest decodes and validates a Messages API request body.
func ParseAnthropicRequest(body []byte) (*AnthropicRequest, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Message: "body is not a valid Messages request", Err: err}
	}
	if req.Model == "" {
		return nil, validationErrorf("model", "is required")
	}
	if req.MaxTokens <= 0 {
		return nil, validationErrorf("max_tokens", "must be a positive integer")
	}
	return &req, nil
}

// ParseChatRequest decodes and validates a Chat Completions request body.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Message: "body is not a valid Chat Completions request", Err: err}
	}
	if req.Model == "" {
		return nil, validationErrorf("model", "is required")
	}
	if len(req.Messages) == 0 {
		return nil, validationErrorf("messages", "must contain at least one message")
	}
	return &req, nil
}

// TranslateRequest converts a Messages request into a Chat Completions request.
//
// Each Anthropic message keeps its role and position. Tool results carried
// by a user message are emitted as tool-role messages immediately before it,
// since Chat Completions has no other way to express them.
func TranslateRequest(req *AnthropicRequest, opts TranslateOptions) (*ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, validationErrorf("messages", "must contain at least one message")
	}

	out := &ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	maxTokens := req.MaxTokens
	switch opts.MaxTokensField {
	case "max_completion_tokens":
		out.MaxCompletionTokens = &maxTokens
	default:
		out.MaxTokens = &maxTokens
	}

	if req.Stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		out.User = req.Metadata.UserID
	}

	for k, b := range req.System.Blocks {
		if b.Type != "text" {
			return nil, validationErrorf(fmt.Sprintf("system[%d].type", k), "unrecognized content block type %q", b.Type)
		}
	}
	if system := req.System.Text(); system != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: TextContent(system)})
	}

	for i, m := range req.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		var (
			msgs []ChatMessage
			err  error
		)
		switch m.Role {
		case "user":
			msgs, err = translateUserMessage(m, field)
		case "assistant":
			msgs, err = translateAssistantMessage(m, field)
		default:
			return nil, validationErrorf(field+".role", "unsupported role %q", m.Role)
		}
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if len(req.Tools) > 0 && req.ToolChoice != nil {
		out.ToolChoice = translateToolChoice(req.ToolChoice)
		if req.ToolChoice.DisableParallelToolUse {
			parallel := false
			out.ParallelToolCalls = &parallel
		}
	}

	return out, nil
}

func translateUserMessage(m AnthropicMessage, field string) ([]ChatMessage, error) {
	var (
		toolMessages []ChatMessage
		parts        []ChatContentPart
		hasImage     bool
		hasUserBlock bool
	)

	for j, bl := range m.Content {
		switch bl.Type {
		case "text":
			hasUserBlock = true
			parts = append(parts, ChatContentPart{Type: "text", Text: bl.Text})
		case "image":
			hasUserBlock = true
			url, err := imageURL(bl.Source)
			if err != nil {
				return nil, &ValidationError{Field: fmt.Sprintf("%s.content[%d]", field, j), Message: err.Error()}
			}
			hasImage = true
			parts = append(parts, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: url}})
		case "tool_result":
			if bl.ToolUseID == "" {
				return nil, validationErrorf(fmt.Sprintf("%s.content[%d].tool_use_id", field, j), "is required")
			}
			text, images, err := toolResultContent(bl, fmt.Sprintf("%s.content[%d]", field, j))
			if err != nil {
				return nil, err
			}
			// tool 消息只能承载文本，图片随后面的 user 消息发送
			if len(images) > 0 {
				hasImage = true
				hasUserBlock = true
				parts = append(parts, images...)
			}
			toolMessages = append(toolMessages, ChatMessage{
				Role:       "tool",
				ToolCallID: bl.ToolUseID,
				Content:    TextContent(text),
			})
		default:
			return nil, validationErrorf(fmt.Sprintf("%s.content[%d].type", field, j), "unrecognized content block type %q", bl.Type)
		}
	}

	if !hasUserBlock {
		if len(toolMessages) == 0 {
			return []ChatMessage{{Role: "user", Content: TextContent("")}}, nil
		}
		return toolMessages, nil
	}

	user := ChatMessage{Role: "user"}
	if hasImage {
		user.Content = &ChatContent{Parts: parts}
	} else {
		user.Content = TextContent(joinText(parts))
	}
	return append(toolMessages, user), nil
}

func translateAssistantMessage(m AnthropicMessage, field string) ([]ChatMessage, error) {
	var texts []string
	msg := ChatMessage{Role: "assistant"}

	for j, bl := range m.Content {
		switch bl.Type {
		case "text":
			if bl.Text != "" {
				texts = append(texts, bl.Text)
			}
		case "thinking", "redacted_thinking":
			// 推理内容不回传给上游
		case "tool_use":
			args := "{}"
			if len(bl.Input) > 0 {
				args = string(bl.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
				ID:   bl.ID,
				Type: "function",
				Function: ChatToolCallFunction{
					Name:      bl.Name,
					Arguments: args,
				},
			})
		default:
			return nil, validationErrorf(fmt.Sprintf("%s.content[%d].type", field, j), "unrecognized content block type %q", bl.Type)
		}
	}

	if len(texts) > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = TextContent(strings.Join(texts, "\n\n"))
	}
	return []ChatMessage{msg}, nil
}

func translateToolChoice(choice *AnthropicToolChoice) any {
	switch choice.Type {
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	default:
		return "auto"
	}
}

// toolResultContent 拆分 tool_result 的内容：文本拼成 tool 消息，图片转为 image_url part
func toolResultContent(bl AnthropicContentBlock, field string) (string, []ChatContentPart, error) {
	var (
		sb     strings.Builder
		images []ChatContentPart
	)
	for k, c := range bl.Content {
		switch c.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(c.Text)
		case "image":
			url, err := imageURL(c.Source)
			if err != nil {
				return "", nil, &ValidationError{Field: fmt.Sprintf("%s.content[%d]", field, k), Message: err.Error()}
			}
			images = append(images, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: url}})
		default:
			return "", nil, validationErrorf(fmt.Sprintf("%s.content[%d].type", field, k), "unrecognized content block type %q", c.Type)
		}
	}

	text := sb.String()
	if bl.IsError {
		if text == "" {
			text = "Error"
		} else {
			text = "Error: " + text
		}
	}
	return text, images, nil
}

func imageURL(src *AnthropicImageSource) (string, error) {
	if src == nil {
		return "", fmt.Errorf("image block has no source")
	}
	switch strings.ToLower(src.Type) {
	case "base64":
		return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data), nil
	case "url":
		return src.URL, nil
	default:
		return "", fmt.Errorf("unsupported image source type %q", src.Type)
	}
}

func joinText(parts []ChatContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n\n")
}
