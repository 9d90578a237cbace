package tokencount

import (
	"fmt"

	"chat-protocol-gateway/internal/conversion"

	"github.com/tiktoken-go/tokenizer"
)

// 按 OpenAI 的计数方式，每条消息和回复前缀各有固定开销
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensPerTool    = 8
	replyPriming     = 3
)

// Counter 基于 cl100k_base 估算请求的输入 token 数
type Counter struct {
	codec tokenizer.Codec
}

// New 加载 cl100k_base 编码
func New() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// CountRequest 估算一个 Chat Completions 请求的输入 token 数
func (c *Counter) CountRequest(req *conversion.ChatRequest) (int, error) {
	total := replyPriming
	for _, m := range req.Messages {
		n, err := c.countMessage(m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, t := range req.Tools {
		n, err := c.countStrings(t.Function.Name, t.Function.Description, string(t.Function.Parameters))
		if err != nil {
			return 0, err
		}
		total += n + tokensPerTool
	}
	return total, nil
}

func (c *Counter) countMessage(m conversion.ChatMessage) (int, error) {
	total := tokensPerMessage
	if m.Name != "" {
		total += tokensPerName
	}
	n, err := c.countStrings(m.Role, m.Content.String(), m.Name)
	if err != nil {
		return 0, err
	}
	total += n
	for _, call := range m.ToolCalls {
		n, err := c.countStrings(call.Function.Name, call.Function.Arguments)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Count 返回单段文本的 token 数
func (c *Counter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

func (c *Counter) countStrings(texts ...string) (int, error) {
	total := 0
	for _, t := range texts {
		n, err := c.Count(t)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
