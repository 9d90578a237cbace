package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 用官方 SDK 作为客户端，确认 Messages 协议面可以被正常消费
func newSDKClient(t *testing.T, handler http.HandlerFunc) anthropic.Client {
	t.Helper()
	s, _, _ := newTestServer(t, handler, "")
	gateway := httptest.NewServer(s.GetRouter())
	t.Cleanup(gateway.Close)

	return anthropic.NewClient(
		option.WithBaseURL(gateway.URL),
		option.WithAPIKey("sk-test"),
		option.WithMaxRetries(0),
	)
}

func sdkParams() anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-x"),
		MaxTokens: 128,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		},
	}
}

func TestSDKNonStreaming(t *testing.T) {
	client := newSDKClient(t, jsonResponder(http.StatusOK, toolCompletion))

	msg, err := client.Messages.New(context.Background(), sdkParams())
	require.NoError(t, err)

	assert.Equal(t, anthropic.StopReasonToolUse, msg.StopReason)
	assert.Equal(t, int64(9), msg.Usage.InputTokens)
	assert.Equal(t, int64(4), msg.Usage.OutputTokens)
	require.Len(t, msg.Content, 1)
	block := msg.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "call_1", block.ID)
	assert.Equal(t, "lookup", block.Name)
	assert.JSONEq(t, `{"q":"x"}`, string(block.Input))
}

func TestSDKStreamingAccumulate(t *testing.T) {
	client := newSDKClient(t, sseResponder(true, hiChunk, stopChunk))

	stream := client.Messages.NewStreaming(context.Background(), sdkParams())
	message := anthropic.Message{}
	events := 0
	for stream.Next() {
		require.NoError(t, message.Accumulate(stream.Current()))
		events++
	}
	require.NoError(t, stream.Err())

	assert.Equal(t, 6, events)
	assert.Equal(t, anthropic.Model("claude-x"), message.Model)
	assert.Equal(t, anthropic.StopReasonEndTurn, message.StopReason)
	assert.Equal(t, int64(2), message.Usage.OutputTokens)
	require.Len(t, message.Content, 1)
	assert.Equal(t, "Hi", message.Content[0].Text)
}

func TestSDKUpstreamError(t *testing.T) {
	client := newSDKClient(t, jsonResponder(http.StatusBadGateway, `{"type":"error","error":{"type":"api_error","message":"boom"}}`))

	_, err := client.Messages.New(context.Background(), sdkParams())
	var apiErr *anthropic.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}
