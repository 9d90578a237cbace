package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-protocol-gateway/internal/conversion"
	"chat-protocol-gateway/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	hiChunk   = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`
	stopChunk = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`
)

func toolChunkJSON(index int, name, args string) string {
	fn := fmt.Sprintf(`{"arguments":%q}`, args)
	if name != "" {
		fn = fmt.Sprintf(`{"name":%q,"arguments":%q}`, name, args)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":%d,"id":"call_%d","type":"function","function":%s}]},"finish_reason":null}]}`, index, index, fn)
}

func TestAnthropicNonStreaming(t *testing.T) {
	tests := []struct {
		name       string
		upstream   string
		stopReason string
		check      func(t *testing.T, body string)
		usage      usageCall
	}{
		{
			name:       "text",
			upstream:   textCompletion,
			stopReason: "end_turn",
			check: func(t *testing.T, body string) {
				assert.Equal(t, "text", gjson.Get(body, "content.0.type").String())
				assert.Equal(t, "Hello there", gjson.Get(body, "content.0.text").String())
				assert.Equal(t, int64(1), gjson.Get(body, "content.#").Int())
			},
			usage: usageCall{"claude-x", 5, 2},
		},
		{
			name:       "tool call",
			upstream:   toolCompletion,
			stopReason: "tool_use",
			check: func(t *testing.T, body string) {
				assert.Equal(t, int64(1), gjson.Get(body, "content.#").Int())
				assert.Equal(t, "tool_use", gjson.Get(body, "content.0.type").String())
				assert.Equal(t, "lookup", gjson.Get(body, "content.0.name").String())
				assert.JSONEq(t, `{"q":"x"}`, gjson.Get(body, "content.0.input").Raw)
			},
			usage: usageCall{"claude-x", 9, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, up, rec := newTestServer(t, jsonResponder(http.StatusOK, tt.upstream), "")

			w := doRequest(s, http.MethodPost, "/v1/messages", anthropicBody)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			body := w.Body.String()
			assert.Equal(t, "message", gjson.Get(body, "type").String())
			assert.Equal(t, "claude-x", gjson.Get(body, "model").String())
			assert.Equal(t, tt.stopReason, gjson.Get(body, "stop_reason").String())
			tt.check(t, body)

			sent := up.lastBody()
			assert.Equal(t, "claude-x", gjson.GetBytes(sent, "model").String())
			assert.Equal(t, "user", gjson.GetBytes(sent, "messages.0.role").String())
			assert.Equal(t, int64(100), gjson.GetBytes(sent, "max_tokens").Int())

			assert.Equal(t, []string{"claude-x/anthropic"}, rec.requestCalls())
			assert.Equal(t, []usageCall{tt.usage}, rec.usageCalls())
		})
	}
}

func TestAnthropicMalformedToolArguments(t *testing.T) {
	malformed := strings.Replace(toolCompletion, `{\"q\":\"x\"}`, `{\"q\":`, 1)
	s, _, _ := newTestServer(t, jsonResponder(http.StatusOK, malformed), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicBody)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
	assert.Equal(t, "api_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "lookup")
}

func TestMalformedRequestMakesNoUpstreamCall(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		field     string
		errorType string
	}{
		{"anthropic bad json", "/v1/messages", `{"model":`, "error.type", "invalid_request_error"},
		{"anthropic missing max_tokens", "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, "error.type", "invalid_request_error"},
		{"openai bad json", "/v1/chat/completions", `not json`, "error.type", "invalid_request_error"},
		{"openai no messages", "/chat/completions", `{"model":"m","messages":[]}`, "error.code", "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, up, rec := newTestServer(t, jsonResponder(http.StatusOK, textCompletion), "")

			w := doRequest(s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.errorType, gjson.Get(w.Body.String(), tt.field).String())
			assert.Zero(t, up.hits.Load())
			assert.Empty(t, rec.requestCalls())
			assert.Empty(t, rec.usageCalls())
		})
	}
}

func TestUpstreamErrorPropagatesVerbatim(t *testing.T) {
	upstreamErr := `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`

	for _, path := range []string{"/v1/messages", "/v1/chat/completions"} {
		t.Run(path, func(t *testing.T) {
			s, up, rec := newTestServer(t, jsonResponder(http.StatusUnauthorized, upstreamErr), "")

			body := anthropicBody
			if path != "/v1/messages" {
				body = openAIBody
			}
			w := doRequest(s, http.MethodPost, path, body)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, upstreamErr, w.Body.String())
			assert.Equal(t, int32(1), up.hits.Load())
			assert.Empty(t, rec.usageCalls())
		})
	}
}

func TestAnthropicStreaming(t *testing.T) {
	s, up, rec := newTestServer(t, sseResponder(true, hiChunk, stopChunk), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.True(t, gjson.GetBytes(up.lastBody(), "stream").Bool())

	events := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(events))

	assert.Equal(t, "claude-x", gjson.Get(events[0].data, "message.model").String())
	assert.Equal(t, "text", gjson.Get(events[1].data, "content_block.type").String())
	assert.Equal(t, "Hi", gjson.Get(events[2].data, "delta.text").String())
	assert.Equal(t, int64(0), gjson.Get(events[3].data, "index").Int())
	assert.Equal(t, "end_turn", gjson.Get(events[4].data, "delta.stop_reason").String())
	assert.Equal(t, int64(5), gjson.Get(events[4].data, "usage.input_tokens").Int())
	assert.Equal(t, int64(2), gjson.Get(events[4].data, "usage.output_tokens").Int())

	assert.Equal(t, []usageCall{{"claude-x", 5, 2}}, rec.usageCalls())
}

func TestAnthropicStreamingTextThenTool(t *testing.T) {
	chunks := []string{
		hiChunk,
		toolChunkJSON(0, "lookup", `{"q":`),
		toolChunkJSON(0, "", `"x"}`),
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	s, _, _ := newTestServer(t, sseResponder(true, chunks...), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, eventNames(events))
	assert.Equal(t, "tool_use", gjson.Get(events[4].data, "content_block.type").String())
	assert.Equal(t, int64(1), gjson.Get(events[4].data, "index").Int())
	assert.Equal(t, "lookup", gjson.Get(events[4].data, "content_block.name").String())
	assert.Equal(t, `{"q":`, gjson.Get(events[5].data, "delta.partial_json").String())
	assert.Equal(t, "tool_use", gjson.Get(events[8].data, "delta.stop_reason").String())
}

func TestAnthropicStreamingUpstreamEndsWithoutFinish(t *testing.T) {
	s, _, rec := newTestServer(t, sseResponder(false, hiChunk), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	names := eventNames(events)
	require.Len(t, names, 6)
	assert.Equal(t, "message_delta", names[4])
	assert.Equal(t, "message_stop", names[5])
	assert.Equal(t, "end_turn", gjson.Get(events[4].data, "delta.stop_reason").String())
	assert.Equal(t, []usageCall{{"claude-x", 0, 0}}, rec.usageCalls())
}

func TestStreamingUpstreamAnswersWithoutEvents(t *testing.T) {
	quota := `{"error":{"message":"quota exhausted"}}`
	tests := []struct {
		name    string
		handler http.HandlerFunc
		path    string
		body    string
		usage   int
	}{
		{"anthropic json body", jsonResponder(http.StatusOK, quota), "/v1/messages", anthropicStreamBody, 0},
		{"anthropic empty stream", sseResponder(true), "/v1/messages", anthropicStreamBody, 1},
		{"openai json body", jsonResponder(http.StatusOK, quota), "/v1/chat/completions", openAIStreamBody, 0},
		{"openai empty stream", sseResponder(true), "/v1/chat/completions", openAIStreamBody, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, rec := newTestServer(t, tt.handler, "")

			w := doRequest(s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadGateway, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
			assert.NotEmpty(t, gjson.Get(w.Body.String(), "error.message").String())
			assert.NotContains(t, w.Body.String(), "message_stop")
			assert.NotContains(t, w.Body.String(), "[DONE]")
			assert.Len(t, rec.usageCalls(), tt.usage)
		})
	}
}

func TestAnthropicStreamingViolationBeforeFirstWrite(t *testing.T) {
	s, _, rec := newTestServer(t, sseResponder(true, toolChunkJSON(0, "", `{}`)), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
	assert.Len(t, rec.usageCalls(), 1)
}

func TestAnthropicStreamingViolationAfterStart(t *testing.T) {
	chunks := []string{
		hiChunk,
		toolChunkJSON(0, "lookup", `{}`),
		toolChunkJSON(1, "search", `{}`),
		toolChunkJSON(0, "", `{}`),
		stopChunk,
	}
	s, _, rec := newTestServer(t, sseResponder(true, chunks...), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	assert.Equal(t, http.StatusOK, w.Code)

	names := eventNames(parseSSE(t, w.Body.String()))
	require.NotEmpty(t, names)
	assert.Equal(t, "message_start", names[0])
	assert.NotContains(t, names, "message_delta")
	assert.NotContains(t, names, "message_stop")
	assert.NotContains(t, names, "error")
	assert.Len(t, rec.usageCalls(), 1)
}

func TestAnthropicStreamingMalformedChunk(t *testing.T) {
	s, _, _ := newTestServer(t, sseResponder(true, hiChunk, `{"choices":`), "")

	w := doRequest(s, http.MethodPost, "/v1/messages", anthropicStreamBody)
	names := eventNames(parseSSE(t, w.Body.String()))
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta"}, names)
}

func TestOpenAIPassThrough(t *testing.T) {
	s, up, rec := newTestServer(t, jsonResponder(http.StatusOK, textCompletion), "")

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", openAIBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, textCompletion, w.Body.String())

	sent := up.lastBody()
	assert.True(t, gjson.GetBytes(sent, "logprobs").Bool())
	assert.Equal(t, "gpt-4o", gjson.GetBytes(sent, "model").String())

	assert.Equal(t, []string{"gpt-4o/openai"}, rec.requestCalls())
	assert.Equal(t, []usageCall{{"gpt-4o", 5, 2}}, rec.usageCalls())
}

func TestOpenAIStreamingRelaysChunks(t *testing.T) {
	s, _, rec := newTestServer(t, sseResponder(true, hiChunk, stopChunk), "")

	w := doRequest(s, http.MethodPost, "/chat/completions", openAIStreamBody)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.JSONEq(t, hiChunk, events[0].data)
	assert.JSONEq(t, stopChunk, events[1].data)
	assert.Equal(t, "[DONE]", events[2].data)
	assert.Equal(t, []usageCall{{"gpt-4o", 5, 2}}, rec.usageCalls())
}

func TestOpenAIStreamingRequestsUsage(t *testing.T) {
	finish := `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	usageOnly := `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`

	t.Run("added by gateway", func(t *testing.T) {
		s, up, rec := newTestServer(t, sseResponder(true, hiChunk, finish, usageOnly), "")

		w := doRequest(s, http.MethodPost, "/v1/chat/completions", openAIStreamBody)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, gjson.GetBytes(up.lastBody(), "stream_options.include_usage").Bool())

		// 客户端没有要求用量 chunk，不转发
		events := parseSSE(t, w.Body.String())
		require.Len(t, events, 3)
		assert.JSONEq(t, hiChunk, events[0].data)
		assert.JSONEq(t, finish, events[1].data)
		assert.Equal(t, "[DONE]", events[2].data)
		assert.Equal(t, []usageCall{{"gpt-4o", 7, 3}}, rec.usageCalls())
	})

	t.Run("requested by client", func(t *testing.T) {
		s, _, rec := newTestServer(t, sseResponder(true, hiChunk, finish, usageOnly), "")

		body := `{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"hi"}]}`
		w := doRequest(s, http.MethodPost, "/v1/chat/completions", body)
		require.Equal(t, http.StatusOK, w.Code)

		events := parseSSE(t, w.Body.String())
		require.Len(t, events, 4)
		assert.JSONEq(t, usageOnly, events[2].data)
		assert.Equal(t, []usageCall{{"gpt-4o", 7, 3}}, rec.usageCalls())
	})
}

func TestModelRewriteRestoresClientModel(t *testing.T) {
	rewriteYAML := "model_rewrite:\n  enabled: true\n  rules:\n    - source_pattern: \"claude-*\"\n      target_model: gpt-4o-mini\n"
	completion := strings.Replace(textCompletion, `"model":"gpt-4o"`, `"model":"gpt-4o-mini"`, 1)
	chunk := strings.Replace(hiChunk, `"model":"gpt-4o"`, `"model":"gpt-4o-mini"`, 1)

	t.Run("openai non-stream", func(t *testing.T) {
		s, up, _ := newTestServer(t, jsonResponder(http.StatusOK, completion), rewriteYAML)

		w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gpt-4o-mini", gjson.GetBytes(up.lastBody(), "model").String())
		assert.Equal(t, "claude-3-haiku", gjson.Get(w.Body.String(), "model").String())
	})

	t.Run("openai stream", func(t *testing.T) {
		s, _, _ := newTestServer(t, sseResponder(true, chunk), rewriteYAML)

		w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"claude-3-haiku","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
		events := parseSSE(t, w.Body.String())
		require.Len(t, events, 2)
		assert.Equal(t, "claude-3-haiku", gjson.Get(events[0].data, "model").String())
	})

	t.Run("anthropic", func(t *testing.T) {
		s, up, rec := newTestServer(t, jsonResponder(http.StatusOK, completion), rewriteYAML)

		w := doRequest(s, http.MethodPost, "/v1/messages", `{"model":"claude-3-haiku","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gpt-4o-mini", gjson.GetBytes(up.lastBody(), "model").String())
		assert.Equal(t, "claude-3-haiku", gjson.Get(w.Body.String(), "model").String())
		assert.Equal(t, []string{"claude-3-haiku/anthropic"}, rec.requestCalls())
	})
}

func TestRateLimitRejectsBeforeUpstream(t *testing.T) {
	s, up, rec := newTestServer(t, jsonResponder(http.StatusOK, textCompletion), "rate_limit:\n  interval: 1h\n")

	first := doRequest(s, http.MethodPost, "/v1/messages", anthropicBody)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(s, http.MethodPost, "/v1/messages", anthropicBody)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limit_error", gjson.Get(second.Body.String(), "error.type").String())

	third := doRequest(s, http.MethodPost, "/v1/chat/completions", openAIBody)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "rate_limit_exceeded", gjson.Get(third.Body.String(), "error.code").String())

	assert.Equal(t, int32(1), up.hits.Load())
	assert.Len(t, rec.requestCalls(), 1)
}

func TestManualApproval(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		status  int
		hits    int32
	}{
		{"approved", true, http.StatusOK, 1},
		{"rejected", false, http.StatusForbidden, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, up, _ := newTestServer(t, jsonResponder(http.StatusOK, textCompletion), "manual_approve:\n  enabled: true\n")

			done := make(chan *httptest.ResponseRecorder, 1)
			go func() { done <- doRequest(s, http.MethodPost, "/v1/messages", anthropicBody) }()

			var id string
			require.Eventually(t, func() bool {
				list := doRequest(s, http.MethodGet, "/admin/approvals", "")
				id = gjson.Get(list.Body.String(), "requests.0.id").String()
				return id != ""
			}, time.Second, 5*time.Millisecond)

			resolve := doRequest(s, http.MethodPost, "/admin/approvals/"+id, fmt.Sprintf(`{"approve":%t}`, tt.approve))
			require.Equal(t, http.StatusOK, resolve.Code)

			select {
			case w := <-done:
				assert.Equal(t, tt.status, w.Code)
			case <-time.After(2 * time.Second):
				t.Fatal("request was not released")
			}
			assert.Equal(t, tt.hits, up.hits.Load())
		})
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	released := make(chan struct{})
	s, _, rec := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", hiChunk)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(released)
		case <-time.After(5 * time.Second):
		}
	}, "")

	gateway := httptest.NewServer(s.GetRouter())
	defer gateway.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.URL+"/v1/messages", strings.NewReader(anthropicStreamBody))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "content_block_delta") {
			break
		}
	}
	cancel()
	resp.Body.Close()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream was not released after client disconnect")
	}
	require.Eventually(t, func() bool { return len(rec.usageCalls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.usageCalls(), 1)
}

func TestCountTokens(t *testing.T) {
	s, up, _ := newTestServer(t, jsonResponder(http.StatusOK, textCompletion), "")

	w := doRequest(s, http.MethodPost, "/v1/messages/count_tokens", `{"model":"claude-x","messages":[{"role":"user","content":"hello world"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	// 3 priming + 3 per message + "user" (1) + "hello world" (2)
	assert.Equal(t, int64(9), gjson.Get(w.Body.String(), "input_tokens").Int())
	assert.Zero(t, up.hits.Load())

	bad := doRequest(s, http.MethodPost, "/v1/messages/count_tokens", `{"model":"claude-x","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestWriteEventsEncodeFailureAbortsStream(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{Logger: logger.NewDiscardLogger()})
	ex := &exchange{surface: SurfaceAnthropic, requestID: "req-1", originalModel: "claude-x"}
	unencodable := []conversion.AnthropicEvent{conversion.ContentBlockDeltaEvent{Kind: conversion.DeltaKind(42)}}

	newContext := func() (*gin.Context, *httptest.ResponseRecorder) {
		rw := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rw)
		c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		return c, rw
	}

	t.Run("before first write", func(t *testing.T) {
		c, rw := newContext()
		w := newSSEWriter(c)

		assert.False(t, o.writeEvents(c, w, ex, unencodable))
		assert.Equal(t, http.StatusInternalServerError, rw.Code)
		assert.Equal(t, "error", gjson.Get(rw.Body.String(), "type").String())
		assert.Contains(t, c.GetString(ctxKeyError), "encode event")
	})

	t.Run("after start", func(t *testing.T) {
		c, rw := newContext()
		w := newSSEWriter(c)

		require.True(t, o.writeEvents(c, w, ex, []conversion.AnthropicEvent{conversion.MessageStopEvent{}}))
		assert.False(t, o.writeEvents(c, w, ex, unencodable))
		assert.True(t, c.IsAborted())
		assert.Contains(t, c.GetString(ctxKeyError), "encode event")
		assert.Equal(t, []string{"message_stop"}, eventNames(parseSSE(t, rw.Body.String())))
	})
}
