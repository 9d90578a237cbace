package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/logger"
	"chat-protocol-gateway/internal/usage"

	"github.com/stretchr/testify/require"
)

// 辅助函数

type usageCall struct {
	model      string
	prompt     int
	completion int
}

type fakeUsage struct {
	mu       sync.Mutex
	requests []string
	usage    []usageCall
}

func (f *fakeUsage) RecordRequest(model, surface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, model+"/"+surface)
}

func (f *fakeUsage) RecordUsage(model string, prompt, completion int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, usageCall{model, prompt, completion})
}

func (f *fakeUsage) Snapshot() usage.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return usage.Snapshot{Models: []usage.ModelTotals{{Model: "snapshot-model", Requests: int64(len(f.requests))}}}
}

func (f *fakeUsage) requestCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeUsage) usageCalls() []usageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usageCall(nil), f.usage...)
}

// fakeUpstream 记录收到的请求体和次数
type fakeUpstream struct {
	server *httptest.Server
	hits   atomic.Int32

	mu   sync.Mutex
	body []byte
}

func (u *fakeUpstream) lastBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.body
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.body = body
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newTestServer(t *testing.T, handler http.HandlerFunc, extraYAML string) (*Server, *fakeUpstream, *fakeUsage) {
	t.Helper()
	up := newFakeUpstream(t, handler)
	yaml := fmt.Sprintf("upstream:\n  base_url: %s\n  api_key: test-key\nlogging:\n  log_directory: none\n%s", up.server.URL, extraYAML)
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	recorder := &fakeUsage{}
	s, err := NewServer(cfg, logger.NewDiscardLogger(), recorder)
	require.NoError(t, err)
	return s, up, recorder
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(w, req)
	return w
}

func jsonResponder(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

// sseResponder 依次写出 chunks；done 为 true 时以 [DONE] 结尾
func sseResponder(done bool, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		if done {
			io.WriteString(w, "data: [DONE]\n\n")
		}
	}
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.name != "" || current.data != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	if current.name != "" || current.data != "" {
		events = append(events, current)
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

const (
	anthropicBody       = `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	anthropicStreamBody = `{"model":"claude-x","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	openAIBody          = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"logprobs":true}`
	openAIStreamBody    = `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`

	textCompletion = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`
	toolCompletion = `{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"gpt-4o",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[` +
		`{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]},` +
		`"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`
)
