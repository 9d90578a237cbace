package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/conversion"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxErrorBodySize 读取上游错误响应体的上限
const maxErrorBodySize = 1 << 20

// ErrTransport 上游连接层面的失败（拨号、TLS、连接被重置等）
var ErrTransport = errors.New("upstream request failed")

// Error 上游返回的非 2xx 响应，状态码与响应体原样交给调用方
type Error struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Completion 一次非流式调用的结果。Body 为解压后的原始响应体。
type Completion struct {
	Response *conversion.ChatResponse
	Body     []byte
}

// Client 调用 OpenAI 兼容上游的 chat completions 接口
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	headers    map[string]string
	overrides  map[string]string
}

// NewClient 创建上游客户端
func NewClient(cfg config.UpstreamConfig, httpClient *http.Client) *Client {
	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = config.Default.Upstream.ChatPath
	}
	return &Client{
		httpClient: httpClient,
		url:        strings.TrimRight(cfg.BaseURL, "/") + chatPath,
		apiKey:     cfg.APIKey,
		headers:    cfg.HeaderOverrides,
		overrides:  cfg.ParameterOverrides,
	}
}

// URL 返回完整的上游请求地址
func (c *Client) URL() string { return c.url }

// Complete 发送非流式请求并解析完整响应
func (c *Client) Complete(ctx context.Context, req *conversion.ChatRequest) (*Completion, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodedBody(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	var chat conversion.ChatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, &conversion.MalformedUpstreamResponse{Message: "response body is not a chat completion", Err: err}
	}
	return &Completion{Response: &chat, Body: data}, nil
}

// Stream 发送流式请求，返回按到达顺序产出 chunk 的 ChunkStream。
// 调用方必须 Close 返回的流。
func (c *Client) Stream(ctx context.Context, req *conversion.ChatRequest) (*ChunkStream, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	body, err := decodedBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	// 2xx 但不是事件流，通常是上游把错误放在 JSON 里返回
	if mediaType := streamMediaType(resp); mediaType != "" && mediaType != "text/event-stream" {
		defer resp.Body.Close()
		defer body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
		return nil, &conversion.MalformedUpstreamResponse{
			Message: fmt.Sprintf("expected text/event-stream, got %s: %s", mediaType, strings.TrimSpace(string(snippet))),
		}
	}
	return newChunkStream(body, resp.Body), nil
}

func streamMediaType(resp *http.Response) string {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

func (c *Client) do(ctx context.Context, req *conversion.ChatRequest, stream bool) (*http.Response, error) {
	payload, err := c.buildBody(req, stream)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	c.setHeaders(httpReq, stream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		upErr := &Error{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
		if body, derr := decodedBody(resp); derr == nil {
			upErr.Body, _ = io.ReadAll(io.LimitReader(body, maxErrorBodySize))
			body.Close()
		}
		return nil, upErr
	}
	return resp, nil
}

// buildBody 序列化请求，并按配置覆盖请求参数
func (c *Client) buildBody(req *conversion.ChatRequest, stream bool) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	if stream && !gjson.GetBytes(payload, "stream").Bool() {
		if payload, err = sjson.SetBytes(payload, "stream", true); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(c.overrides))
	for p := range c.overrides {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		value := c.overrides[p]
		if gjson.Valid(value) {
			payload, err = sjson.SetRawBytes(payload, p, []byte(value))
		} else {
			payload, err = sjson.SetBytes(payload, p, value)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply parameter override %q: %w", p, err)
		}
	}
	return payload, nil
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
}
