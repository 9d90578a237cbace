package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"chat-protocol-gateway/internal/config"
)

// Timeouts 上游连接的各阶段超时
type Timeouts struct {
	TLSHandshake   time.Duration
	ResponseHeader time.Duration
	IdleConnection time.Duration
}

// Options 上游客户端参数
type Options struct {
	Timeouts       Timeouts
	Proxy          *config.ProxyConfig
	MaxIdleConns   int
	MaxIdlePerHost int
}

// OptionsFromConfig 从配置构造客户端参数，缺省值取自 config.Default
func OptionsFromConfig(upstream config.UpstreamConfig, timeouts config.TimeoutConfig) Options {
	return Options{
		Timeouts: Timeouts{
			TLSHandshake:   config.GetTimeoutDuration(timeouts.TLSHandshake, 10*time.Second),
			ResponseHeader: config.GetTimeoutDuration(timeouts.ResponseHeader, 60*time.Second),
			IdleConnection: config.GetTimeoutDuration(timeouts.IdleConnection, 90*time.Second),
		},
		Proxy:          upstream.Proxy,
		MaxIdleConns:   config.Default.HTTPClient.MaxIdleConns,
		MaxIdlePerHost: config.Default.HTTPClient.MaxIdlePerHost,
	}
}

// New 创建访问上游的 HTTP 客户端。
// 客户端不设置整体超时，流式响应的生命周期由请求 context 控制。
func New(opts Options) (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   opts.Timeouts.TLSHandshake,
		ResponseHeaderTimeout: opts.Timeouts.ResponseHeader,
		IdleConnTimeout:       opts.Timeouts.IdleConnection,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdlePerHost,
		ForceAttemptHTTP2:     true,
		// 响应解压由 upstream 包按 Content-Encoding 处理
		DisableCompression: true,
	}

	if opts.Proxy != nil {
		if err := applyProxy(transport, opts.Proxy); err != nil {
			return nil, fmt.Errorf("failed to configure upstream proxy: %w", err)
		}
	}

	return &http.Client{Transport: transport}, nil
}
