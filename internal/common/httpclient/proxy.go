package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"chat-protocol-gateway/internal/config"

	"golang.org/x/net/proxy"
)

// applyProxy 按代理类型为 transport 配置出站代理
func applyProxy(transport *http.Transport, proxyConfig *config.ProxyConfig) error {
	switch proxyConfig.Type {
	case "http":
		transport.Proxy = http.ProxyURL(httpProxyURL(proxyConfig))
		return nil
	case "socks5":
		dial, err := socks5DialContext(proxyConfig)
		if err != nil {
			return err
		}
		transport.DialContext = dial
		return nil
	default:
		return fmt.Errorf("unsupported proxy type: %s", proxyConfig.Type)
	}
}

func httpProxyURL(proxyConfig *config.ProxyConfig) *url.URL {
	u := &url.URL{Scheme: "http", Host: proxyConfig.Address}
	if proxyConfig.Username != "" {
		u.User = url.UserPassword(proxyConfig.Username, proxyConfig.Password)
	}
	return u
}

type dialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

func socks5DialContext(proxyConfig *config.ProxyConfig) (dialContextFunc, error) {
	var auth *proxy.Auth
	if proxyConfig.Username != "" {
		auth = &proxy.Auth{User: proxyConfig.Username, Password: proxyConfig.Password}
	}

	forward := &net.Dialer{
		Timeout:   config.Default.ProxyDialer.Timeout,
		KeepAlive: config.Default.ProxyDialer.KeepAlive,
	}
	dialer, err := proxy.SOCKS5("tcp", proxyConfig.Address, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}

	// 旧版 Dialer 不支持 context，拨号放到 goroutine 中以便响应取消
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := dialer.Dial(network, address)
			ch <- result{conn, err}
		}()
		select {
		case res := <-ch:
			return res.conn, res.err
		case <-ctx.Done():
			go func() {
				if res := <-ch; res.conn != nil {
					res.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}, nil
}
