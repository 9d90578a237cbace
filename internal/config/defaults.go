package config

import "time"

// Defaults 统一的默认值表，其他包通过 config.Default 读取
type Defaults struct {
	Server struct {
		Host string
		Port int
	}
	Upstream struct {
		BaseURL  string
		ChatPath string
	}
	Logging struct {
		Level          string
		RequestTypes   string
		BodyMode       string
		Directory      string
		TruncateLength int
	}
	Database struct {
		Driver      string
		FileName    string
		CacheSize   int
		MmapSize    int
		BusyTimeout int
		MaxRetries  int
		RetainDays  int
	}
	Usage struct {
		BufferSize int
	}
	Timeouts struct {
		TLSHandshake   string
		ResponseHeader string
		IdleConnection string
	}
	HTTPClient struct {
		MaxIdleConns   int
		MaxIdlePerHost int
	}
	ProxyDialer struct {
		Timeout   time.Duration
		KeepAlive time.Duration
	}
}

var Default = newDefaults()

func newDefaults() Defaults {
	var d Defaults
	d.Server.Host = "127.0.0.1"
	d.Server.Port = 4141
	d.Upstream.BaseURL = "https://api.openai.com/v1"
	d.Upstream.ChatPath = "/chat/completions"
	d.Logging.Level = "info"
	d.Logging.RequestTypes = "all"
	d.Logging.BodyMode = "truncated"
	d.Logging.Directory = "./logs"
	d.Logging.TruncateLength = 1024
	d.Database.Driver = "sqlite"
	d.Database.FileName = "logs.db"
	d.Database.CacheSize = -20000
	d.Database.MmapSize = 268435456
	d.Database.BusyTimeout = 5000
	d.Database.MaxRetries = 3
	d.Database.RetainDays = 30
	d.Usage.BufferSize = 256
	d.Timeouts.TLSHandshake = "10s"
	d.Timeouts.ResponseHeader = "60s"
	d.Timeouts.IdleConnection = "90s"
	d.HTTPClient.MaxIdleConns = 100
	d.HTTPClient.MaxIdlePerHost = 10
	d.ProxyDialer.Timeout = 30 * time.Second
	d.ProxyDialer.KeepAlive = 30 * time.Second
	return d
}

// GetTimeoutDuration 解析时长字符串，解析失败时返回 fallback
func GetTimeoutDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
