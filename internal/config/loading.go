package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量覆盖项，优先级高于配置文件
const (
	EnvUpstreamAPIKey = "GATEWAY_UPSTREAM_API_KEY"
	EnvUpstreamURL    = "GATEWAY_UPSTREAM_URL"
	EnvServerPort     = "GATEWAY_PORT"
)

// LoadConfig 读取配置文件；文件不存在时生成默认配置。
// envFiles 中的 .env 文件会先载入进程环境，缺失的文件会被忽略。
func LoadConfig(filename string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := generateDefaultConfig(filename); err != nil {
			return nil, fmt.Errorf("failed to generate default config file: %w", err)
		}
		data, err = os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read generated config file: %w", err)
		}
	}

	return Parse(data)
}

// Parse 解析 YAML 配置并应用环境变量覆盖、默认值和校验
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to stat env file %s: %w", f, err)
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

func applyEnvOverrides(config *Config) error {
	if v := os.Getenv(EnvUpstreamAPIKey); v != "" {
		config.Upstream.APIKey = v
	}
	if v := os.Getenv(EnvUpstreamURL); v != "" {
		config.Upstream.BaseURL = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", EnvServerPort, v, err)
		}
		config.Server.Port = port
	}
	return nil
}

// generateDefaultConfig 生成默认配置文件
func generateDefaultConfig(filename string) error {
	defaultConfig := &Config{
		Server: ServerConfig{
			Host: Default.Server.Host,
			Port: Default.Server.Port,
		},
		Upstream: UpstreamConfig{
			BaseURL: Default.Upstream.BaseURL,
			APIKey:  "YOUR_UPSTREAM_API_KEY_HERE",
		},
		ModelRewrite: ModelRewriteConfig{
			Enabled: false,
			Rules: []ModelRewriteRule{
				{SourcePattern: "claude-*", TargetModel: "gpt-4o"},
			},
		},
		Logging: LoggingConfig{
			Level:           Default.Logging.Level,
			LogRequestTypes: "failed",
			LogRequestBody:  Default.Logging.BodyMode,
			LogResponseBody: Default.Logging.BodyMode,
			LogDirectory:    Default.Logging.Directory,
		},
		Database: DatabaseConfig{
			Driver: Default.Database.Driver,
		},
		Usage: UsageConfig{
			BufferSize: Default.Usage.BufferSize,
		},
		Timeouts: TimeoutConfig{
			TLSHandshake:   Default.Timeouts.TLSHandshake,
			ResponseHeader: Default.Timeouts.ResponseHeader,
			IdleConnection: Default.Timeouts.IdleConnection,
		},
	}

	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := `# chat-protocol-gateway default configuration
# Generated automatically. Set upstream.base_url and upstream.api_key
# (or GATEWAY_UPSTREAM_URL / GATEWAY_UPSTREAM_API_KEY) before serving traffic.

`
	if err := os.WriteFile(filename, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write default config file: %w", err)
	}

	fmt.Printf("Default configuration written to %s\n", filename)
	return nil
}

// Dump 序列化配置用于展示，敏感字段被遮蔽
func Dump(config *Config) ([]byte, error) {
	redacted := *config
	if redacted.Upstream.APIKey != "" {
		redacted.Upstream.APIKey = "********"
	}
	if redacted.Upstream.Proxy != nil && redacted.Upstream.Proxy.Password != "" {
		p := *redacted.Upstream.Proxy
		p.Password = "********"
		redacted.Upstream.Proxy = &p
	}
	if redacted.Database.DSN != "" && redacted.Database.Driver == "postgres" {
		redacted.Database.DSN = "********"
	}
	return yaml.Marshal(&redacted)
}
