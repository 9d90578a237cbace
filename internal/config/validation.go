package config

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig 导出的配置验证函数
func ValidateConfig(config *Config) error {
	return validateConfig(config)
}

func validateConfig(config *Config) error {
	applyDefaults(config)

	if err := structValidator.Struct(config); err != nil {
		return describeValidationError(err)
	}

	if err := validateServerConfig(config.Server.Host, config.Server.Port); err != nil {
		return err
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return err
	}

	if err := validateTimeoutConfig(&config.Timeouts); err != nil {
		return fmt.Errorf("timeout configuration error: %w", err)
	}

	if err := validateRateLimitConfig(&config.RateLimit); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}

	if err := validateModelRewriteConfig(&config.ModelRewrite); err != nil {
		return fmt.Errorf("model rewrite configuration error: %w", err)
	}

	if config.Database.Driver == "postgres" && config.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	if !strings.HasPrefix(config.Upstream.ChatPath, "/") {
		return fmt.Errorf("invalid upstream.chat_path '%s', must start with '/'", config.Upstream.ChatPath)
	}

	return nil
}

func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = Default.Server.Host
	}
	if config.Server.Port == 0 {
		config.Server.Port = Default.Server.Port
	}
	if config.Upstream.ChatPath == "" {
		config.Upstream.ChatPath = Default.Upstream.ChatPath
	}
	config.Upstream.BaseURL = strings.TrimRight(config.Upstream.BaseURL, "/")
	if config.Logging.Level == "" {
		config.Logging.Level = Default.Logging.Level
	}
	if config.Logging.LogDirectory == "" {
		config.Logging.LogDirectory = Default.Logging.Directory
	}
	if config.Logging.LogRequestTypes == "" {
		config.Logging.LogRequestTypes = Default.Logging.RequestTypes
	}
	if config.Logging.LogRequestBody == "" {
		config.Logging.LogRequestBody = Default.Logging.BodyMode
	}
	if config.Logging.LogResponseBody == "" {
		config.Logging.LogResponseBody = Default.Logging.BodyMode
	}
	if config.Database.Driver == "" {
		config.Database.Driver = Default.Database.Driver
	}
	if config.Usage.BufferSize == 0 {
		config.Usage.BufferSize = Default.Usage.BufferSize
	}
}

// describeValidationError 把 validator 的错误转换为带 yaml 路径的可读信息
func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s' (got '%v')", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s' (got '%v')", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration fields: %s", strings.Join(msgs, "; "))
}

func validateServerConfig(host string, port int) error {
	if host != "localhost" && net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("invalid server host '%s': %w", host, err)
		}
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port %d", port)
	}
	return nil
}

func validateLoggingConfig(config *LoggingConfig) error {
	if !oneOf(config.LogRequestTypes, "failed", "success", "all") {
		return fmt.Errorf("invalid log_request_types '%s', must be one of: failed, success, all", config.LogRequestTypes)
	}
	if !oneOf(config.LogRequestBody, "none", "truncated", "full") {
		return fmt.Errorf("invalid log_request_body '%s', must be one of: none, truncated, full", config.LogRequestBody)
	}
	if !oneOf(config.LogResponseBody, "none", "truncated", "full") {
		return fmt.Errorf("invalid log_response_body '%s', must be one of: none, truncated, full", config.LogResponseBody)
	}
	return nil
}

func validateTimeoutConfig(config *TimeoutConfig) error {
	if config.TLSHandshake == "" {
		config.TLSHandshake = Default.Timeouts.TLSHandshake
	}
	if config.ResponseHeader == "" {
		config.ResponseHeader = Default.Timeouts.ResponseHeader
	}
	if config.IdleConnection == "" {
		config.IdleConnection = Default.Timeouts.IdleConnection
	}

	fields := map[string]string{
		"tls_handshake":   config.TLSHandshake,
		"response_header": config.ResponseHeader,
		"idle_connection": config.IdleConnection,
	}
	for name, value := range fields {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got '%s'", name, value)
		}
	}
	return nil
}

func validateRateLimitConfig(config *RateLimitConfig) error {
	if config.Interval == "" {
		return nil
	}
	d, err := time.ParseDuration(config.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval '%s': %w", config.Interval, err)
	}
	if d < 0 {
		return fmt.Errorf("interval must not be negative, got '%s'", config.Interval)
	}
	return nil
}

func validateModelRewriteConfig(config *ModelRewriteConfig) error {
	for i, rule := range config.Rules {
		if _, err := path.Match(rule.SourcePattern, ""); err != nil {
			return fmt.Errorf("rule[%d]: invalid source_pattern '%s': %w", i, rule.SourcePattern, err)
		}
	}
	return nil
}

// RateLimitInterval 返回已校验的限流间隔，0 表示关闭
func (c RateLimitConfig) RateLimitInterval() time.Duration {
	return GetTimeoutDuration(c.Interval, 0)
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}
