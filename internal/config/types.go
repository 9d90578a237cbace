package config

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	ModelRewrite  ModelRewriteConfig  `yaml:"model_rewrite"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Admission     AdmissionConfig     `yaml:"admission"`
	ManualApprove ManualApproveConfig `yaml:"manual_approve"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Usage         UsageConfig         `yaml:"usage"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// UpstreamConfig 上游 OpenAI 兼容服务配置
type UpstreamConfig struct {
	BaseURL            string            `yaml:"base_url" json:"base_url" validate:"required,url"`
	APIKey             string            `yaml:"api_key" json:"-"`
	ChatPath           string            `yaml:"chat_path,omitempty" json:"chat_path,omitempty"`                         // 默认 /chat/completions
	MaxTokensFieldName string            `yaml:"max_tokens_field_name,omitempty" json:"max_tokens_field_name,omitempty" validate:"omitempty,oneof=max_tokens max_completion_tokens"`
	HeaderOverrides    map[string]string `yaml:"header_overrides,omitempty" json:"header_overrides,omitempty"`
	ParameterOverrides map[string]string `yaml:"parameter_overrides,omitempty" json:"parameter_overrides,omitempty"` // sjson 路径 -> JSON 值
	Proxy              *ProxyConfig      `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// 出站代理配置
type ProxyConfig struct {
	Type     string `yaml:"type" json:"type" validate:"oneof=http socks5"` // "http" | "socks5"
	Address  string `yaml:"address" json:"address" validate:"required,hostname_port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

type ModelRewriteConfig struct {
	Enabled bool               `yaml:"enabled" json:"enabled"`
	Rules   []ModelRewriteRule `yaml:"rules" json:"rules" validate:"dive"`
}

type ModelRewriteRule struct {
	SourcePattern string `yaml:"source_pattern" json:"source_pattern" validate:"required"` // 通配符模式
	TargetModel   string `yaml:"target_model" json:"target_model" validate:"required"`
}

// RateLimitConfig 请求准入限流配置，interval 为空或 0 表示不限流
type RateLimitConfig struct {
	Interval string `yaml:"interval" json:"interval"`
	Wait     bool   `yaml:"wait" json:"wait"` // true: 排队等待；false: 直接拒绝
}

type AdmissionConfig struct {
	PolicyFile string `yaml:"policy_file,omitempty" json:"policy_file,omitempty"` // Starlark 脚本，定义 admit(request)
}

type ManualApproveConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Terminal bool `yaml:"terminal" json:"terminal"` // 在终端中交互确认（需要 TTY）
}

type LoggingConfig struct {
	Level           string         `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogRequestTypes string         `yaml:"log_request_types"`
	LogRequestBody  string         `yaml:"log_request_body"`
	LogResponseBody string         `yaml:"log_response_body"`
	LogDirectory    string         `yaml:"log_directory"`
	File            *LogFileConfig `yaml:"file,omitempty"`
}

// LogFileConfig 滚动日志文件配置
type LogFileConfig struct {
	Path       string `yaml:"path" validate:"required"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DatabaseConfig 请求日志与用量记录的存储配置
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn,omitempty"` // postgres 必填；sqlite 为空时使用 log_directory/logs.db
}

type UsageConfig struct {
	BufferSize int `yaml:"buffer_size" validate:"min=0"`
}

type TimeoutConfig struct {
	TLSHandshake   string `yaml:"tls_handshake" json:"tls_handshake"`     // 默认10s
	ResponseHeader string `yaml:"response_header" json:"response_header"` // 默认60s
	IdleConnection string `yaml:"idle_connection" json:"idle_connection"` // 默认90s
}
