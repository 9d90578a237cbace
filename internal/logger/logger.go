package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"chat-protocol-gateway/internal/utils"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type RequestLog struct {
	Timestamp           time.Time `json:"timestamp"`
	RequestID           string    `json:"request_id"`
	Surface             string    `json:"surface"` // "openai" | "anthropic"
	Method              string    `json:"method"`
	Path                string    `json:"path"`
	StatusCode          int       `json:"status_code"`
	DurationMs          int64     `json:"duration_ms"`
	RequestBody         string    `json:"request_body"`
	ResponseBody        string    `json:"response_body"`
	Error               string    `json:"error,omitempty"`
	RequestBodySize     int       `json:"request_body_size"`
	ResponseBodySize    int       `json:"response_body_size"`
	IsStreaming         bool      `json:"is_streaming"`
	Model               string    `json:"model,omitempty"`           // 客户端请求的模型名
	RewrittenModel      string    `json:"rewritten_model,omitempty"` // 实际发送给上游的模型名
	ModelRewriteApplied bool      `json:"model_rewrite_applied"`
	PromptTokens        int       `json:"prompt_tokens"`
	CompletionTokens    int       `json:"completion_tokens"`
}

// StorageInterface defines the interface for log storage backends
type StorageInterface interface {
	SaveLog(log *RequestLog)
	GetLogs(limit, offset int, failedOnly bool) ([]*RequestLog, int, error)
	GetAllLogsByRequestID(requestID string) ([]*RequestLog, error)
	CleanupLogsByDays(days int) (int64, error)
	DB() *gorm.DB
	Close() error
}

type Logger struct {
	logger  *logrus.Logger
	storage StorageInterface
	file    *lumberjack.Logger
	config  LogConfig
}

type LogConfig struct {
	Level           string
	LogRequestTypes string
	LogRequestBody  string
	LogResponseBody string
	LogDirectory    string // "none" 或空表示不落库
	File            *FileConfig
	Database        DatabaseConfig
}

// FileConfig 滚动日志文件，输出与控制台相同的 JSON 行
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func NewLogger(config LogConfig) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	l := &Logger{
		logger: logger,
		config: config,
	}

	if config.File != nil && config.File.Path != "" {
		l.file = &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, l.file))
	}

	if config.LogDirectory != "" && config.LogDirectory != "none" {
		storage, err := NewGORMStorage(config.LogDirectory, config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GORM log storage: %w", err)
		}
		l.storage = storage
	}

	return l, nil
}

// NewDiscardLogger 返回不落库、不输出的日志器，供测试和工具命令使用
func NewDiscardLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{
		logger: logger,
		config: LogConfig{LogRequestTypes: "all", LogRequestBody: "none", LogResponseBody: "none"},
	}
}

func (l *Logger) LogRequest(log *RequestLog) {
	if l.storage != nil {
		l.storage.SaveLog(log)
	}

	if !l.shouldLogRequest(log.StatusCode) {
		return
	}

	fields := logrus.Fields{
		"request_id":  log.RequestID,
		"surface":     log.Surface,
		"method":      log.Method,
		"path":        log.Path,
		"status_code": log.StatusCode,
		"duration_ms": log.DurationMs,
		"streaming":   log.IsStreaming,
	}
	if log.Error != "" {
		fields["error"] = log.Error
	}
	if log.Model != "" {
		fields["model"] = log.Model
	}
	if log.ModelRewriteApplied {
		fields["rewritten_model"] = log.RewrittenModel
	}
	if log.PromptTokens > 0 || log.CompletionTokens > 0 {
		fields["prompt_tokens"] = log.PromptTokens
		fields["completion_tokens"] = log.CompletionTokens
	}

	if log.StatusCode >= 400 {
		l.logger.WithFields(fields).Error("Request failed")
	} else {
		l.logger.WithFields(fields).Info("Request completed")
	}
}

// shouldLogRequest determines if a request should be logged to console based on configuration
func (l *Logger) shouldLogRequest(statusCode int) bool {
	switch l.config.LogRequestTypes {
	case "failed":
		return statusCode >= 400
	case "success":
		return statusCode < 400
	default:
		return true
	}
}

// CaptureBody 按 none/truncated/full 策略截取请求或响应体
func (l *Logger) CaptureBody(body []byte, mode string) string {
	switch mode {
	case "none":
		return ""
	case "truncated":
		return utils.TruncateBody(string(body), 1024)
	default:
		return string(body)
	}
}

func (l *Logger) RequestBodyMode() string  { return l.config.LogRequestBody }
func (l *Logger) ResponseBodyMode() string { return l.config.LogResponseBody }

func (l *Logger) Info(msg string, fields ...logrus.Fields) {
	if len(fields) > 0 {
		l.logger.WithFields(fields[0]).Info(msg)
	} else {
		l.logger.Info(msg)
	}
}

func (l *Logger) Warn(msg string, fields ...logrus.Fields) {
	if len(fields) > 0 {
		l.logger.WithFields(fields[0]).Warn(msg)
	} else {
		l.logger.Warn(msg)
	}
}

func (l *Logger) Error(msg string, err error, fields ...logrus.Fields) {
	baseFields := logrus.Fields{}
	if err != nil {
		baseFields["error"] = err.Error()
	}

	if len(fields) > 0 {
		for k, v := range fields[0] {
			baseFields[k] = v
		}
	}

	l.logger.WithFields(baseFields).Error(msg)
}

func (l *Logger) Debug(msg string, fields ...logrus.Fields) {
	if len(fields) > 0 {
		l.logger.WithFields(fields[0]).Debug(msg)
	} else {
		l.logger.Debug(msg)
	}
}

// SetLevel 热更新日志级别，非法值被忽略
func (l *Logger) SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.logger.SetLevel(parsed)
	return nil
}

// Writer 返回 logrus 的输出，供 gin 等组件共用
func (l *Logger) Writer() io.Writer {
	return l.logger.Out
}

// Database 返回底层 GORM 连接，未启用存储时为 nil
func (l *Logger) Database() *gorm.DB {
	if l.storage == nil {
		return nil
	}
	return l.storage.DB()
}

func (l *Logger) GetLogs(limit, offset int, failedOnly bool) ([]*RequestLog, int, error) {
	if l.storage == nil {
		return []*RequestLog{}, 0, nil
	}
	return l.storage.GetLogs(limit, offset, failedOnly)
}

func (l *Logger) GetAllLogsByRequestID(requestID string) ([]*RequestLog, error) {
	if l.storage == nil {
		return []*RequestLog{}, nil
	}
	return l.storage.GetAllLogsByRequestID(requestID)
}

func (l *Logger) CleanupLogsByDays(days int) (int64, error) {
	if l.storage == nil {
		return 0, fmt.Errorf("storage not available")
	}
	return l.storage.CleanupLogsByDays(days)
}

// Close closes the logger, its storage backend and the rotating file
func (l *Logger) Close() error {
	var err error
	if l.storage != nil {
		err = l.storage.Close()
	}
	if l.file != nil {
		if ferr := l.file.Close(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}
