package logger

import "time"

// GormRequestLog 对应 request_logs 表
type GormRequestLog struct {
	ID         uint      `gorm:"primaryKey;column:id;autoIncrement"`
	Timestamp  time.Time `gorm:"column:timestamp;index:idx_timestamp;not null"`
	RequestID  string    `gorm:"column:request_id;index:idx_request_id;size:100;not null"`
	Surface    string    `gorm:"column:surface;index:idx_surface;size:20;default:''"`
	Method     string    `gorm:"column:method;size:10;not null"`
	Path       string    `gorm:"column:path;size:500;not null"`
	StatusCode int       `gorm:"column:status_code;index:idx_status_code;default:0"`
	DurationMs int64     `gorm:"column:duration_ms;default:0"`

	RequestBody      string `gorm:"column:request_body;type:text"`
	RequestBodySize  int    `gorm:"column:request_body_size;default:0"`
	ResponseBody     string `gorm:"column:response_body;type:text"`
	ResponseBodySize int    `gorm:"column:response_body_size;default:0"`
	IsStreaming      bool   `gorm:"column:is_streaming;default:false"`
	Error            string `gorm:"column:error;type:text"`

	Model               string `gorm:"column:model;size:100;default:''"`
	RewrittenModel      string `gorm:"column:rewritten_model;size:100;default:''"`
	ModelRewriteApplied bool   `gorm:"column:model_rewrite_applied;default:false"`

	PromptTokens     int `gorm:"column:prompt_tokens;default:0"`
	CompletionTokens int `gorm:"column:completion_tokens;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (GormRequestLog) TableName() string {
	return "request_logs"
}

func ConvertToGormRequestLog(log *RequestLog) *GormRequestLog {
	return &GormRequestLog{
		Timestamp:           log.Timestamp,
		RequestID:           log.RequestID,
		Surface:             log.Surface,
		Method:              log.Method,
		Path:                log.Path,
		StatusCode:          log.StatusCode,
		DurationMs:          log.DurationMs,
		RequestBody:         log.RequestBody,
		RequestBodySize:     log.RequestBodySize,
		ResponseBody:        log.ResponseBody,
		ResponseBodySize:    log.ResponseBodySize,
		IsStreaming:         log.IsStreaming,
		Error:               log.Error,
		Model:               log.Model,
		RewrittenModel:      log.RewrittenModel,
		ModelRewriteApplied: log.ModelRewriteApplied,
		PromptTokens:        log.PromptTokens,
		CompletionTokens:    log.CompletionTokens,
	}
}

func ConvertFromGormRequestLog(gormLog *GormRequestLog) *RequestLog {
	return &RequestLog{
		Timestamp:           gormLog.Timestamp,
		RequestID:           gormLog.RequestID,
		Surface:             gormLog.Surface,
		Method:              gormLog.Method,
		Path:                gormLog.Path,
		StatusCode:          gormLog.StatusCode,
		DurationMs:          gormLog.DurationMs,
		RequestBody:         gormLog.RequestBody,
		RequestBodySize:     gormLog.RequestBodySize,
		ResponseBody:        gormLog.ResponseBody,
		ResponseBodySize:    gormLog.ResponseBodySize,
		IsStreaming:         gormLog.IsStreaming,
		Error:               gormLog.Error,
		Model:               gormLog.Model,
		RewrittenModel:      gormLog.RewrittenModel,
		ModelRewriteApplied: gormLog.ModelRewriteApplied,
		PromptTokens:        gormLog.PromptTokens,
		CompletionTokens:    gormLog.CompletionTokens,
	}
}
