package proxy

import (
	"bytes"
	"io"
	"time"

	"chat-protocol-gateway/internal/conversion"
	"chat-protocol-gateway/internal/logger"
	"chat-protocol-gateway/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// gin.Context 中的键，由编排器写入、日志中间件读取
const (
	ctxKeyRequestID      = "request_id"
	ctxKeyStartTime      = "start_time"
	ctxKeySurface        = "surface"
	ctxKeyModel          = "original_model"
	ctxKeyRewrittenModel = "rewritten_model"
	ctxKeyStreaming      = "is_streaming"
	ctxKeyUsage          = "usage"
	ctxKeyError          = "error"
)

// 为提取用量而缓存的响应体上限
const maxCapturedResponse = 4 << 20

// requestIDMiddleware 沿用客户端传入的 X-Request-ID，没有则生成一个，并回写到响应头
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// captureWriter 在写给客户端的同时缓存响应体的前 limit 字节
type captureWriter struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.capture(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) capture(p []byte) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
}

// loggingMiddleware 记录每个 API 请求的方法、路径、状态码、耗时和用量，写入请求日志
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ctxKeyStartTime, start)

		var requestBody []byte
		if c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				s.logger.Error("Failed to read request body", err)
			}
			requestBody = body
			// 重新设置请求体供后续使用
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		writer := &captureWriter{ResponseWriter: c.Writer, limit: maxCapturedResponse}
		c.Writer = writer

		c.Next()

		entry := &logger.RequestLog{
			Timestamp:        start,
			RequestID:        c.GetString(ctxKeyRequestID),
			Surface:          c.GetString(ctxKeySurface),
			Method:           c.Request.Method,
			Path:             c.Request.URL.Path,
			StatusCode:       c.Writer.Status(),
			DurationMs:       time.Since(start).Milliseconds(),
			RequestBody:      s.logger.CaptureBody(requestBody, s.logger.RequestBodyMode()),
			ResponseBody:     s.logger.CaptureBody(writer.buf.Bytes(), s.logger.ResponseBodyMode()),
			Error:            c.GetString(ctxKeyError),
			RequestBodySize:  len(requestBody),
			ResponseBodySize: c.Writer.Size(),
			IsStreaming:      c.GetBool(ctxKeyStreaming),
			Model:            c.GetString(ctxKeyModel),
		}
		if entry.Model == "" {
			entry.Model = utils.ExtractModelFromRequestBody(requestBody)
		}
		if rewritten := c.GetString(ctxKeyRewrittenModel); rewritten != "" {
			entry.RewrittenModel = rewritten
			entry.ModelRewriteApplied = true
		}
		if entry.ResponseBodySize < 0 {
			entry.ResponseBodySize = 0
		}

		if usage, ok := c.Get(ctxKeyUsage); ok {
			if u, ok := usage.(*conversion.ChatUsage); ok && u != nil {
				entry.PromptTokens, entry.CompletionTokens = u.PromptTokens, u.CompletionTokens
			}
		} else {
			// 编排器没有给出用量时，从响应体中尽力提取
			entry.PromptTokens, entry.CompletionTokens = utils.ExtractUsage(writer.buf.Bytes())
		}

		s.logger.LogRequest(entry)
	}
}
