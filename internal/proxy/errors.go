package proxy

import (
	"context"
	"errors"
	"net/http"

	"chat-protocol-gateway/internal/admission"
	"chat-protocol-gateway/internal/approval"
	"chat-protocol-gateway/internal/conversion"
	"chat-protocol-gateway/internal/upstream"

	"github.com/gin-gonic/gin"
)

// 客户端在响应完成前断开，沿用 nginx 的约定
const statusClientClosedRequest = 499

type openAIErrorBody struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type anthropicErrorBody struct {
	Type  string         `json:"type"`
	Error anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorClass 描述一个错误在两个协议面上的状态码与错误类型
type errorClass struct {
	status        int
	anthropicType string
	openAIType    string
	code          string
}

// classifyError 将内部错误映射为 HTTP 状态码与错误类型
func classifyError(err error) errorClass {
	var (
		validation *conversion.ValidationError
		malformed  *conversion.MalformedUpstreamResponse
		violation  *conversion.ProtocolViolation
		rejected   *admission.RejectedError
	)
	switch {
	case errors.As(err, &validation):
		return errorClass{http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "invalid_request"}
	case errors.As(err, &rejected):
		return errorClass{http.StatusTooManyRequests, "rate_limit_error", "rate_limit_error", "rate_limit_exceeded"}
	case errors.Is(err, approval.ErrRejected):
		return errorClass{http.StatusForbidden, "permission_error", "permission_error", "request_rejected"}
	case errors.As(err, &malformed), errors.As(err, &violation):
		return errorClass{http.StatusBadGateway, "api_error", "upstream_error", "bad_upstream_response"}
	case errors.Is(err, context.Canceled):
		return errorClass{statusClientClosedRequest, "api_error", "api_error", "client_closed_request"}
	case errors.Is(err, context.DeadlineExceeded):
		return errorClass{http.StatusGatewayTimeout, "timeout_error", "timeout_error", "upstream_timeout"}
	case errors.Is(err, upstream.ErrTransport):
		return errorClass{http.StatusBadGateway, "api_error", "upstream_error", "upstream_unreachable"}
	default:
		return errorClass{http.StatusInternalServerError, "api_error", "server_error", "internal_error"}
	}
}

// writeError 按协议面写出错误响应。上游返回的错误原样透传状态码和响应体。
func writeError(c *gin.Context, surface string, err error) {
	c.Set(ctxKeyError, err.Error())

	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		contentType := upErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(upErr.StatusCode, contentType, upErr.Body)
		return
	}

	class := classifyError(err)
	if class.status == statusClientClosedRequest {
		c.Status(class.status)
		return
	}

	if surface == SurfaceAnthropic {
		c.JSON(class.status, anthropicErrorBody{
			Type:  "error",
			Error: anthropicError{Type: class.anthropicType, Message: err.Error()},
		})
		return
	}
	c.JSON(class.status, openAIErrorBody{
		Error: openAIError{Message: err.Error(), Type: class.openAIType, Code: class.code},
	})
}
