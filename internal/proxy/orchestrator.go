package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chat-protocol-gateway/internal/admission"
	"chat-protocol-gateway/internal/approval"
	"chat-protocol-gateway/internal/conversion"
	"chat-protocol-gateway/internal/logger"
	"chat-protocol-gateway/internal/modelrewrite"
	"chat-protocol-gateway/internal/tokencount"
	"chat-protocol-gateway/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	SurfaceOpenAI    = "openai"
	SurfaceAnthropic = "anthropic"
)

// errEmptyStream 上游以 2xx 结束了流，却没有给出任何 chunk
var errEmptyStream = &conversion.MalformedUpstreamResponse{Message: "stream ended before any chunk was received"}

// UsageSink 接收用量统计，调用方不等待、也不关心结果
type UsageSink interface {
	RecordRequest(model, surface string)
	RecordUsage(model string, prompt, completion int)
}

// Orchestrator 处理一次完整的补全请求：准入、翻译、改写、审批、调用上游、翻译响应
type Orchestrator struct {
	upstream  *upstream.Client
	admission *admission.Controller
	gate      *approval.Gate
	rewriter  *modelrewrite.Rewriter
	usage     UsageSink
	counter   *tokencount.Counter
	logger    *logger.Logger

	translateOptions conversion.TranslateOptions
}

// OrchestratorDeps 编排器依赖的协作组件
type OrchestratorDeps struct {
	Upstream         *upstream.Client
	Admission        *admission.Controller
	Gate             *approval.Gate
	Rewriter         *modelrewrite.Rewriter
	Usage            UsageSink
	Counter          *tokencount.Counter
	Logger           *logger.Logger
	TranslateOptions conversion.TranslateOptions
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		upstream:         deps.Upstream,
		admission:        deps.Admission,
		gate:             deps.Gate,
		rewriter:         deps.Rewriter,
		usage:            deps.Usage,
		counter:          deps.Counter,
		logger:           deps.Logger,
		translateOptions: deps.TranslateOptions,
	}
}

// exchange 一次请求在调用上游前确定下来的全部信息
type exchange struct {
	surface       string
	requestID     string
	originalModel string
	upstreamModel string
	rewritten     bool
	stream        bool
	// usageInjected 为 true 时，上游的纯用量 chunk 是网关自己要的，不转发给客户端
	usageInjected bool
	request       *conversion.ChatRequest
}

// HandleOpenAI 处理 Chat Completions 协议面的请求，响应近乎原样转发
func (o *Orchestrator) HandleOpenAI(c *gin.Context) {
	c.Set(ctxKeySurface, SurfaceOpenAI)

	body, err := readRequestBody(c)
	if err != nil {
		writeError(c, SurfaceOpenAI, err)
		return
	}
	req, err := conversion.ParseChatRequest(body)
	if err != nil {
		writeError(c, SurfaceOpenAI, err)
		return
	}

	usageInjected := req.EnsureStreamUsage()
	ex, err := o.prepare(c, SurfaceOpenAI, req.Model, req.Stream, len(req.Messages), func() (*conversion.ChatRequest, error) {
		return req, nil
	})
	if err != nil {
		writeError(c, SurfaceOpenAI, err)
		return
	}
	ex.usageInjected = usageInjected

	if ex.stream {
		o.streamOpenAI(c, ex)
	} else {
		o.completeOpenAI(c, ex)
	}
}

// HandleAnthropic 处理 Messages 协议面的请求，翻译后调用 Chat Completions 上游
func (o *Orchestrator) HandleAnthropic(c *gin.Context) {
	c.Set(ctxKeySurface, SurfaceAnthropic)

	body, err := readRequestBody(c)
	if err != nil {
		writeError(c, SurfaceAnthropic, err)
		return
	}
	req, err := conversion.ParseAnthropicRequest(body)
	if err != nil {
		writeError(c, SurfaceAnthropic, err)
		return
	}

	ex, err := o.prepare(c, SurfaceAnthropic, req.Model, req.Stream, len(req.Messages), func() (*conversion.ChatRequest, error) {
		return conversion.TranslateRequest(req, o.translateOptions)
	})
	if err != nil {
		writeError(c, SurfaceAnthropic, err)
		return
	}

	if ex.stream {
		o.streamAnthropic(c, ex)
	} else {
		o.completeAnthropic(c, ex)
	}
}

// prepare 依次执行准入、请求计数、翻译、模型改写和人工审批
func (o *Orchestrator) prepare(c *gin.Context, surface, model string, stream bool, messages int, translate func() (*conversion.ChatRequest, error)) (*exchange, error) {
	ctx := c.Request.Context()
	requestID := c.GetString(ctxKeyRequestID)
	c.Set(ctxKeyModel, model)
	c.Set(ctxKeyStreaming, stream)

	if err := o.admission.Admit(ctx, admission.Request{Model: model, Surface: surface, Stream: stream}); err != nil {
		o.logger.Info("Request not admitted", logrus.Fields{"request_id": requestID, "model": model, "reason": err.Error()})
		return nil, err
	}
	o.usage.RecordRequest(model, surface)

	chatReq, err := translate()
	if err != nil {
		return nil, err
	}

	ex := &exchange{
		surface:       surface,
		requestID:     requestID,
		originalModel: model,
		upstreamModel: chatReq.Model,
		stream:        stream,
		request:       chatReq,
	}
	if target, applied := o.rewriter.Rewrite(chatReq.Model); applied {
		chatReq.Model = target
		ex.upstreamModel = target
		ex.rewritten = true
		c.Set(ctxKeyRewrittenModel, target)
	}

	err = o.gate.Await(ctx, approval.Pending{
		RequestID: requestID,
		Surface:   surface,
		Model:     model,
		Stream:    stream,
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (o *Orchestrator) completeOpenAI(c *gin.Context, ex *exchange) {
	completion, err := o.upstream.Complete(c.Request.Context(), ex.request)
	if err != nil {
		o.upstreamFailed(c, ex, err)
		return
	}
	o.reportUsage(c, ex, completion.Response.Usage)

	body := completion.Body
	if ex.rewritten {
		body = modelrewrite.RestoreModel(body, ex.originalModel, ex.upstreamModel)
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (o *Orchestrator) completeAnthropic(c *gin.Context, ex *exchange) {
	completion, err := o.upstream.Complete(c.Request.Context(), ex.request)
	if err != nil {
		o.upstreamFailed(c, ex, err)
		return
	}
	o.reportUsage(c, ex, completion.Response.Usage)

	resp, err := conversion.TranslateResponse(completion.Response)
	if err != nil {
		o.logger.Error("Failed to translate upstream response", err, logrus.Fields{"request_id": ex.requestID})
		writeError(c, ex.surface, err)
		return
	}
	resp.Model = ex.originalModel
	c.JSON(http.StatusOK, resp)
}

func (o *Orchestrator) streamOpenAI(c *gin.Context, ex *exchange) {
	ctx := c.Request.Context()
	stream, err := o.upstream.Stream(ctx, ex.request)
	if err != nil {
		o.upstreamFailed(c, ex, err)
		return
	}
	defer stream.Close()

	var usage *conversion.ChatUsage
	defer func() { o.reportUsage(c, ex, usage) }()

	w := newSSEWriter(c)
	received := 0
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			if received == 0 {
				o.abortStream(c, w, ex, errEmptyStream)
				return
			}
			if werr := w.WriteData(sseDone); werr != nil {
				o.clientGone(ex, werr)
			}
			return
		}
		if err != nil {
			o.abortStream(c, w, ex, err)
			return
		}
		received++
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if ex.usageInjected && len(chunk.Choices) == 0 {
			continue
		}

		data := chunk.Raw
		if data == nil {
			if data, err = json.Marshal(chunk); err != nil {
				o.abortStream(c, w, ex, err)
				return
			}
		}
		if ex.rewritten {
			data = modelrewrite.RestoreModel(data, ex.originalModel, ex.upstreamModel)
		}
		if err := w.WriteData(data); err != nil {
			o.clientGone(ex, err)
			return
		}
	}
}

func (o *Orchestrator) streamAnthropic(c *gin.Context, ex *exchange) {
	ctx := c.Request.Context()
	stream, err := o.upstream.Stream(ctx, ex.request)
	if err != nil {
		o.upstreamFailed(c, ex, err)
		return
	}
	defer stream.Close()

	state := conversion.NewTranslationState(conversion.NewMessageID(), ex.originalModel)
	defer func() { o.reportUsage(c, ex, state.Usage()) }()

	w := newSSEWriter(c)
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !state.Started() {
				o.abortStream(c, w, ex, errEmptyStream)
				return
			}
			// 上游正常结束但未给出 finish_reason 时补齐收尾事件
			o.writeEvents(c, w, ex, conversion.FinishIncomplete(state))
			return
		}
		if err != nil {
			o.abortStream(c, w, ex, err)
			return
		}

		events, err := conversion.TranslateChunk(state, chunk)
		if err != nil {
			o.abortStream(c, w, ex, err)
			return
		}
		if !o.writeEvents(c, w, ex, events) {
			return
		}
	}
}

// writeEvents 编码并写出事件。编码失败按流中止处理，写失败视为客户端断开。
// 返回 false 表示交换已结束。
func (o *Orchestrator) writeEvents(c *gin.Context, w *sseWriter, ex *exchange, events []conversion.AnthropicEvent) bool {
	payload, err := encodeEvents(events)
	if err != nil {
		o.abortStream(c, w, ex, fmt.Errorf("encode event: %w", err))
		return false
	}
	if err := w.WriteEncoded(payload); err != nil {
		o.clientGone(ex, err)
		return false
	}
	return true
}

// abortStream 终止一次流式交换。尚未写出任何字节时返回错误响应，
// 否则直接结束连接，不再写出任何事件。
func (o *Orchestrator) abortStream(c *gin.Context, w *sseWriter, ex *exchange, err error) {
	if c.Request.Context().Err() != nil {
		o.clientGone(ex, err)
		if !w.Started() {
			c.Status(statusClientClosedRequest)
		}
		return
	}

	o.logger.Error("Stream aborted", err, logrus.Fields{
		"request_id": ex.requestID,
		"surface":    ex.surface,
		"model":      ex.originalModel,
		"started":    w.Started(),
	})
	if !w.Started() {
		writeError(c, ex.surface, err)
		return
	}
	c.Set(ctxKeyError, err.Error())
	c.Abort()
}

func (o *Orchestrator) clientGone(ex *exchange, err error) {
	o.logger.Debug("Client disconnected during stream", logrus.Fields{
		"request_id": ex.requestID,
		"error":      err.Error(),
	})
}

func (o *Orchestrator) upstreamFailed(c *gin.Context, ex *exchange, err error) {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		o.logger.Info("Upstream returned error", logrus.Fields{
			"request_id":  ex.requestID,
			"status_code": upErr.StatusCode,
			"model":       ex.upstreamModel,
		})
	} else {
		o.logger.Error("Upstream call failed", err, logrus.Fields{"request_id": ex.requestID, "model": ex.upstreamModel})
	}
	writeError(c, ex.surface, err)
}

// reportUsage 每次完成的交换只调用一次；上游没有给出用量时按 0 记录
func (o *Orchestrator) reportUsage(c *gin.Context, ex *exchange, usage *conversion.ChatUsage) {
	var prompt, completion int
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
		c.Set(ctxKeyUsage, usage)
	}
	o.usage.RecordUsage(ex.originalModel, prompt, completion)
}

// HandleCountTokens 估算一个 Messages 请求的输入 token 数
func (o *Orchestrator) HandleCountTokens(c *gin.Context) {
	c.Set(ctxKeySurface, SurfaceAnthropic)

	body, err := readRequestBody(c)
	if err != nil {
		writeError(c, SurfaceAnthropic, err)
		return
	}
	// count_tokens 请求不带 max_tokens，不走 ParseAnthropicRequest 的校验
	var req conversion.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, SurfaceAnthropic, &conversion.ValidationError{Message: "body is not a valid Messages request", Err: err})
		return
	}
	c.Set(ctxKeyModel, req.Model)

	chatReq, err := conversion.TranslateRequest(&req, o.translateOptions)
	if err != nil {
		writeError(c, SurfaceAnthropic, err)
		return
	}
	n, err := o.counter.CountRequest(chatReq)
	if err != nil {
		writeError(c, SurfaceAnthropic, fmt.Errorf("count tokens: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": n})
}

func readRequestBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, &conversion.ValidationError{Message: "request body is empty"}
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, &conversion.ValidationError{Message: "failed to read request body", Err: err}
	}
	return body, nil
}
