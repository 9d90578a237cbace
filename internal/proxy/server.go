package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"sync"

	"chat-protocol-gateway/internal/admission"
	"chat-protocol-gateway/internal/approval"
	"chat-protocol-gateway/internal/common/httpclient"
	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/conversion"
	"chat-protocol-gateway/internal/logger"
	"chat-protocol-gateway/internal/modelrewrite"
	"chat-protocol-gateway/internal/tokencount"
	"chat-protocol-gateway/internal/upstream"
	"chat-protocol-gateway/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UsageRecorder 用量统计：记录接口之外还提供累计快照
type UsageRecorder interface {
	UsageSink
	Snapshot() usage.Snapshot
}

type Server struct {
	config       *config.Config
	logger       *logger.Logger
	admission    *admission.Controller
	gate         *approval.Gate
	rewriter     *modelrewrite.Rewriter
	recorder     UsageRecorder
	orchestrator *Orchestrator
	router       *gin.Engine
	httpServer   *http.Server
	configMutex  sync.RWMutex
}

func NewServer(cfg *config.Config, log *logger.Logger, recorder UsageRecorder) (*Server, error) {
	httpClient, err := httpclient.New(httpclient.OptionsFromConfig(cfg.Upstream, cfg.Timeouts))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream http client: %w", err)
	}

	controller, err := admission.NewController(cfg.RateLimit, cfg.Admission, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admission control: %w", err)
	}

	counter, err := tokencount.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token counter: %w", err)
	}

	gate := approval.NewGate(cfg.ManualApprove.Enabled, log)
	rewriter := modelrewrite.NewRewriter(cfg.ModelRewrite, log)

	s := &Server{
		config:    cfg,
		logger:    log,
		admission: controller,
		gate:      gate,
		rewriter:  rewriter,
		recorder:  recorder,
	}
	s.orchestrator = NewOrchestrator(OrchestratorDeps{
		Upstream:         upstream.NewClient(cfg.Upstream, httpClient),
		Admission:        controller,
		Gate:             gate,
		Rewriter:         rewriter,
		Usage:            recorder,
		Counter:          counter,
		Logger:           log,
		TranslateOptions: conversion.TranslateOptions{MaxTokensField: cfg.Upstream.MaxTokensFieldName},
	})

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: s.router,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(requestIDMiddleware())

	s.router.GET("/healthz", s.handleHealth)

	// 为 API 端点添加日志中间件
	apiGroup := s.router.Group("/")
	apiGroup.Use(s.loggingMiddleware())
	{
		apiGroup.POST("/v1/chat/completions", s.orchestrator.HandleOpenAI)
		apiGroup.POST("/chat/completions", s.orchestrator.HandleOpenAI)
		apiGroup.POST("/v1/messages", s.orchestrator.HandleAnthropic)
		apiGroup.POST("/v1/messages/count_tokens", s.orchestrator.HandleCountTokens)
	}

	s.registerAdminRoutes(s.router.Group("/admin"))
}

// Start 绑定监听地址并在后台开始服务。返回的通道在服务异常退出时收到错误，
// 正常关闭时被关闭。
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info(fmt.Sprintf("Starting gateway on %s", ln.Addr()), logrus.Fields{
		"upstream": s.config.Upstream.BaseURL,
	})

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Shutdown 停止接收新连接并等待进行中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func (s *Server) GetLogger() *logger.Logger {
	return s.logger
}

func (s *Server) GetApprovalGate() *approval.Gate {
	return s.gate
}

// Config 返回当前生效的配置
func (s *Server) Config() *config.Config {
	s.configMutex.RLock()
	defer s.configMutex.RUnlock()
	return s.config
}

// HotUpdateConfig safely updates configuration without restarting the server
func (s *Server) HotUpdateConfig(newConfig *config.Config) error {
	s.configMutex.Lock()
	defer s.configMutex.Unlock()

	// 验证新配置
	if err := s.validateConfigForHotUpdate(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.logger.Info("Starting configuration hot update")

	s.rewriter.Update(newConfig.ModelRewrite)
	s.admission.UpdateRateLimit(newConfig.RateLimit)
	s.gate.SetEnabled(newConfig.ManualApprove.Enabled)

	// 更新日志配置（如果可能）
	if err := s.updateLoggingConfig(newConfig.Logging); err != nil {
		s.logger.Error("Failed to update logging config, continuing with other updates", err)
	}

	s.config = newConfig
	s.logger.Info("Configuration hot update completed successfully", logrus.Fields{
		"model_rewrite":  newConfig.ModelRewrite.Enabled,
		"rate_limit":     newConfig.RateLimit.Interval,
		"manual_approve": newConfig.ManualApprove.Enabled,
		"log_level":      newConfig.Logging.Level,
	})
	return nil
}

// validateConfigForHotUpdate 只允许修改可热更新的字段：
// model_rewrite、rate_limit、manual_approve.enabled、logging.level
func (s *Server) validateConfigForHotUpdate(newConfig *config.Config) error {
	if newConfig.Server.Host != s.config.Server.Host {
		return fmt.Errorf("server host cannot be changed via hot update")
	}
	if newConfig.Server.Port != s.config.Server.Port {
		return fmt.Errorf("server port cannot be changed via hot update")
	}

	frozen := *newConfig
	frozen.ModelRewrite = s.config.ModelRewrite
	frozen.RateLimit = s.config.RateLimit
	frozen.ManualApprove.Enabled = s.config.ManualApprove.Enabled
	frozen.Logging.Level = s.config.Logging.Level

	for _, section := range []struct {
		name      string
		old, next any
	}{
		{"upstream", s.config.Upstream, frozen.Upstream},
		{"admission", s.config.Admission, frozen.Admission},
		{"manual_approve.terminal", s.config.ManualApprove, frozen.ManualApprove},
		{"logging", s.config.Logging, frozen.Logging},
		{"database", s.config.Database, frozen.Database},
		{"usage", s.config.Usage, frozen.Usage},
		{"timeouts", s.config.Timeouts, frozen.Timeouts},
	} {
		if !reflect.DeepEqual(section.old, section.next) {
			return fmt.Errorf("%s cannot be changed via hot update", section.name)
		}
	}
	return nil
}

// updateLoggingConfig 目前只能更新日志级别
func (s *Server) updateLoggingConfig(newLogging config.LoggingConfig) error {
	if newLogging.Level == s.config.Logging.Level {
		return nil
	}
	return s.logger.SetLevel(newLogging.Level)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
