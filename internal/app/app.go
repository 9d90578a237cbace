package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-protocol-gateway/internal/approval"
	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/logger"
	"chat-protocol-gateway/internal/proxy"
	"chat-protocol-gateway/internal/usage"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Options 命令行层面传入的运行参数
type Options struct {
	// ConfigPath 为空时不监听配置文件变化
	ConfigPath string
	// Overrides 命令行参数对配置的覆盖，热加载的新配置同样会应用
	Overrides func(*config.Config)
	Version   string
}

// App 管理网关服务及其后台组件的生命周期
type App struct {
	opts     Options
	config   *config.Config
	logger   *logger.Logger
	recorder *usage.Recorder
	server   *proxy.Server
}

// New 按配置创建日志、用量统计与 HTTP 服务
func New(cfg *config.Config, opts Options) (*App, error) {
	log, err := logger.NewLogger(LogConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	recorder, err := usage.NewRecorder(log.Database(), cfg.Usage.BufferSize, log)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize usage recorder: %w", err)
	}

	server, err := proxy.NewServer(cfg, log, recorder)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}

	return &App{
		opts:     opts,
		config:   cfg,
		logger:   log,
		recorder: recorder,
		server:   server,
	}, nil
}

// LogConfigFrom 把配置文件中的日志与数据库配置转换为 logger 的配置
func LogConfigFrom(cfg *config.Config) logger.LogConfig {
	lc := logger.LogConfig{
		Level:           cfg.Logging.Level,
		LogRequestTypes: cfg.Logging.LogRequestTypes,
		LogRequestBody:  cfg.Logging.LogRequestBody,
		LogResponseBody: cfg.Logging.LogResponseBody,
		LogDirectory:    cfg.Logging.LogDirectory,
		Database: logger.DatabaseConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		},
	}
	if f := cfg.Logging.File; f != nil {
		lc.File = &logger.FileConfig{
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		}
	}
	return lc
}

// Server 返回网关 HTTP 服务
func (a *App) Server() *proxy.Server { return a.server }

// Run 启动全部服务并阻塞，直到 ctx 结束或某个服务出错。
// 关闭顺序与启动相反：HTTP 服务、配置监听与终端审批、用量写入、日志存储。
func (a *App) Run(ctx context.Context) error {
	// 用量写入在 HTTP 服务关闭后才停止，保证最后一批请求的用量被写完
	usageCtx, stopUsage := context.WithCancel(context.Background())
	usageDone := make(chan error, 1)
	go func() { usageDone <- a.recorder.Run(usageCtx) }()

	g, gCtx := errgroup.WithContext(ctx)

	a.logger.Info("Chat protocol gateway", logrus.Fields{"version": a.opts.Version})
	serverErrCh, err := a.server.Start()
	if err != nil {
		stopUsage()
		<-usageDone
		a.logger.Close()
		return fmt.Errorf("gateway startup failed: %w", err)
	}

	g.Go(func() error {
		select {
		case err, ok := <-serverErrCh:
			if ok && err != nil {
				a.logger.Error("Gateway server error", err)
				return fmt.Errorf("gateway server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if a.opts.ConfigPath != "" {
		watcher := config.NewWatcher(a.opts.ConfigPath, a.applyConfig, func(err error) {
			a.logger.Error("Config reload failed", err, logrus.Fields{"path": a.opts.ConfigPath})
		})
		g.Go(func() error { return watcher.Run(gCtx) })
	}

	if a.config.ManualApprove.Terminal {
		if approval.TerminalAvailable() {
			prompter := approval.NewPrompter(a.server.GetApprovalGate(), nil, a.logger)
			g.Go(func() error { return prompter.Run(gCtx) })
		} else {
			a.logger.Warn("manual_approve.terminal is set but stdin is not a terminal; use /admin/approvals")
		}
	}

	runtimeErr := g.Wait()

	a.logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Gateway shutdown failed", err)
		errs = append(errs, err)
	}

	stopUsage()
	if err := <-usageDone; err != nil {
		errs = append(errs, fmt.Errorf("usage recorder: %w", err))
	}

	if err := a.logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close logger: %w", err))
	}
	return errors.Join(errs...)
}

// applyConfig 热加载回调：应用命令行覆盖后交给服务做热更新
func (a *App) applyConfig(cfg *config.Config) {
	if a.opts.Overrides != nil {
		a.opts.Overrides(cfg)
	}
	if err := a.server.HotUpdateConfig(cfg); err != nil {
		a.logger.Error("Configuration change rejected", err, logrus.Fields{"path": a.opts.ConfigPath})
		return
	}
	a.logger.Info("Configuration reloaded", logrus.Fields{"path": a.opts.ConfigPath})
}
