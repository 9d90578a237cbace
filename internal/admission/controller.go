package admission

import (
	"context"
	"fmt"
	"sync"

	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Request 准入检查可见的请求属性
type Request struct {
	Model   string
	Surface string
	Stream  bool
}

// RejectedError 请求被限流或策略拒绝
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Reason
}

// Controller 在任何翻译和上游调用之前执行准入检查：先限流，再执行可选的策略脚本
type Controller struct {
	mu      sync.RWMutex
	limiter *rate.Limiter // nil 表示不限流
	wait    bool

	policy *Policy
	logger *logger.Logger
}

// NewController 创建准入控制器，配置了 policy_file 时加载策略脚本
func NewController(rl config.RateLimitConfig, ac config.AdmissionConfig, log *logger.Logger) (*Controller, error) {
	c := &Controller{logger: log}
	c.UpdateRateLimit(rl)

	if ac.PolicyFile != "" {
		policy, err := LoadPolicy(ac.PolicyFile, func(msg string) {
			log.Debug("admission policy output", logrus.Fields{"message": msg})
		})
		if err != nil {
			return nil, err
		}
		c.policy = policy
	}
	return c, nil
}

// UpdateRateLimit 热更新限流配置
func (c *Controller) UpdateRateLimit(rl config.RateLimitConfig) {
	var limiter *rate.Limiter
	if interval := rl.RateLimitInterval(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	c.mu.Lock()
	c.limiter = limiter
	c.wait = rl.Wait
	c.mu.Unlock()
}

// Admit 阻塞直到请求被放行。被拒绝时返回 *RejectedError；
// 等待期间 ctx 结束时返回 ctx 的错误。
func (c *Controller) Admit(ctx context.Context, req Request) error {
	c.mu.RLock()
	limiter, wait := c.limiter, c.wait
	c.mu.RUnlock()

	if limiter != nil {
		if wait {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &RejectedError{Reason: "rate limit exceeded"}
			}
		} else if !limiter.Allow() {
			c.logger.Debug("Request rejected by rate limit", logrus.Fields{"model": req.Model, "surface": req.Surface})
			return &RejectedError{Reason: "rate limit exceeded"}
		}
	}

	if c.policy != nil {
		reason, err := c.policy.Evaluate(ctx, req)
		if err != nil {
			return fmt.Errorf("admission policy: %w", err)
		}
		if reason != "" {
			c.logger.Info("Request rejected by admission policy", logrus.Fields{
				"model":   req.Model,
				"surface": req.Surface,
				"reason":  reason,
			})
			return &RejectedError{Reason: reason}
		}
	}
	return nil
}
