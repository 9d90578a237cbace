package modelrewrite

import (
	"path"
	"sync"

	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/logger"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rewriter 模型重写器，规则可在运行时热更新
type Rewriter struct {
	mu      sync.RWMutex
	enabled bool
	rules   []config.ModelRewriteRule
	logger  *logger.Logger
}

// NewRewriter 创建新的模型重写器
func NewRewriter(cfg config.ModelRewriteConfig, log *logger.Logger) *Rewriter {
	r := &Rewriter{logger: log}
	r.Update(cfg)
	return r
}

// Update 替换当前规则
func (r *Rewriter) Update(cfg config.ModelRewriteConfig) {
	rules := append([]config.ModelRewriteRule(nil), cfg.Rules...)
	r.mu.Lock()
	r.enabled = cfg.Enabled
	r.rules = rules
	r.mu.Unlock()
}

// Rewrite 返回 model 应发往上游的名称。第一条匹配的规则生效；
// 未启用或无匹配时原样返回，applied 为 false。
func (r *Rewriter) Rewrite(model string) (target string, applied bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled || model == "" {
		return model, false
	}
	target, pattern, ok := MatchRule(model, r.rules)
	if !ok || target == model {
		return model, false
	}
	r.logger.Debug("Model rewrite rule matched", logrus.Fields{
		"original": model,
		"pattern":  pattern,
		"target":   target,
	})
	return target, true
}

// MatchRule 按顺序查找第一条匹配 model 的规则
func MatchRule(model string, rules []config.ModelRewriteRule) (target, pattern string, matched bool) {
	for _, rule := range rules {
		if ok, err := path.Match(rule.SourcePattern, model); err == nil && ok {
			return rule.TargetModel, rule.SourcePattern, true
		}
	}
	return model, "", false
}

// RestoreModel 把响应 JSON 中的重写后模型名改回客户端请求的模型名。
// 同时处理顶层 model 与 message.model（Anthropic message_start）。
// 非 JSON 或不含重写后模型名的内容原样返回。
func RestoreModel(body []byte, originalModel, rewrittenModel string) []byte {
	if originalModel == "" || rewrittenModel == "" || originalModel == rewrittenModel {
		return body
	}
	if !gjson.ValidBytes(body) {
		return body
	}
	out := body
	for _, p := range []string{"model", "message.model"} {
		if gjson.GetBytes(out, p).String() != rewrittenModel {
			continue
		}
		updated, err := sjson.SetBytes(out, p, originalModel)
		if err != nil {
			return body
		}
		out = updated
	}
	return out
}
