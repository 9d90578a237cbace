package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chat-protocol-gateway/internal/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRejected 操作员拒绝了请求
	ErrRejected = errors.New("request rejected by operator")
	// ErrNotFound 待审批请求不存在或已处理
	ErrNotFound = errors.New("pending request not found")
)

// Pending 一个等待人工审批的请求
type Pending struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Surface   string    `json:"surface"`
	Model     string    `json:"model"`
	Stream    bool      `json:"stream"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	info     Pending
	decision chan bool
}

// Gate 人工审批闸门。启用时每个请求在调用上游前挂起，
// 直到被管理接口或终端提示批准、拒绝，或请求 context 结束。
type Gate struct {
	enabled atomic.Bool

	mu      sync.Mutex
	pending map[string]*entry

	requests chan Pending
	logger   *logger.Logger
}

// NewGate 创建审批闸门
func NewGate(enabled bool, log *logger.Logger) *Gate {
	g := &Gate{
		pending:  make(map[string]*entry),
		requests: make(chan Pending, 64),
		logger:   log,
	}
	g.enabled.Store(enabled)
	return g
}

// SetEnabled 热更新开关。关闭时不会自动放行已挂起的请求。
func (g *Gate) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

func (g *Gate) Enabled() bool { return g.enabled.Load() }

// Await 挂起直到请求被处理。未启用时立即返回 nil。
func (g *Gate) Await(ctx context.Context, p Pending) error {
	if !g.Enabled() {
		return nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	e := &entry{info: p, decision: make(chan bool, 1)}
	g.mu.Lock()
	g.pending[p.ID] = e
	g.mu.Unlock()
	defer g.remove(p.ID)

	select {
	case g.requests <- p:
	default:
		// 终端提示积压时仍可通过管理接口处理
	}

	g.logger.Info("Request awaiting manual approval", logrus.Fields{
		"approval_id": p.ID,
		"request_id":  p.RequestID,
		"model":       p.Model,
		"surface":     p.Surface,
	})

	select {
	case approved := <-e.decision:
		if !approved {
			return ErrRejected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List 返回当前挂起的请求，按创建时间排序
func (g *Gate) List() []Pending {
	g.mu.Lock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.info)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get 返回指定的挂起请求
func (g *Gate) Get(id string) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[id]
	if !ok {
		return Pending{}, false
	}
	return e.info, true
}

// Resolve 批准或拒绝一个挂起的请求
func (g *Gate) Resolve(id string, approve bool) error {
	g.mu.Lock()
	e, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	e.decision <- approve

	g.logger.Info("Manual approval resolved", logrus.Fields{
		"approval_id": id,
		"approved":    approve,
	})
	return nil
}

// Requests 新挂起请求的通知通道，供终端提示消费
func (g *Gate) Requests() <-chan Pending { return g.requests }

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
