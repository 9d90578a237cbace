package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chat-protocol-gateway/internal/config"
	"chat-protocol-gateway/internal/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	KindRequest = "request"
	KindUsage   = "usage"

	maxBatch = 100
)

// Record 一条用量记录，对应 usage_records 表
type Record struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	CreatedAt        time.Time `gorm:"index"`
	Kind             string    `gorm:"size:16;index"`
	Model            string    `gorm:"size:200;index"`
	Surface          string    `gorm:"size:16"`
	PromptTokens     int       `gorm:"default:0"`
	CompletionTokens int       `gorm:"default:0"`
}

func (Record) TableName() string {
	return "usage_records"
}

// ModelTotals 单个模型的累计用量
type ModelTotals struct {
	Model             string           `json:"model"`
	Requests          int64            `json:"requests"`
	RequestsBySurface map[string]int64 `json:"requests_by_surface"`
	PromptTokens      int64            `json:"prompt_tokens"`
	CompletionTokens  int64            `json:"completion_tokens"`
}

// Snapshot 当前累计用量
type Snapshot struct {
	Models  []ModelTotals `json:"models"`
	Dropped int64         `json:"dropped"`
}

// Recorder 用量统计。记录通过缓冲通道异步写入，调用方不会被阻塞；
// 缓冲区满时丢弃记录。
type Recorder struct {
	records chan Record
	db      *gorm.DB
	logger  *logger.Logger

	mu     sync.RWMutex
	totals map[string]*ModelTotals

	dropped atomic.Int64
}

// NewRecorder 创建用量统计器。db 为 nil 时只维护内存统计；
// 否则迁移 usage_records 表并载入历史累计值。
func NewRecorder(db *gorm.DB, bufferSize int, log *logger.Logger) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = config.Default.Usage.BufferSize
	}
	r := &Recorder{
		records: make(chan Record, bufferSize),
		db:      db,
		logger:  log,
		totals:  make(map[string]*ModelTotals),
	}
	if db != nil {
		if err := db.AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("failed to migrate usage records: %w", err)
		}
		if err := r.loadTotals(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RecordRequest 记录一次请求
func (r *Recorder) RecordRequest(model, surface string) {
	r.enqueue(Record{Kind: KindRequest, Model: model, Surface: surface})
}

// RecordUsage 记录一次交换的 token 用量
func (r *Recorder) RecordUsage(model string, prompt, completion int) {
	r.enqueue(Record{Kind: KindUsage, Model: model, PromptTokens: prompt, CompletionTokens: completion})
}

func (r *Recorder) enqueue(rec Record) {
	rec.CreatedAt = time.Now().UTC()
	select {
	case r.records <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Debug("Usage buffer full, record dropped", logrus.Fields{"model": rec.Model, "kind": rec.Kind})
	}
}

// Run 后台写入循环。ctx 结束后写完缓冲区中剩余的记录再返回。
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.records:
			r.write(r.collect(rec))
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.records:
					r.write(r.collect(rec))
				default:
					return nil
				}
			}
		}
	}
}

// collect 以 first 为首，非阻塞地取出更多记录组成一批
func (r *Recorder) collect(first Record) []Record {
	batch := []Record{first}
	for len(batch) < maxBatch {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) write(batch []Record) {
	r.mu.Lock()
	for _, rec := range batch {
		r.apply(rec.Kind, rec.Model, rec.Surface, 1, int64(rec.PromptTokens), int64(rec.CompletionTokens))
	}
	r.mu.Unlock()

	if r.db == nil {
		return
	}
	if err := r.db.Create(&batch).Error; err != nil {
		r.logger.Error("Failed to persist usage records", err, logrus.Fields{"count": len(batch)})
	}
}

// apply 调用方需持有写锁
func (r *Recorder) apply(kind, model, surface string, count, prompt, completion int64) {
	t, ok := r.totals[model]
	if !ok {
		t = &ModelTotals{Model: model, RequestsBySurface: map[string]int64{}}
		r.totals[model] = t
	}
	switch kind {
	case KindRequest:
		t.Requests += count
		if surface != "" {
			t.RequestsBySurface[surface] += count
		}
	case KindUsage:
		t.PromptTokens += prompt
		t.CompletionTokens += completion
	}
}

func (r *Recorder) loadTotals() error {
	var rows []struct {
		Kind             string
		Model            string
		Surface          string
		Count            int64
		PromptTokens     int64
		CompletionTokens int64
	}
	err := r.db.Model(&Record{}).
		Select("kind, model, surface, count(*) AS count, sum(prompt_tokens) AS prompt_tokens, sum(completion_tokens) AS completion_tokens").
		Group("kind, model, surface").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load usage totals: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.apply(row.Kind, row.Model, row.Surface, row.Count, row.PromptTokens, row.CompletionTokens)
	}
	return nil
}

// Snapshot 返回按模型名排序的累计用量副本
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	models := make([]ModelTotals, 0, len(r.totals))
	for _, t := range r.totals {
		c := *t
		c.RequestsBySurface = make(map[string]int64, len(t.RequestsBySurface))
		for k, v := range t.RequestsBySurface {
			c.RequestsBySurface[k] = v
		}
		models = append(models, c)
	}
	r.mu.RUnlock()

	sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })
	return Snapshot{Models: models, Dropped: r.dropped.Load()}
}
