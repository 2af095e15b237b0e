// 包 enrichment：选中区域的三类增强分析（AI 分析、成本、问答）调度与过期结果丢弃
package enrichment

import (
	"context"
	"errors"
	"strings"
	"sync"

	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/regions"
)

var (
	ErrNoSelection     = errors.New("enrichment: no active selection")
	ErrInsightNotReady = errors.New("enrichment: insight not ready")
	ErrQuestionPending = errors.New("enrichment: a question is already in flight")
	ErrEmptyQuestion   = errors.New("enrichment: empty question")
)

// Status 槽位状态
type Status string

const (
	StatusEmpty   Status = "empty"
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Fetcher 远端分析接口；由 regions.Client 实现
type Fetcher interface {
	AnalyzeRegion(ctx context.Context, req regions.AnalysisRequest) (*regions.Insight, error)
	AnalyzeCosts(ctx context.Context, req regions.AnalysisRequest) (*regions.CostBreakdown, error)
	AskQuestion(ctx context.Context, req regions.QuestionRequest) (string, error)
}

// Key 增强分析的请求键（区域名、作物、评分）
type Key struct {
	Region string  `json:"region_name"`
	Crop   string  `json:"crop_name"`
	Score  float64 `json:"score"`
}

func (k Key) request() regions.AnalysisRequest {
	return regions.AnalysisRequest{RegionName: k.Region, CropName: k.Crop, Score: k.Score}
}

type InsightSlot struct {
	Status Status           `json:"status"`
	Value  *regions.Insight `json:"value,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type CostSlot struct {
	Status Status                 `json:"status"`
	Value  *regions.CostBreakdown `json:"value,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Turn 问答中的一轮；失败的提问保留在自身条目上，不影响此前的成功轮次
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// 文档注释：单次选中的增强结果集合
// 约束：选中变化或面板关闭时整体丢弃，不跨选中保留。
type Bundle struct {
	Key          *Key        `json:"key,omitempty"`
	Generation   uint64      `json:"generation"`
	Insight      InsightSlot `json:"insight"`
	Cost         CostSlot    `json:"cost"`
	Conversation []Turn      `json:"conversation"`
}

// Seed 已随坐标分析返回的结果，直接作为就绪值
type Seed struct {
	Insight *regions.Insight
	Cost    *regions.CostBreakdown
}

// 文档注释：增强分析协调器
// 背景：每次请求在独立 goroutine 中执行，互不阻塞；结果在互斥锁内按代号比对后再写入。
// 约束：代号在 Begin/Reset 时递增；请求发出时的代号与应用时不一致即丢弃结果。取消上下文只为尽早释放连接，正确性由代号保证。
type Coordinator struct {
	f        Fetcher
	onChange func()

	mu        sync.Mutex
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	b         Bundle
	asking    bool
	closed    bool

	wg sync.WaitGroup
}

// New 创建协调器；onChange 在每次状态变化后（锁外）调用，可为空
func New(f Fetcher, onChange func()) *Coordinator {
	c := &Coordinator{f: f, onChange: onChange}
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.b = emptyBundle(0)
	return c
}

func emptyBundle(gen uint64) Bundle {
	return Bundle{
		Generation:   gen,
		Insight:      InsightSlot{Status: StatusEmpty},
		Cost:         CostSlot{Status: StatusEmpty},
		Conversation: []Turn{},
	}
}

// advance 递增代号并取消上一代的在途请求；调用方持锁
func (c *Coordinator) advance() uint64 {
	c.genCancel()
	c.gen++
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.b = emptyBundle(c.gen)
	c.asking = false
	return c.gen
}

// fetchCtx 派生请求上下文：保留调用方的值（追踪），取消跟随当前代
func (c *Coordinator) fetchCtx(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(c.genCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// 文档注释：为新的选中开始增强分析
// 背景：AI 分析与成本分析同时发起，成本不等待 AI；seed 中已有的结果直接就绪，不再请求。
// 返回：本次选中的代号。
func (c *Coordinator) Begin(ctx context.Context, key Key, seed *Seed) uint64 {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	gen := c.advance()
	k := key
	c.b.Key = &k
	if seed != nil && seed.Insight != nil {
		c.b.Insight = InsightSlot{Status: StatusReady, Value: seed.Insight}
	} else {
		c.b.Insight = InsightSlot{Status: StatusPending}
		c.spawn(ctx, func(fctx context.Context) { c.fetchInsight(fctx, gen, key) })
	}
	if seed != nil && seed.Cost != nil {
		c.b.Cost = CostSlot{Status: StatusReady, Value: seed.Cost}
	} else {
		c.b.Cost = CostSlot{Status: StatusPending}
		c.spawn(ctx, func(fctx context.Context) { c.fetchCost(fctx, gen, key) })
	}
	c.mu.Unlock()
	logger.L().Debug("enrich_begin", "region", key.Region, "crop", key.Crop, "score", key.Score, "gen", gen)
	c.notify()
	return gen
}

// spawn 启动一次在途请求；调用方持锁
func (c *Coordinator) spawn(parent context.Context, run func(context.Context)) {
	ctx, done := c.fetchCtx(parent)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer done()
		run(ctx)
	}()
}

func (c *Coordinator) fetchInsight(ctx context.Context, gen uint64, key Key) {
	ins, err := c.f.AnalyzeRegion(ctx, key.request())
	if !c.apply(gen, "insight", func() {
		if err != nil {
			c.b.Insight = InsightSlot{Status: StatusFailed, Error: err.Error()}
			return
		}
		c.b.Insight = InsightSlot{Status: StatusReady, Value: ins}
	}) {
		return
	}
	if err != nil {
		logger.L().Warn("enrich_fail", "slot", "insight", "region", key.Region, "err", err)
	}
}

func (c *Coordinator) fetchCost(ctx context.Context, gen uint64, key Key) {
	cost, err := c.f.AnalyzeCosts(ctx, key.request())
	if !c.apply(gen, "cost", func() {
		if err != nil {
			c.b.Cost = CostSlot{Status: StatusFailed, Error: err.Error()}
			return
		}
		c.b.Cost = CostSlot{Status: StatusReady, Value: cost}
	}) {
		return
	}
	if err != nil {
		logger.L().Warn("enrich_fail", "slot", "cost", "region", key.Region, "err", err)
	}
}

// apply 在锁内比对代号后写入结果；过期返回 false
func (c *Coordinator) apply(gen uint64, slot string, set func()) bool {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		cur := c.gen
		c.mu.Unlock()
		metrics.StaleResultsTotal.WithLabelValues(slot).Inc()
		logger.L().Debug("enrich_stale_drop", "slot", slot, "gen", gen, "current", cur)
		return false
	}
	set()
	c.mu.Unlock()
	c.notify()
	return true
}

// 文档注释：提交追问
// 约束：仅当 AI 分析已就绪时可用；同一时间只允许一个在途提问；历史只包含此前成功的轮次。
// 异常：ErrNoSelection / ErrInsightNotReady / ErrQuestionPending / ErrEmptyQuestion。
func (c *Coordinator) Ask(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyQuestion
	}
	c.mu.Lock()
	switch {
	case c.closed || c.b.Key == nil:
		c.mu.Unlock()
		return ErrNoSelection
	case c.b.Insight.Status != StatusReady:
		c.mu.Unlock()
		return ErrInsightNotReady
	case c.asking:
		c.mu.Unlock()
		return ErrQuestionPending
	}
	key := *c.b.Key
	history := make([]regions.Turn, 0, len(c.b.Conversation))
	for _, t := range c.b.Conversation {
		if t.Status == StatusReady {
			history = append(history, regions.Turn{Question: t.Question, Answer: t.Answer})
		}
	}
	idx := len(c.b.Conversation)
	c.b.Conversation = append(c.b.Conversation, Turn{Question: question, Status: StatusPending})
	c.asking = true
	gen := c.gen
	req := regions.QuestionRequest{
		Question:            question,
		CropName:            key.Crop,
		RegionName:          key.Region,
		Score:               key.Score,
		ConversationHistory: history,
	}
	c.spawn(ctx, func(fctx context.Context) {
		ans, err := c.f.AskQuestion(fctx, req)
		c.apply(gen, "question", func() {
			c.asking = false
			if err != nil {
				c.b.Conversation[idx].Status = StatusFailed
				c.b.Conversation[idx].Error = err.Error()
				return
			}
			c.b.Conversation[idx].Status = StatusReady
			c.b.Conversation[idx].Answer = ans
		})
		if err != nil {
			logger.L().Warn("enrich_fail", "slot", "question", "region", key.Region, "err", err)
		}
	})
	c.mu.Unlock()
	c.notify()
	return nil
}

// Reset 丢弃当前结果集并使所有在途请求过期
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.advance()
	c.mu.Unlock()
	c.notify()
}

// Close 终止协调器：取消在途请求并等待其返回；可重复调用
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.genCancel()
		c.gen++
		c.b = emptyBundle(c.gen)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait 阻塞至当前所有在途请求返回
func (c *Coordinator) Wait() { c.wg.Wait() }

// Snapshot 返回结果集副本；Insight/Cost 值在写入后不再修改，可共享引用
func (c *Coordinator) Snapshot() Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.b
	if c.b.Key != nil {
		k := *c.b.Key
		b.Key = &k
	}
	b.Conversation = append([]Turn(nil), c.b.Conversation...)
	if b.Conversation == nil {
		b.Conversation = []Turn{}
	}
	return b
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
