// 包 selection：选中状态机，统一地图与面板共享的"当前选中"状态
package selection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"terra-engine/internal/coord"
	"terra-engine/internal/enrichment"
	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/regions"
	"terra-engine/internal/viewstate"
)

var (
	ErrUnknownRegion = errors.New("selection: region not in current listing")
	ErrClosed        = errors.New("selection: machine shut down")
)

const (
	SelectZoom      = 5
	AnimateDuration = time.Second
)

// State 状态机状态
type State string

const (
	Idle     State = "idle"
	Listing  State = "listing"
	Selected State = "selected"
)

// LoadStatus 列表与坐标分析的加载状态
type LoadStatus string

const (
	LoadNone    LoadStatus = ""
	LoadPending LoadStatus = "loading"
	LoadReady   LoadStatus = "ready"
	LoadFailed  LoadStatus = "failed"
)

// Service 区域查询接口；由 regions.Client / regions.Cached 实现
type Service interface {
	ListRegions(ctx context.Context) ([]regions.Region, error)
	MatchCrop(ctx context.Context, crop string, topN int) (*regions.CropMatchResult, error)
	AnalyzeLocation(ctx context.Context, lat, lon float64, crop string) (*regions.LocationAnalysis, error)
}

// Options 状态机参数；零值字段使用默认值
type Options struct {
	TopN            int
	SelectZoom      float64
	AnimateDuration time.Duration
	// OnResearched 新地点首次加入用户分析集合时调用（锁外）
	OnResearched func(ResearchedRegion)
}

// ListView 列表视图：作物排名结果或区域目录
type ListView struct {
	Status     LoadStatus               `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Result     *regions.CropMatchResult `json:"result,omitempty"`
	Catalog    []regions.Region         `json:"catalog,omitempty"`
	Researched []ResearchedRegion       `json:"researched,omitempty"`
}

// Selection 当前选中实体；KeyFactors 为列表预览（前三条理由），Reasons 为带色调的完整理由
type Selection struct {
	Region         *regions.Region      `json:"region"`
	Match          *regions.RankedMatch `json:"match,omitempty"`
	Band           string               `json:"band,omitempty"`
	KeyFactors     []string             `json:"key_factors,omitempty"`
	Reasons        []regions.Reason     `json:"reasons,omitempty"`
	UserResearched bool                 `json:"user_researched"`
	Advisories     []regions.Advisory   `json:"advisories"`
}

// ClickView 地图空白处点击后的坐标分析状态
type ClickView struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Status    LoadStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Snapshot 渲染层使用的只读状态
type Snapshot struct {
	Version    uint64            `json:"version"`
	State      State             `json:"state"`
	Crop       string            `json:"crop,omitempty"`
	List       ListView          `json:"list"`
	Selected   *Selection        `json:"selected,omitempty"`
	Click      *ClickView        `json:"click,omitempty"`
	Enrichment enrichment.Bundle `json:"enrichment"`
	ViewDepth  int               `json:"view_depth"`
}

// 文档注释：选中状态机
// 背景：Idle → Listing（作物排名或目录）→ Selected → 关闭回到 Listing/Idle；地图只发出"标记激活"与"空白处激活"两类事件。
// 约束：所有状态写入都在 mu 内完成；每个远端请求在独立 goroutine 中执行，应用结果前比对查询代号与选中代号，过期即丢弃。
// 锁顺序：mu → enrichment 内部锁；变更通知不持有 mu。
type Machine struct {
	svc  Service
	cam  viewstate.Camera
	opts Options
	enr  *enrichment.Coordinator

	mu        sync.Mutex
	state     State
	crop      string
	list      ListView
	selected  *Selection
	click     *ClickView
	queryGen  uint64
	selGen    uint64
	stack     viewstate.Stack
	listStop  func()
	closed    bool
	baseCtx   context.Context
	cancelAll context.CancelFunc

	researched *ResearchedSet

	version  atomic.Uint64
	wmu      sync.Mutex
	watchers map[int]chan struct{}
	nextW    int
	wclosed  bool

	wg sync.WaitGroup
}

// New 创建状态机；cam 为地图相机能力，fetch 为增强分析后端
func New(svc Service, fetch enrichment.Fetcher, cam viewstate.Camera, opts Options) *Machine {
	if opts.TopN <= 0 {
		opts.TopN = regions.DefaultTopN
	}
	if opts.SelectZoom <= 0 {
		opts.SelectZoom = SelectZoom
	}
	if opts.AnimateDuration <= 0 {
		opts.AnimateDuration = AnimateDuration
	}
	m := &Machine{
		svc:        svc,
		cam:        cam,
		opts:       opts,
		state:      Idle,
		researched: NewResearchedSet(),
		watchers:   make(map[int]chan struct{}),
	}
	m.baseCtx, m.cancelAll = context.WithCancel(context.Background())
	m.enr = enrichment.New(fetch, m.changed)
	return m
}

// Researched 会话内用户分析地点集合
func (m *Machine) Researched() *ResearchedSet { return m.researched }

// Camera 返回注入的相机
func (m *Machine) Camera() viewstate.Camera { return m.cam }

// 文档注释：发起查询
// 背景：空作物进入探索模式（区域目录），否则按作物排名；两者都会丢弃当前选中与增强结果，相机回到保存的根视图。
// 约束：被后续查询取代的响应直接丢弃；加载失败记录为列表错误，状态机保持可用。
func (m *Machine) Query(ctx context.Context, crop string) error {
	crop = strings.TrimSpace(crop)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.clearSelectionLocked()
	m.click = nil
	m.queryGen++
	gen := m.queryGen
	if m.listStop != nil {
		m.listStop()
	}
	m.crop = crop
	m.state = Listing
	m.list = ListView{Status: LoadPending}
	fctx, stop := m.fetchCtx(ctx)
	m.listStop = stop
	m.wg.Add(1)
	m.mu.Unlock()
	metrics.SelectionsTotal.WithLabelValues("query").Inc()
	logger.L().Debug("selection_query", "crop", crop, "gen", gen)
	m.changed()

	go func() {
		defer m.wg.Done()
		defer stop()
		var (
			res     *regions.CropMatchResult
			catalog []regions.Region
			err     error
		)
		if crop == "" {
			catalog, err = m.svc.ListRegions(fctx)
		} else {
			res, err = m.svc.MatchCrop(fctx, crop, m.opts.TopN)
		}
		m.mu.Lock()
		if m.closed || gen != m.queryGen {
			m.mu.Unlock()
			metrics.StaleResultsTotal.WithLabelValues("list").Inc()
			logger.L().Debug("selection_stale_list", "crop", crop, "gen", gen)
			return
		}
		m.listStop = nil
		if err != nil {
			m.list = ListView{Status: LoadFailed, Error: err.Error()}
			m.mu.Unlock()
			if regions.IsNotFound(err) {
				logger.L().Info("selection_crop_unknown", "crop", crop, "err", err)
			} else {
				logger.L().Warn("selection_list_error", "crop", crop, "err", err)
			}
			m.changed()
			return
		}
		m.list = ListView{Status: LoadReady, Result: res, Catalog: catalog}
		// 作物上下文以后端返回的规范名称为准
		if res != nil && strings.TrimSpace(res.Crop) != "" {
			m.crop = res.Crop
		}
		if m.crop != "" {
			m.list.Researched = m.researched.ForCrop(m.crop)
		}
		m.mu.Unlock()
		m.changed()
	}()
	return nil
}

// MarkerActivated 地图标记被点击
func (m *Machine) MarkerActivated(name string) error { return m.Select(name) }

// 文档注释：按名称选中当前列表中的实体
// 查找顺序：作物排名结果 → 区域目录 → 用户分析地点。
func (m *Machine) Select(name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var (
		reg        *regions.Region
		match      *regions.RankedMatch
		researched bool
	)
	if rm, ok := m.list.Result.Find(name); ok {
		reg, match = rm.Region, &rm
	} else if r := findCatalog(m.list.Catalog, name); r != nil {
		reg = r
	} else if rr, ok := m.researched.Find(name); ok {
		reg, match, researched = rr.Region, rr.Match(), true
		if Key(rr.Crop) != Key(m.crop) {
			match = nil
		}
	}
	if reg == nil {
		m.mu.Unlock()
		return ErrUnknownRegion
	}
	m.selectLocked(context.Background(), reg, match, researched, nil)
	m.mu.Unlock()
	m.changed()
	return nil
}

func findCatalog(cat []regions.Region, name string) *regions.Region {
	for i := range cat {
		if cat[i].Name == name {
			return &cat[i]
		}
	}
	return nil
}

// 文档注释：进入 Selected
// 约束：仅在视图栈为空时保存当前相机；可定位时动画到区域中心；新建空的增强结果集，作物上下文与评分都存在时才发起增强分析。
func (m *Machine) selectLocked(ctx context.Context, reg *regions.Region, match *regions.RankedMatch, researched bool, seed *enrichment.Seed) {
	m.selGen++
	m.click = nil
	if m.stack.Push(m.cam.View()) {
		logger.L().Debug("selection_view_saved")
	}
	if p, ok := coord.Point(reg.Latitude, reg.Longitude); ok {
		m.cam.Animate(viewstate.ViewState{Center: p, Zoom: m.opts.SelectZoom}, m.opts.AnimateDuration)
	} else {
		logger.L().Debug("selection_unplaceable", "region", reg.Name)
	}
	sel := &Selection{Region: reg, Match: match, UserResearched: researched, Advisories: regions.Advisories(reg, match)}
	if match != nil {
		sel.Band = regions.Band(match.Score)
		sel.KeyFactors = match.KeyFactors()
		sel.Reasons = match.Toned()
	}
	m.selected = sel
	m.state = Selected
	if m.crop != "" && match != nil {
		m.enr.Begin(ctx, enrichment.Key{Region: reg.Name, Crop: m.crop, Score: match.Score}, seed)
	} else {
		m.enr.Reset()
	}
	kind := "catalog"
	switch {
	case researched:
		kind = "researched"
	case match != nil:
		kind = "ranked"
	}
	metrics.SelectionsTotal.WithLabelValues(kind).Inc()
	logger.L().Info("selection_enter", "region", reg.Name, "kind", kind, "crop", m.crop)
}

// 文档注释：关闭面板
// 约束：弹出保存的视图并动画回去；丢弃增强结果；作物上下文存在时回到 Listing，否则回到 Idle。未选中时为空操作。
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Selected && m.click == nil {
		m.mu.Unlock()
		return nil
	}
	m.clearSelectionLocked()
	m.click = nil
	if m.crop != "" {
		m.state = Listing
	} else {
		m.state = Idle
	}
	m.mu.Unlock()
	metrics.SelectionsTotal.WithLabelValues("close").Inc()
	m.changed()
	return nil
}

// clearSelectionLocked 离开 Selected：恢复相机、丢弃增强结果；调用方持锁
func (m *Machine) clearSelectionLocked() {
	m.selGen++
	if v, ok := m.stack.Pop(); ok {
		m.cam.Animate(v, m.opts.AnimateDuration)
	}
	if m.selected != nil {
		logger.L().Debug("selection_leave", "region", m.selected.Region.Name)
	}
	m.selected = nil
	m.enr.Reset()
}

// 文档注释：地图空白处被点击
// 背景：无作物上下文时不产生任何请求；有作物时分析该坐标，成功后该地点成为选中实体并首次加入用户分析集合。
// 返回：是否发起了分析请求。
func (m *Machine) EmptyAreaActivated(ctx context.Context, lat, lon float64) bool {
	m.mu.Lock()
	if m.closed || m.crop == "" {
		m.mu.Unlock()
		return false
	}
	crop := m.crop
	qgen := m.queryGen
	m.selGen++
	sgen := m.selGen
	m.click = &ClickView{Latitude: lat, Longitude: lon, Status: LoadPending}
	fctx, stop := m.fetchCtx(ctx)
	m.wg.Add(1)
	m.mu.Unlock()
	logger.L().Debug("selection_click", "lat", lat, "lon", lon, "crop", crop)
	m.changed()

	go func() {
		defer m.wg.Done()
		defer stop()
		a, err := m.svc.AnalyzeLocation(fctx, lat, lon, crop)
		m.mu.Lock()
		if m.closed || qgen != m.queryGen || sgen != m.selGen {
			m.mu.Unlock()
			metrics.StaleResultsTotal.WithLabelValues("location").Inc()
			logger.L().Debug("selection_stale_location", "lat", lat, "lon", lon)
			return
		}
		if err != nil {
			m.click.Status = LoadFailed
			m.click.Error = err.Error()
			m.mu.Unlock()
			logger.L().Warn("selection_location_error", "lat", lat, "lon", lon, "err", err)
			m.changed()
			return
		}
		res := a.AsMatchResult(crop)
		rm := res.Matches[0]
		rm.Region.Name = DerivedName(rm.Region.Name, lat, lon)
		rr := ResearchedRegion{Region: rm.Region, Crop: crop, Score: rm.Score, Reasons: rm.Reasons}
		added := m.researched.Add(rr)
		if added {
			m.list.Researched = m.researched.ForCrop(crop)
		}
		var seed *enrichment.Seed
		if a.Insight != nil || a.Cost != nil {
			seed = &enrichment.Seed{Insight: a.Insight, Cost: a.Cost}
			if seed.Insight != nil && seed.Insight.RecommendationLevel == "" {
				ins := *seed.Insight
				ins.RecommendationLevel = regions.RecommendationLevel(rm.Score)
				seed.Insight = &ins
			}
		}
		m.selectLocked(fctx, rm.Region, &rm, true, seed)
		m.mu.Unlock()
		if added && m.opts.OnResearched != nil {
			m.opts.OnResearched(rr)
		}
		m.changed()
	}()
	return true
}

// fetchCtx 保留调用方上下文的值，取消跟随状态机生命周期；调用方持锁
func (m *Machine) fetchCtx(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(m.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Ask 对当前选中提交追问
func (m *Machine) Ask(ctx context.Context, question string) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.enr.Ask(ctx, question)
}

// Snapshot 返回当前只读状态
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Version:    m.version.Load(),
		State:      m.state,
		Crop:       m.crop,
		List:       m.list,
		Enrichment: m.enr.Snapshot(),
		ViewDepth:  m.stack.Len(),
	}
	if m.selected != nil {
		sel := *m.selected
		s.Selected = &sel
	}
	if m.click != nil {
		c := *m.click
		s.Click = &c
	}
	return s
}

// 文档注释：订阅状态变化
// 背景：合并通知，缓冲为 1；接收方收到信号后调用 Snapshot 获取最新状态。状态机关闭后通道被关闭。
// 返回：通知通道与取消订阅函数。
func (m *Machine) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.wclosed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextW
	m.nextW++
	m.watchers[id] = ch
	return ch, func() {
		m.wmu.Lock()
		defer m.wmu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
}

// Version 当前状态版本号，每次变化递增
func (m *Machine) Version() uint64 { return m.version.Load() }

func (m *Machine) changed() {
	m.version.Add(1)
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait 阻塞至所有在途请求（列表、坐标分析、增强分析）返回
func (m *Machine) Wait() {
	m.wg.Wait()
	m.enr.Wait()
}

// 文档注释：关闭状态机
// 背景：取消在途请求并等待返回，释放所有订阅；可重复调用。
func (m *Machine) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelAll()
	m.mu.Unlock()
	m.wg.Wait()
	m.enr.Close()
	m.wmu.Lock()
	m.wclosed = true
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.wmu.Unlock()
	logger.L().Debug("selection_shutdown")
}
