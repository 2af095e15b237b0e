// 包 viewstate：相机视图（中心 + 缩放）的单层保存与恢复
package viewstate

import (
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// ViewState 相机状态；Center 为 orb.Point{lon, lat}
type ViewState struct {
	Center orb.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
}

// 文档注释：单槽视图栈
// 背景：从概览进入选中区域时保存根视图，关闭面板时恢复；再次进入另一区域不得覆盖已保存的根视图。
// 约束：深度不超过 1；只保存数据，不驱动相机。
type Stack struct {
	mu    sync.Mutex
	saved *ViewState
}

// Push 栈为空时保存视图，否则忽略；返回是否保存
func (s *Stack) Push(v ViewState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved != nil {
		return false
	}
	s.saved = &v
	return true
}

// Pop 取出并清空已保存视图
func (s *Stack) Pop() (ViewState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return ViewState{}, false
	}
	v := *s.saved
	s.saved = nil
	return v, true
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return 0
	}
	return 1
}

// Camera 地图相机能力：读取当前视图、请求动画过渡
type Camera interface {
	View() ViewState
	Animate(target ViewState, duration time.Duration)
}

// maxAnimations 内存相机保留的动画请求条数
const maxAnimations = 32

// Animation 一次相机动画请求
type Animation struct {
	Target     ViewState     `json:"target"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// 文档注释：内存相机
// 背景：无头会话中由浏览器端实际绘制地图；这里记录请求的动画供客户端拉取，客户端通过 Sync 回报真实视图。
// 约束：Animate 立即把目标视为当前视图（动画完成后的状态），Sync 以客户端回报为准覆盖。
type Recorder struct {
	mu      sync.Mutex
	current ViewState
	anims   []Animation
	seq     uint64
}

// NewRecorder 以初始视图创建相机
func NewRecorder(initial ViewState) *Recorder {
	return &Recorder{current: initial}
}

func (r *Recorder) View() ViewState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Recorder) Animate(target ViewState, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anims = append(r.anims, Animation{Target: target, Duration: duration, DurationMs: duration.Milliseconds()})
	if len(r.anims) > maxAnimations {
		r.anims = append(r.anims[:0], r.anims[len(r.anims)-maxAnimations:]...)
	}
	r.current = target
	r.seq++
}

// Sync 客户端回报当前视图（用户平移或缩放后）
func (r *Recorder) Sync(v ViewState) {
	r.mu.Lock()
	r.current = v
	r.mu.Unlock()
}

// Animations 返回迄今为止的动画请求副本
func (r *Recorder) Animations() []Animation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Animation, len(r.anims))
	copy(out, r.anims)
	return out
}

// Last 返回最近一次动画请求及其序号；序号为 0 表示尚无请求
func (r *Recorder) Last() (Animation, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.anims) == 0 {
		return Animation{}, 0
	}
	return r.anims[len(r.anims)-1], r.seq
}
