// 包 session：按会话托管选中状态机，空闲超时后回收
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/selection"
	"terra-engine/internal/viewstate"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrTooMany  = errors.New("session: too many active sessions")
)

// Session 一个浏览器会话：状态机与其相机
type Session struct {
	ID      string
	Machine *selection.Machine
	Camera  *viewstate.Recorder
	Created time.Time

	lastSeen atomic.Int64
}

// LastSeen 最近一次访问时间
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// Factory 为新会话构建状态机与相机
type Factory func(id string) (*selection.Machine, *viewstate.Recorder)

// 文档注释：会话管理器
// 背景：每个会话独占一个状态机；空闲超过 idleTTL 的会话被回收，回收时关闭其状态机（取消在途请求）。
// 约束：max <= 0 表示不限制会话数。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	build    Factory
	idleTTL  time.Duration
	max      int
	now      func() time.Time
}

func NewManager(build Factory, idleTTL time.Duration, max int) *Manager {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Manager{sessions: make(map[string]*Session), build: build, idleTTL: idleTTL, max: max, now: time.Now}
}

// 文档注释：新建会话
// 约束：构建状态机不持锁；插入前在锁内再次检查上限，并发创建不会超过 max，超出时关闭刚构建的状态机。
func (m *Manager) Create() (*Session, error) {
	if m.full() {
		return nil, ErrTooMany
	}
	id := uuid.NewString()
	mach, cam := m.build(id)
	s := &Session{ID: id, Machine: mach, Camera: cam, Created: m.now()}
	s.touch(s.Created)
	m.mu.Lock()
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		mach.Shutdown()
		return nil, ErrTooMany
	}
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	logger.L().Info("session_create", "session", id, "active", n)
	return s, nil
}

func (m *Manager) full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max > 0 && len(m.sessions) >= m.max
}

// Get 查找会话并刷新访问时间
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch(m.now())
	return s, nil
}

// Remove 关闭并移除会话
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Machine.Shutdown()
	metrics.SessionsActive.Set(float64(n))
	logger.L().Info("session_remove", "session", id, "active", n)
	return true
}

// Sweep 回收空闲会话，返回回收数量
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idleTTL)
	var idle []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	for _, s := range idle {
		s.Machine.Shutdown()
		logger.L().Info("session_expire", "session", s.ID, "idle_s", int(m.now().Sub(s.LastSeen()).Seconds()))
	}
	metrics.SessionsActive.Set(float64(n))
	return len(idle)
}

// Run 周期性回收，直到 ctx 结束
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				logger.L().Debug("session_sweep", "expired", n)
			}
		}
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown 关闭所有会话
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Machine.Shutdown()
	}
	metrics.SessionsActive.Set(0)
}
