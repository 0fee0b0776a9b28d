// Package sessions 维护进程内活跃的对话会话。
// 会话的生命周期由 Agent 运行时负责，这里只记录会话归属，供路由查找投递位置、供恢复过滤仍然存活的会话。
package sessions

import (
	"sort"
	"sync"
	"time"
)

// Session 一个活跃的对话会话
type Session struct {
	ID        string
	AgentID   string
	ChannelID string
	ThreadTS  string
	StartedAt time.Time
}

// Pool 会话池，并发安全
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewPool 创建会话池
func NewPool() *Pool {
	return &Pool{sessions: make(map[string]Session)}
}

// Register 注册或覆盖会话
func (p *Pool) Register(s Session) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	p.mu.Lock()
	p.sessions[s.ID] = s
	p.mu.Unlock()
}

// Get 查找会话
func (p *Pool) Get(id string) (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// IsActive 会话是否仍在本进程中
func (p *Pool) IsActive(id string) bool {
	_, ok := p.Get(id)
	return ok
}

// Remove 移除会话，返回是否存在
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	delete(p.sessions, id)
	return ok
}

// ActiveIDs 返回全部活跃会话 ID（已排序）
func (p *Pool) ActiveIDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len 活跃会话数
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
