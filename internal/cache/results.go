package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// 📮 结果交接槽位
// =============================================================================
// 同步 HTTP 层发布全局事件后轮询这些短 TTL 键，写一次读一次。
// =============================================================================

// PulseResultKey 返回 {prefix}:agent:{agentId}:pulse:result
func PulseResultKey(prefix, agentID string) string {
	return fmt.Sprintf("%s:agent:%s:pulse:result", prefix, agentID)
}

// WorkspaceResultKey 返回 {prefix}:workspace:{agentId}:{taskId}
func WorkspaceResultKey(prefix, agentID, taskID string) string {
	return fmt.Sprintf("%s:workspace:%s:%s", prefix, agentID, taskID)
}

// PulseResult 一次 pulse 的结果
type PulseResult struct {
	AgentID     string          `json:"agentId"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// WorkspaceResult worktree 创建结果
type WorkspaceResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ResultSlots 读写结果槽位
type ResultSlots struct {
	manager      *Manager
	prefix       string
	pulseTTL     time.Duration
	workspaceTTL time.Duration
}

// NewResultSlots 创建结果槽位读写器
func NewResultSlots(manager *Manager, prefix string, pulseTTL, workspaceTTL time.Duration) *ResultSlots {
	return &ResultSlots{
		manager:      manager,
		prefix:       prefix,
		pulseTTL:     pulseTTL,
		workspaceTTL: workspaceTTL,
	}
}

// PutPulseResult 写入 pulse 结果
func (s *ResultSlots) PutPulseResult(ctx context.Context, result PulseResult) error {
	return s.manager.SetJSON(ctx, PulseResultKey(s.prefix, result.AgentID), result, s.pulseTTL)
}

// TakePulseResult 读取并删除 pulse 结果，不存在时返回 ErrCacheMiss
func (s *ResultSlots) TakePulseResult(ctx context.Context, agentID string) (PulseResult, error) {
	var result PulseResult
	err := s.manager.TakeJSON(ctx, PulseResultKey(s.prefix, agentID), &result)
	return result, err
}

// PutWorkspaceResult 写入 worktree 结果
func (s *ResultSlots) PutWorkspaceResult(ctx context.Context, agentID, taskID string, result WorkspaceResult) error {
	return s.manager.SetJSON(ctx, WorkspaceResultKey(s.prefix, agentID, taskID), result, s.workspaceTTL)
}

// TakeWorkspaceResult 读取并删除 worktree 结果，不存在时返回 ErrCacheMiss
func (s *ResultSlots) TakeWorkspaceResult(ctx context.Context, agentID, taskID string) (WorkspaceResult, error) {
	var result WorkspaceResult
	err := s.manager.TakeJSON(ctx, WorkspaceResultKey(s.prefix, agentID, taskID), &result)
	return result, err
}
