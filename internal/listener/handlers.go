package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/runrelay/config"
	"github.com/BaSui01/runrelay/internal/cache"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/graphindex"
	"github.com/BaSui01/runrelay/internal/workspace"
	"go.uber.org/zap"
)

// errNoHandler 对应的副作用未配置
var errNoHandler = errors.New("no handler configured")

// PulseInvoker 调用 Agent 的 pulse
type PulseInvoker interface {
	Pulse(ctx context.Context, agentID string) (json.RawMessage, error)
}

// ResultWriter 写入同步 HTTP 层轮询的结果槽位
type ResultWriter interface {
	PutPulseResult(ctx context.Context, result cache.PulseResult) error
	PutWorkspaceResult(ctx context.Context, agentID, taskID string, result cache.WorkspaceResult) error
}

// Workspaces 创建和移除任务 worktree
type Workspaces interface {
	Create(ctx context.Context, req workspace.Request) (string, error)
	Remove(ctx context.Context, req workspace.Request) error
}

// ConfigReloader 不可重入的配置重载
type ConfigReloader interface {
	ReloadFromFile(source string) error
}

// GraphIndexer 防抖的知识图谱索引重建
type GraphIndexer interface {
	Schedule(agentID string) error
}

// Handlers 控制事件的副作用实现。字段为 nil 时对应事件只记录告警。
type Handlers struct {
	Pulse      PulseInvoker
	Results    ResultWriter
	Workspaces Workspaces
	Reloader   ConfigReloader
	Graph      GraphIndexer
	Logger     *zap.Logger
}

func (h Handlers) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// pulse 调用 pulse 并写入结果。调用失败同样写入结果，轮询方据此结束等待。
func (h Handlers) pulse(ctx context.Context, e events.PulseTriggered) error {
	if h.Pulse == nil || h.Results == nil {
		return fmt.Errorf("pulse %s: %w", e.AgentID, errNoHandler)
	}

	result := cache.PulseResult{AgentID: e.AgentID, Success: true}
	body, err := h.Pulse.Pulse(ctx, e.AgentID)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	} else {
		result.Result = body
	}
	result.CompletedAt = time.Now().UTC()

	if werr := h.Results.PutPulseResult(ctx, result); werr != nil {
		return fmt.Errorf("write pulse result for %s: %w", e.AgentID, werr)
	}
	if err != nil {
		return fmt.Errorf("pulse %s: %w", e.AgentID, err)
	}

	h.logger().Info("pulse completed", zap.String("agent_id", e.AgentID))
	return nil
}

// createWorkspace 创建 worktree 并写入结果，成功与失败都会写入
func (h Handlers) createWorkspace(ctx context.Context, e events.TaskWorkspaceRequested) error {
	if h.Workspaces == nil || h.Results == nil {
		return fmt.Errorf("create workspace %s: %w", e.TaskID, errNoHandler)
	}

	path, err := h.Workspaces.Create(ctx, workspace.Request{
		AgentID:    e.AgentID,
		ProjectID:  e.ProjectID,
		TaskID:     e.TaskID,
		TaskBranch: e.TaskBranch,
	})

	result := cache.WorkspaceResult{Success: err == nil, Path: path}
	if err != nil {
		result.Error = err.Error()
	}
	if werr := h.Results.PutWorkspaceResult(ctx, e.AgentID, e.TaskID, result); werr != nil {
		return fmt.Errorf("write workspace result for %s/%s: %w", e.AgentID, e.TaskID, werr)
	}
	return err
}

func (h Handlers) removeWorkspace(ctx context.Context, e events.TaskWorkspaceRemoveRequested) error {
	if h.Workspaces == nil {
		return fmt.Errorf("remove workspace %s: %w", e.TaskID, errNoHandler)
	}
	return h.Workspaces.Remove(ctx, workspace.Request{
		AgentID:    e.AgentID,
		ProjectID:  e.ProjectID,
		TaskID:     e.TaskID,
		TaskBranch: e.TaskBranch,
	})
}

// reloadConfig 重新加载配置。已有重载在进行时跳过，不视为失败。
func (h Handlers) reloadConfig() error {
	if h.Reloader == nil {
		return fmt.Errorf("mcp reload: %w", errNoHandler)
	}
	err := h.Reloader.ReloadFromFile("mcp_restart")
	if errors.Is(err, config.ErrReloadInProgress) {
		h.logger().Info("mcp restart ignored, reload already running")
		return nil
	}
	return err
}

func (h Handlers) scheduleReindex(e events.KnowledgeLinksUpdated) error {
	if h.Graph == nil {
		return errNoHandler
	}
	err := h.Graph.Schedule(e.AgentID)
	if errors.Is(err, graphindex.ErrDisabled) {
		h.logger().Debug("graph index rebuild disabled", zap.String("agent_id", e.AgentID))
		return nil
	}
	return err
}
