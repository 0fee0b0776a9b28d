// Package workspace 为任务创建和移除 git worktree。
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/runrelay/internal/cmdexec"
	"go.uber.org/zap"
)

// ErrInvalidRequest 请求字段缺失或包含路径分隔符
var ErrInvalidRequest = errors.New("invalid workspace request")

// Request 一个任务 worktree
type Request struct {
	AgentID    string
	ProjectID  string
	TaskID     string
	TaskBranch string
}

// Config worktree 管理配置
type Config struct {
	ProjectsRoot  string
	WorktreesRoot string
	GitBinary     string
}

// Manager git worktree 管理器
type Manager struct {
	config Config
	runner cmdexec.Runner
	logger *zap.Logger
}

// NewManager 创建管理器；runner 为 nil 时使用 os/exec
func NewManager(cfg Config, runner cmdexec.Runner, logger *zap.Logger) *Manager {
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if runner == nil {
		runner = cmdexec.ExecRunner{}
	}
	return &Manager{
		config: cfg,
		runner: runner,
		logger: logger.With(zap.String("component", "workspace")),
	}
}

// Path 返回任务 worktree 的路径 {worktrees_root}/{agentId}/{taskId}
func (m *Manager) Path(agentID, taskID string) string {
	return filepath.Join(m.config.WorktreesRoot, agentID, taskID)
}

// Create 创建 worktree 并返回路径。worktree 已存在时直接返回。
func (m *Manager) Create(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	path := m.Path(req.AgentID, req.TaskID)
	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("worktree already exists", zap.String("path", path))
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	branch := req.TaskBranch
	if branch == "" {
		branch = "task/" + req.TaskID
	}
	repo := filepath.Join(m.config.ProjectsRoot, req.ProjectID)
	if _, err := m.runner.Run(ctx, repo, m.config.GitBinary, "worktree", "add", "-B", branch, path); err != nil {
		return "", fmt.Errorf("git worktree add %s: %w", path, err)
	}

	m.logger.Info("worktree created",
		zap.String("agent_id", req.AgentID),
		zap.String("task_id", req.TaskID),
		zap.String("branch", branch),
		zap.String("path", path))
	return path, nil
}

// Remove 移除 worktree；目录不存在时只清理 git 的 worktree 记录
func (m *Manager) Remove(ctx context.Context, req Request) error {
	if err := validate(req); err != nil {
		return err
	}

	repo := filepath.Join(m.config.ProjectsRoot, req.ProjectID)
	path := m.Path(req.AgentID, req.TaskID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, err := m.runner.Run(ctx, repo, m.config.GitBinary, "worktree", "prune"); err != nil {
			return fmt.Errorf("git worktree prune: %w", err)
		}
		return nil
	}

	if _, err := m.runner.Run(ctx, repo, m.config.GitBinary, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("git worktree remove %s: %w", path, err)
	}
	m.logger.Info("worktree removed", zap.String("path", path))
	return nil
}

func validate(req Request) error {
	fields := []struct{ name, value string }{
		{"agentId", req.AgentID},
		{"projectId", req.ProjectID},
		{"taskId", req.TaskID},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidRequest, f.name)
		}
		if strings.ContainsAny(f.value, `/\`) || f.value == "." || f.value == ".." {
			return fmt.Errorf("%w: bad %s %q", ErrInvalidRequest, f.name, f.value)
		}
	}
	return nil
}
