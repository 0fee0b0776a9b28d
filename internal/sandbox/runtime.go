// Package sandbox 通过容器运行时列出并清理 Agent 沙箱容器。
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/runrelay/internal/cmdexec"
	"go.uber.org/zap"
)

// Container 一个运行中的容器
type Container struct {
	ID   string
	Name string
}

// Runtime 容器运行时
type Runtime interface {
	ListByPrefix(ctx context.Context, prefix string) ([]Container, error)
	Kill(ctx context.Context, id string) error
}

// =============================================================================
// 🐳 Docker CLI 运行时
// =============================================================================

// DockerRuntime 通过 docker CLI 操作容器
type DockerRuntime struct {
	binary string
	runner cmdexec.Runner
	logger *zap.Logger
}

// DockerOption Docker 运行时选项
type DockerOption func(*DockerRuntime)

// WithBinary 设置 docker 可执行文件
func WithBinary(binary string) DockerOption {
	return func(d *DockerRuntime) {
		if binary != "" {
			d.binary = binary
		}
	}
}

// WithRunner 设置命令执行器
func WithRunner(r cmdexec.Runner) DockerOption {
	return func(d *DockerRuntime) { d.runner = r }
}

// NewDockerRuntime 创建 docker 运行时
func NewDockerRuntime(logger *zap.Logger, opts ...DockerOption) *DockerRuntime {
	d := &DockerRuntime{
		binary: "docker",
		runner: cmdexec.ExecRunner{},
		logger: logger.With(zap.String("component", "sandbox_runtime")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ListByPrefix 列出名称以 prefix 开头的运行中容器。
// docker 的 name 过滤是子串匹配，这里再按前缀过滤一次。
func (d *DockerRuntime) ListByPrefix(ctx context.Context, prefix string) ([]Container, error) {
	out, err := d.runner.Run(ctx, "", d.binary,
		"ps", "--filter", "name="+prefix, "--format", "{{.ID}}\t{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var containers []Container
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, names, ok := strings.Cut(line, "\t")
		if !ok {
			d.logger.Debug("skipping unparseable docker ps line", zap.String("line", line))
			continue
		}
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimPrefix(strings.TrimSpace(name), "/")
			if strings.HasPrefix(name, prefix) {
				containers = append(containers, Container{ID: id, Name: name})
				break
			}
		}
	}
	return containers, nil
}

// Kill 强制删除容器
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	if _, err := d.runner.Run(ctx, "", d.binary, "rm", "-f", id); err != nil {
		return fmt.Errorf("kill container %s: %w", id, err)
	}
	return nil
}
