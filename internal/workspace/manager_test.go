package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runrelay/internal/cmdexec"
)

// fakeGit 记录调用；worktree add 时创建目标目录
type fakeGit struct {
	calls []string
	err   error
}

func (f *fakeGit) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, dir+"$ "+name+" "+strings.Join(args, " "))
	if f.err != nil {
		return nil, f.err
	}
	if len(args) > 1 && args[0] == "worktree" && args[1] == "add" {
		if err := os.MkdirAll(args[len(args)-1], 0o755); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func newTestManager(t *testing.T, git cmdexec.Runner) (*Manager, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		ProjectsRoot:  filepath.Join(root, "projects"),
		WorktreesRoot: filepath.Join(root, "worktrees"),
	}
	return NewManager(cfg, git, zap.NewNop()), cfg
}

func TestManager_Create(t *testing.T) {
	git := &fakeGit{}
	m, cfg := newTestManager(t, git)
	req := Request{AgentID: "a1", ProjectID: "p1", TaskID: "t1", TaskBranch: "feature/login"}

	path, err := m.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.WorktreesRoot, "a1", "t1"), path)
	assert.DirExists(t, path)
	require.Len(t, git.calls, 1)
	assert.Equal(t, filepath.Join(cfg.ProjectsRoot, "p1")+"$ git worktree add -B feature/login "+path, git.calls[0])

	again, err := m.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Len(t, git.calls, 1, "existing worktree is reused")
}

func TestManager_CreateDefaultBranch(t *testing.T) {
	git := &fakeGit{}
	m, _ := newTestManager(t, git)

	_, err := m.Create(context.Background(), Request{AgentID: "a1", ProjectID: "p1", TaskID: "t9"})
	require.NoError(t, err)
	assert.Contains(t, git.calls[0], "-B task/t9 ")
}

func TestManager_CreateGitFailure(t *testing.T) {
	git := &fakeGit{err: &cmdexec.ExitError{Command: "git worktree", ExitCode: 128, Stderr: "not a git repository"}}
	m, _ := newTestManager(t, git)

	_, err := m.Create(context.Background(), Request{AgentID: "a1", ProjectID: "p1", TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")
}

func TestManager_Validation(t *testing.T) {
	m, _ := newTestManager(t, &fakeGit{})

	tests := []Request{
		{ProjectID: "p1", TaskID: "t1"},
		{AgentID: "a1", TaskID: "t1"},
		{AgentID: "a1", ProjectID: "p1"},
		{AgentID: "../etc", ProjectID: "p1", TaskID: "t1"},
		{AgentID: "a1", ProjectID: "p1", TaskID: ".."},
		{AgentID: "a1", ProjectID: `p\1`, TaskID: "t1"},
	}
	for _, req := range tests {
		_, err := m.Create(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
		assert.ErrorIs(t, m.Remove(context.Background(), req), ErrInvalidRequest, "%+v", req)
	}
}

func TestManager_Remove(t *testing.T) {
	git := &fakeGit{}
	m, cfg := newTestManager(t, git)
	req := Request{AgentID: "a1", ProjectID: "p1", TaskID: "t1"}

	require.NoError(t, m.Remove(context.Background(), req))
	assert.Equal(t, []string{filepath.Join(cfg.ProjectsRoot, "p1") + "$ git worktree prune"}, git.calls)

	path, err := m.Create(context.Background(), req)
	require.NoError(t, err)
	git.calls = nil

	require.NoError(t, m.Remove(context.Background(), req))
	assert.Equal(t, []string{filepath.Join(cfg.ProjectsRoot, "p1") + "$ git worktree remove --force " + path}, git.calls)
}

func TestManager_RemoveFailure(t *testing.T) {
	git := &fakeGit{}
	m, _ := newTestManager(t, git)
	req := Request{AgentID: "a1", ProjectID: "p1", TaskID: "t1"}
	_, err := m.Create(context.Background(), req)
	require.NoError(t, err)

	git.err = errors.New("locked")
	assert.ErrorContains(t, m.Remove(context.Background(), req), "git worktree remove")
}

func TestManager_RealGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	m, cfg := newTestManager(t, nil)
	repo := filepath.Join(cfg.ProjectsRoot, "p1")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	run := func(args ...string) {
		t.Helper()
		_, err := cmdexec.ExecRunner{}.Run(context.Background(), repo, "git", args...)
		require.NoError(t, err)
	}
	run("init", "-q")
	run("-c", "user.name=runrelay", "-c", "user.email=runrelay@example.com", "commit", "-q", "--allow-empty", "-m", "init")

	req := Request{AgentID: "a1", ProjectID: "p1", TaskID: "t1"}
	path, err := m.Create(context.Background(), req)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, ".git"))

	require.NoError(t, m.Remove(context.Background(), req))
	assert.NoDirExists(t, path)
}
