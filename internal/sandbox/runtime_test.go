package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runrelay/internal/cmdexec"
)

type fakeRunner struct {
	calls  []string
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return []byte(f.output), f.err
}

func TestDockerRuntime_ListByPrefix(t *testing.T) {
	runner := &fakeRunner{output: strings.Join([]string{
		"abc123\trunrelay-sandbox-a1",
		"def456\tother-runrelay-sandbox-x",
		"ghi789\tlegacy,runrelay-sandbox-b2",
		"garbage",
		"",
	}, "\n")}
	rt := NewDockerRuntime(zap.NewNop(), WithRunner(runner), WithBinary("podman"))

	containers, err := rt.ListByPrefix(context.Background(), "runrelay-sandbox-")
	require.NoError(t, err)
	assert.Equal(t, []Container{
		{ID: "abc123", Name: "runrelay-sandbox-a1"},
		{ID: "ghi789", Name: "runrelay-sandbox-b2"},
	}, containers)
	assert.Equal(t, []string{"podman ps --filter name=runrelay-sandbox- --format {{.ID}}\t{{.Names}}"}, runner.calls)
}

func TestDockerRuntime_ListError(t *testing.T) {
	runner := &fakeRunner{err: &cmdexec.ExitError{Command: "docker ps", ExitCode: 1, Stderr: "daemon not running"}}
	rt := NewDockerRuntime(zap.NewNop(), WithRunner(runner))

	_, err := rt.ListByPrefix(context.Background(), "x")
	var exitErr *cmdexec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), "daemon not running")
}

func TestDockerRuntime_Kill(t *testing.T) {
	runner := &fakeRunner{}
	rt := NewDockerRuntime(zap.NewNop(), WithRunner(runner))

	require.NoError(t, rt.Kill(context.Background(), "abc123"))
	assert.Equal(t, []string{"docker rm -f abc123"}, runner.calls)

	runner.err = errors.New("boom")
	assert.ErrorContains(t, rt.Kill(context.Background(), "abc123"), "kill container abc123")
}
