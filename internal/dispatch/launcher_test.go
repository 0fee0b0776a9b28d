package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/runrelay/internal/bridge"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/store"
)

// callLog 按调用顺序记录订阅与执行
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeSubscriber struct {
	log     *callLog
	err     error
	threads []bridge.RunThread
}

func (f *fakeSubscriber) SubscribeToRun(ctx context.Context, rt bridge.RunThread) error {
	f.log.add("subscribe:" + rt.RunID)
	f.threads = append(f.threads, rt)
	return f.err
}

type fakeExecutor struct {
	log *callLog
	err error
}

func (f *fakeExecutor) Execute(ctx context.Context, runID string) error {
	f.log.add("execute:" + runID)
	return f.err
}

func (f *fakeExecutor) Resume(ctx context.Context, runID string) error {
	f.log.add("resume:" + runID)
	return f.err
}

func TestMode(t *testing.T) {
	tests := []struct {
		status store.RunStatus
		want   string
	}{
		{store.RunPending, ModeExecute},
		{store.RunRunning, ModeResume},
		{store.RunCompleted, ModeSkip},
		{store.RunFailed, ModeSkip},
		{store.RunCancelled, ModeSkip},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Mode(&store.Run{ID: "r", Status: tt.status}))
		})
	}
}

func TestLauncher_SubscribesBeforeExecuting(t *testing.T) {
	calls := &callLog{}
	sub := &fakeSubscriber{log: calls}
	l := NewLauncher(sub, &fakeExecutor{log: calls}, nil, zaptest.NewLogger(t))

	run := &store.Run{
		ID: "r1", PipelineID: "p1", Status: store.RunPending,
		ChannelID: "C1", ThreadTS: "111.222", TaskDescription: "fix the build",
	}
	require.NoError(t, l.Launch(context.Background(), run))

	assert.Equal(t, []string{"subscribe:r1", "execute:r1"}, calls.all())
	require.Len(t, sub.threads, 1)
	assert.Equal(t, "111.222", sub.threads[0].ThreadTS)
	assert.Equal(t, "fix the build", sub.threads[0].TaskDescription)
}

func TestLauncher_ResumesRunningRun(t *testing.T) {
	calls := &callLog{}
	l := NewLauncher(&fakeSubscriber{log: calls}, &fakeExecutor{log: calls}, nil, zaptest.NewLogger(t))

	require.NoError(t, l.Launch(context.Background(), &store.Run{ID: "r2", Status: store.RunRunning}))
	assert.Equal(t, []string{"subscribe:r2", "resume:r2"}, calls.all())
}

func TestLauncher_SkipsFinishedRun(t *testing.T) {
	calls := &callLog{}
	l := NewLauncher(&fakeSubscriber{log: calls}, &fakeExecutor{log: calls}, nil, zaptest.NewLogger(t))

	require.NoError(t, l.Launch(context.Background(), &store.Run{ID: "r3", Status: store.RunCompleted}))
	assert.Empty(t, calls.all())
}

func TestLauncher_SubscribeFailureStillExecutes(t *testing.T) {
	calls := &callLog{}
	sub := &fakeSubscriber{log: calls, err: bridge.ErrRouterStopped}
	l := NewLauncher(sub, &fakeExecutor{log: calls}, nil, zaptest.NewLogger(t))

	require.NoError(t, l.Launch(context.Background(), &store.Run{ID: "r1", Status: store.RunPending}))
	assert.Equal(t, []string{"subscribe:r1", "execute:r1"}, calls.all())
}

func TestLauncher_ExecutorErrorIsWrapped(t *testing.T) {
	calls := &callLog{}
	boom := errors.New("executor unavailable")
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("launch_test", reg, zap.NewNop())
	l := NewLauncher(&fakeSubscriber{log: calls}, &fakeExecutor{log: calls, err: boom}, collector, zaptest.NewLogger(t))

	err := l.Launch(context.Background(), &store.Run{ID: "r2", Status: store.RunRunning})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "resume run r2")

	families, err := reg.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, mf := range families {
		if mf.GetName() == "launch_test_dispatch_duration_seconds" {
			for _, m := range mf.GetMetric() {
				observed += m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), observed)
}
