package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/store"
)

const (
	testStream = "test:stream:work"
	testGroup  = "test-dispatch"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*store.Run
	err  error
}

func (f *fakeRuns) GetRun(ctx context.Context, id string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	calls   []string
	onCall  func(run *store.Run) error
	panicOn string
}

func (f *fakeLauncher) Launch(ctx context.Context, run *store.Run) error {
	f.mu.Lock()
	f.calls = append(f.calls, run.ID)
	onCall := f.onCall
	f.mu.Unlock()

	if run.ID == f.panicOn {
		panic("launcher exploded")
	}
	if onCall != nil {
		return onCall(run)
	}
	return nil
}

func (f *fakeLauncher) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type consumerEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	log      *eventlog.Client
	runs     *fakeRuns
	launcher *fakeLauncher
	reg      *prometheus.Registry
	metrics  *metrics.Collector
}

func setupConsumerEnv(t *testing.T) *consumerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	return &consumerEnv{
		mr:  mr,
		rdb: rdb,
		log: eventlog.New(rdb, zap.NewNop()),
		runs: &fakeRuns{runs: map[string]*store.Run{
			"r1": {ID: "r1", PipelineID: "p1", Status: store.RunPending},
			"r2": {ID: "r2", PipelineID: "p1", Status: store.RunRunning},
		}},
		launcher: &fakeLauncher{},
		reg:      reg,
		metrics:  metrics.NewCollectorWithRegistry("dispatch_test", reg, zap.NewNop()),
	}
}

func (e *consumerEnv) consumer(t *testing.T, name string, mutate ...func(*Config)) *Consumer {
	t.Helper()
	cfg := Config{
		Stream:       testStream,
		Group:        testGroup,
		Consumer:     name,
		BatchSize:    10,
		BlockTimeout: 50 * time.Millisecond,
		ReadBackoff:  10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewConsumer(cfg, e.log, e.runs, e.launcher, zap.NewNop(), WithMetrics(e.metrics))
}

func (e *consumerEnv) add(t *testing.T, values map[string]any) string {
	t.Helper()
	id, err := e.log.Append(context.Background(), testStream, values)
	require.NoError(t, err)
	return id
}

func (e *consumerEnv) pendingCount(t *testing.T) int64 {
	t.Helper()
	res, err := e.rdb.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return res.Count
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func signal(runID string) map[string]any {
	return events.RunSignal{Event: events.DefaultSignalEvent, RunID: runID, PipelineID: "p1"}.Values()
}

// readOne 以 consumer 身份读取一条新条目但不确认，模拟处理中途崩溃
func (e *consumerEnv) readOne(t *testing.T, consumer string) eventlog.Entry {
	t.Helper()
	entries, err := e.log.ReadGroup(context.Background(), eventlog.ReadGroupArgs{
		Stream: testStream, Group: testGroup, Consumer: consumer, Count: 1,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

// =============================================================================
// 🧪 单条处理
// =============================================================================

func TestConsumer_AckAfterLaunchReturns(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, signal("r1"))
	entry := env.readOne(t, "c1")

	var pendingDuringLaunch int64
	env.launcher.onCall = func(run *store.Run) error {
		pendingDuringLaunch = env.pendingCount(t)
		return nil
	}

	outcome := c.HandleEntry(context.Background(), entry)
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, int64(1), pendingDuringLaunch, "entry is not acked before the launch returns")
	assert.Equal(t, int64(0), env.pendingCount(t))
	assert.Equal(t, []string{"r1"}, env.launcher.launched())
	assert.Equal(t, float64(1), counterValue(t, env.reg, "dispatch_test_stream_acks_total", map[string]string{"status": "ok"}))
}

func TestConsumer_MalformedEntryAckedWithoutLaunch(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, map[string]any{"event": "run:new", "pipeline_id": "p1"})
	entry := env.readOne(t, "c1")

	assert.Equal(t, OutcomeMalformed, c.HandleEntry(context.Background(), entry))
	assert.Empty(t, env.launcher.launched())
	assert.Equal(t, int64(0), env.pendingCount(t))
	assert.Equal(t, float64(1), counterValue(t, env.reg, "dispatch_test_stream_entries_total", map[string]string{"outcome": OutcomeMalformed}))
}

func TestConsumer_MissingEventDefaults(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, map[string]any{"run_id": "r2"})
	entry := env.readOne(t, "c1")

	assert.Equal(t, OutcomeDispatched, c.HandleEntry(context.Background(), entry))
	assert.Equal(t, []string{"r2"}, env.launcher.launched())
}

func TestConsumer_HandlerErrorsStillAck(t *testing.T) {
	tests := []struct {
		name    string
		runID   string
		storeEr error
		launch  func(*store.Run) error
		panicOn string
		calls   int
	}{
		{name: "unknown run", runID: "missing"},
		{name: "store failure", runID: "r1", storeEr: errors.New("db down")},
		{name: "launch failure", runID: "r1", launch: func(*store.Run) error { return errors.New("executor 503") }, calls: 1},
		{name: "launch panic", runID: "r1", panicOn: "r1", calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupConsumerEnv(t)
			env.runs.err = tt.storeEr
			env.launcher.onCall = tt.launch
			env.launcher.panicOn = tt.panicOn
			c := env.consumer(t, "c1")
			require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

			env.add(t, signal(tt.runID))
			entry := env.readOne(t, "c1")

			assert.Equal(t, OutcomeError, c.HandleEntry(context.Background(), entry))
			assert.Len(t, env.launcher.launched(), tt.calls)
			assert.Equal(t, int64(0), env.pendingCount(t), "entry is acked even when the handler fails")
		})
	}
}

func TestConsumer_AckSurvivesCancelledContext(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, signal("r1"))
	entry := env.readOne(t, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	env.launcher.onCall = func(*store.Run) error {
		cancel()
		return ctx.Err()
	}

	assert.Equal(t, OutcomeError, c.HandleEntry(ctx, entry))
	assert.Equal(t, int64(0), env.pendingCount(t))
}

// =============================================================================
// 🧪 读循环
// =============================================================================

func TestConsumer_RunDispatchesNewEntries(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// 消费组从流开头创建，先写入的条目同样会被读到
	env.add(t, signal("r1"))
	env.add(t, map[string]any{"event": "run:new"})
	env.add(t, signal("r2"))

	require.Eventually(t, func() bool { return len(env.launcher.launched()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2"}, env.launcher.launched())
	require.Eventually(t, func() bool { return env.pendingCount(t) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestConsumer_EnsureGroupIsIdempotent(t *testing.T) {
	env := setupConsumerEnv(t)
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, env.consumer(t, "c1").Run(ctx))
}

func TestConsumer_RedeliversOwnPendingAfterCrash(t *testing.T) {
	env := setupConsumerEnv(t)
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, signal("r1"))
	env.add(t, signal("r2"))
	env.readOne(t, "c1")
	env.readOne(t, "c1")
	require.Equal(t, int64(2), env.pendingCount(t))

	// 同一消费者身份重启
	c := env.consumer(t, "c1")
	require.NoError(t, c.DrainPending(context.Background()))

	assert.Equal(t, []string{"r1", "r2"}, env.launcher.launched())
	assert.Equal(t, int64(0), env.pendingCount(t))
}

func TestConsumer_CancelMidBatchLeavesRestPending(t *testing.T) {
	env := setupConsumerEnv(t)
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, signal("r1"))
	env.add(t, signal("r2"))
	env.add(t, signal("r1"))
	for i := 0; i < 3; i++ {
		env.readOne(t, "c1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	env.launcher.onCall = func(*store.Run) error {
		cancel()
		return nil
	}

	c := env.consumer(t, "c1")
	require.NoError(t, c.DrainPending(ctx))
	assert.Equal(t, []string{"r1"}, env.launcher.launched())
	assert.Equal(t, int64(2), env.pendingCount(t), "entries after shutdown stay pending for redelivery")

	// 重启后剩余条目被重新处理
	env.launcher.onCall = nil
	require.NoError(t, env.consumer(t, "c1").DrainPending(context.Background()))
	assert.Equal(t, []string{"r1", "r2", "r1"}, env.launcher.launched())
	assert.Equal(t, int64(0), env.pendingCount(t))
}

func TestConsumer_ClaimsIdleEntriesFromDeadConsumer(t *testing.T) {
	env := setupConsumerEnv(t)
	require.NoError(t, env.log.EnsureGroup(context.Background(), testStream, testGroup))

	env.add(t, signal("r1"))
	env.readOne(t, "dead-consumer")
	time.Sleep(20 * time.Millisecond)

	c := env.consumer(t, "c2", func(cfg *Config) { cfg.ClaimMinIdle = 5 * time.Millisecond })
	n, err := c.ClaimIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"r1"}, env.launcher.launched())
	assert.Equal(t, int64(0), env.pendingCount(t))

	disabled := env.consumer(t, "c3")
	n, err = disabled.ClaimIdle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsumer_ReadFailureBacksOff(t *testing.T) {
	env := setupConsumerEnv(t)
	c := env.consumer(t, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return env.mr.Exists(testStream) }, 2*time.Second, 5*time.Millisecond)

	env.mr.Close()
	require.Eventually(t, func() bool {
		return counterValue(t, env.reg, "dispatch_test_stream_read_errors_total", nil) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
