package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/store"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	saved    map[string]store.SessionStatus
	failures map[string]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{saved: make(map[string]store.SessionStatus), failures: make(map[string]string)}
}

func (s *fakeSessionStore) SaveSession(ctx context.Context, session *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[session.ID] = session.Status
	return nil
}

func (s *fakeSessionStore) UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = status
	return nil
}

func (s *fakeSessionStore) MarkSessionFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = store.SessionFailed
	s.failures[id] = reason
	return nil
}

func (s *fakeSessionStore) status(id string) store.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

func sessionRef(id string) events.SessionRef {
	return events.SessionRef{SessionID: id}
}

func startedEvent(id string) events.SessionStarted {
	return events.SessionStarted{SessionRef: sessionRef(id), AgentID: "helper", ChannelID: "C2", ThreadTS: "t-100"}
}

func TestSessions_StreamingResponse(t *testing.T) {
	sessStore := newFakeSessionStore()
	env := setupRouter(t, newFakeSurface(true), time.Hour, WithSessionStore(sessStore))
	ctx := context.Background()

	env.router.HandleSessionEvent(ctx, startedEvent("sess-1"))
	assert.True(t, env.pool.IsActive("sess-1"))
	assert.Equal(t, store.SessionRunning, sessStore.status("sess-1"))

	env.router.HandleSessionEvent(ctx, events.SessionOutput{SessionRef: sessionRef("sess-1"), Chunk: "Here is "})
	env.router.HandleSessionEvent(ctx, events.SessionOutput{SessionRef: sessionRef("sess-1"), Chunk: "the answer"})
	env.router.HandleSessionEvent(ctx, events.SessionComplete{SessionRef: sessionRef("sess-1")})

	s := env.surface
	assert.Equal(t, []string{"open:s1:t-100"}, s.opsWithPrefix("open:"))
	assert.Equal(t, []string{"append:s1:Here is ", "append:s1:the answer"}, s.opsWithPrefix("append:"))
	assert.Equal(t, []string{"stop:s1:feedback=true"}, s.opsWithPrefix("stop:"))
	assert.False(t, env.pool.IsActive("sess-1"))
	assert.Equal(t, store.SessionCompleted, sessStore.status("sess-1"))
}

func TestSessions_ResponseLostWithoutStreamer(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("bridge_test", reg, zap.NewNop())
	env := setupRouter(t, newFakeSurface(false), time.Hour, WithMetrics(collector))
	ctx := context.Background()

	env.router.HandleSessionEvent(ctx, startedEvent("sess-1"))
	env.router.HandleSessionEvent(ctx, events.SessionOutput{SessionRef: sessionRef("sess-1"), Chunk: "never shown"})
	env.router.HandleSessionEvent(ctx, events.SessionComplete{SessionRef: sessionRef("sess-1")})

	assert.Empty(t, env.surface.allPosts(), "reply text is not re-posted")
	assert.False(t, env.pool.IsActive("sess-1"))

	expected := `
# HELP bridge_test_session_responses_lost_total Successful session responses whose streamer never opened
# TYPE bridge_test_session_responses_lost_total counter
bridge_test_session_responses_lost_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bridge_test_session_responses_lost_total"))
}

func TestSessions_FailedWithoutStreamerPostsError(t *testing.T) {
	sessStore := newFakeSessionStore()
	env := setupRouter(t, newFakeSurface(false), time.Hour, WithSessionStore(sessStore))
	ctx := context.Background()

	env.router.HandleSessionEvent(ctx, startedEvent("sess-1"))
	env.router.HandleSessionEvent(ctx, events.SessionFailed{SessionRef: sessionRef("sess-1"), Error: "agent crashed"})

	posts := env.surface.allPosts()
	require.Len(t, posts, 1)
	assert.Equal(t, fakePost{ChannelID: "C2", ThreadTS: "t-100", Text: ":x: agent crashed"}, posts[0])
	assert.Equal(t, store.SessionFailed, sessStore.status("sess-1"))
	assert.Equal(t, "agent crashed", sessStore.failures["sess-1"])
}

func TestSessions_FailedWithStreamer(t *testing.T) {
	env := setupRouter(t, newFakeSurface(true), time.Hour)
	ctx := context.Background()

	env.router.HandleSessionEvent(ctx, startedEvent("sess-1"))
	env.router.HandleSessionEvent(ctx, events.SessionFailed{SessionRef: sessionRef("sess-1"), Error: "agent crashed"})

	assert.Equal(t, []string{"stop_error:s1::x: agent crashed"}, env.surface.opsWithPrefix("stop_error:"))
	assert.Empty(t, env.surface.allPosts())
}

func TestSessions_OutputForUnknownSessionIgnored(t *testing.T) {
	env := setupRouter(t, newFakeSurface(true), time.Hour)
	env.router.HandleSessionEvent(context.Background(), events.SessionOutput{SessionRef: sessionRef("ghost"), Chunk: "hi"})
	env.router.HandleSessionEvent(context.Background(), events.SessionFailed{SessionRef: sessionRef("ghost"), Error: "x"})
	assert.Empty(t, env.surface.allOps())
}

func TestSessions_StopClosesOpenStreamers(t *testing.T) {
	env := setupRouter(t, newFakeSurface(true), time.Hour)
	env.router.HandleSessionEvent(context.Background(), startedEvent("sess-1"))

	env.router.Stop()
	assert.Equal(t, []string{"stop_error:s1:Engine is shutting down, please retry."}, env.surface.opsWithPrefix("stop_error:"))
}

func TestSessions_FeedDeliversPublishedEvents(t *testing.T) {
	env := setupRouter(t, newFakeSurface(true), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedErr := make(chan error, 1)
	go func() { feedErr <- env.router.RunSessionFeed(ctx) }()

	channel := eventlog.SessionsChannel("test")
	publish := func(ev events.SessionEvent) {
		payload, err := events.EncodeSession(ev)
		require.NoError(t, err)
		require.NoError(t, env.log.Publish(ctx, channel, payload))
	}

	// 订阅在 goroutine 中建立，先等到会话开始被处理
	require.Eventually(t, func() bool {
		publish(startedEvent("sess-1"))
		return env.pool.IsActive("sess-1")
	}, 2*time.Second, 20*time.Millisecond)

	publish(events.SessionOutput{SessionRef: sessionRef("sess-1"), Chunk: "streamed"})
	publish(events.SessionComplete{SessionRef: sessionRef("sess-1")})
	require.Eventually(t, func() bool { return !env.pool.IsActive("sess-1") }, 2*time.Second, 5*time.Millisecond)

	appends := env.surface.opsWithPrefix("append:")
	require.Len(t, appends, 1)
	assert.True(t, strings.HasSuffix(appends[0], ":streamed"))

	cancel()
	select {
	case err := <-feedErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session feed did not stop")
	}
}

func TestSessions_SlowSessionDoesNotBlockOthers(t *testing.T) {
	env := setupRouter(t, newFakeSurface(true), time.Hour)
	release := env.surface.gateOpen("t-slow")
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.router.RunSessionFeed(ctx) }()

	channel := eventlog.SessionsChannel("test")
	publish := func(ev events.SessionEvent) {
		payload, err := events.EncodeSession(ev)
		require.NoError(t, err)
		require.NoError(t, env.log.Publish(ctx, channel, payload))
	}
	started := func(id, threadTS string) events.SessionStarted {
		return events.SessionStarted{SessionRef: sessionRef(id), AgentID: "helper", ChannelID: "C2", ThreadTS: threadTS}
	}

	// 订阅在 goroutine 中建立，先等到快会话开始被处理
	require.Eventually(t, func() bool {
		publish(started("fast-0", "t-fast-0"))
		return env.pool.IsActive("fast-0")
	}, 2*time.Second, 20*time.Millisecond)
	publish(events.SessionComplete{SessionRef: sessionRef("fast-0")})

	publish(started("slow", "t-slow"))
	publish(events.SessionOutput{SessionRef: sessionRef("slow"), Chunk: "slow answer"})
	publish(started("fast", "t-fast"))
	publish(events.SessionOutput{SessionRef: sessionRef("fast"), Chunk: "fast answer"})
	publish(events.SessionComplete{SessionRef: sessionRef("fast")})

	require.Eventually(t, func() bool {
		return len(env.surface.opsWithPrefix("stop:")) >= 2 && !env.pool.IsActive("fast")
	}, 2*time.Second, 5*time.Millisecond)
	for _, op := range env.surface.opsWithPrefix("open:") {
		assert.False(t, strings.HasSuffix(op, ":t-slow"), "slow session still waiting on its streamer")
	}
	for _, op := range env.surface.opsWithPrefix("append:") {
		assert.NotContains(t, op, "slow answer")
	}

	close(release)
	require.Eventually(t, func() bool {
		for _, op := range env.surface.opsWithPrefix("append:") {
			if strings.HasSuffix(op, ":slow answer") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.pool.IsActive("slow"))
}
