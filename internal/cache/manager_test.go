package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := Config{Addr: mr.Addr()}
	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.NotNil(t, manager.Client())
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))

	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestManager_SetRequiresTTL(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.Error(t, manager.Set(context.Background(), "k", "v", 0))
}

func TestManager_GetNonExistent(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Take_ReadsOnce(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "slot", "payload", time.Minute))

	value, err := manager.Take(ctx, "slot")
	require.NoError(t, err)
	assert.Equal(t, "payload", value)
	assert.False(t, mr.Exists("slot"))

	_, err = manager.Take(ctx, "slot")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, manager.SetJSON(ctx, "json", payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, manager.TakeJSON(ctx, "json", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), time.Minute))

	require.NoError(t, manager.Set(ctx, "notjson", "{", time.Minute))
	assert.Error(t, manager.TakeJSON(ctx, "notjson", &got))
}

func TestManager_TTLExpires(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", 2*time.Second))
	ttl, err := manager.TTL(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, ttl)

	mr.FastForward(3 * time.Second)
	_, err = manager.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", time.Minute), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_HealthCheckFailed(t *testing.T) {
	mr, manager := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, manager.Ping(ctx))
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i))
			assert.NoError(t, manager.Set(ctx, key, "v", time.Minute))
			_, err := manager.Get(ctx, key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// 🧪 ResultSlots 测试
// =============================================================================

func TestResultKeys(t *testing.T) {
	assert.Equal(t, "runrelay:agent:a1:pulse:result", PulseResultKey("runrelay", "a1"))
	assert.Equal(t, "runrelay:workspace:a1:t1", WorkspaceResultKey("runrelay", "a1", "t1"))
}

func TestResultSlots_Pulse(t *testing.T) {
	mr, manager := setupTestRedis(t)
	slots := NewResultSlots(manager, "runrelay", 60*time.Second, 300*time.Second)
	ctx := context.Background()

	in := PulseResult{AgentID: "a1", Success: true, Result: json.RawMessage(`{"ok":true}`), CompletedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, slots.PutPulseResult(ctx, in))
	assert.Equal(t, 60*time.Second, mr.TTL("runrelay:agent:a1:pulse:result"))

	out, err := slots.TakePulseResult(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, in.AgentID, out.AgentID)
	assert.True(t, out.Success)
	assert.JSONEq(t, `{"ok":true}`, string(out.Result))
	assert.True(t, in.CompletedAt.Equal(out.CompletedAt))

	_, err = slots.TakePulseResult(ctx, "a1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestResultSlots_Workspace(t *testing.T) {
	mr, manager := setupTestRedis(t)
	slots := NewResultSlots(manager, "runrelay", 60*time.Second, 300*time.Second)
	ctx := context.Background()

	require.NoError(t, slots.PutWorkspaceResult(ctx, "a1", "t1", WorkspaceResult{Success: true, Path: "/w/a1/t1"}))
	assert.Equal(t, 300*time.Second, mr.TTL("runrelay:workspace:a1:t1"))

	got, err := slots.TakeWorkspaceResult(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, WorkspaceResult{Success: true, Path: "/w/a1/t1"}, got)
}
