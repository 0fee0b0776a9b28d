package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string][]int)}
}

func (r *recorder) action(key string, v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key] = append(r.calls[key], v)
}

func (r *recorder) get(key string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.calls[key]...)
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	rec := newRecorder()
	s := New(30*time.Millisecond, rec.action)
	defer s.Stop()

	for i := 1; i <= 5; i++ {
		s.Schedule("agent-1", i)
	}
	assert.True(t, s.Pending("agent-1"))

	require.Eventually(t, func() bool { return len(rec.get("agent-1")) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []int{5}, rec.get("agent-1"))
	assert.False(t, s.Pending("agent-1"))
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_KeysAreIndependent(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.action)
	defer s.Stop()

	s.Schedule("a", 1)
	s.Schedule("b", 2)

	require.Eventually(t, func() bool {
		return len(rec.get("a")) == 1 && len(rec.get("b")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, rec.get("a"))
	assert.Equal(t, []int{2}, rec.get("b"))
}

func TestScheduler_Cancel(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.action)
	defer s.Stop()

	s.Schedule("a", 1)
	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("a"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.get("a"))
}

func TestScheduler_Flush(t *testing.T) {
	rec := newRecorder()
	s := New(time.Hour, rec.action)
	defer s.Stop()

	s.Schedule("a", 1)
	s.Schedule("a", 2)
	assert.True(t, s.Flush("a"))
	assert.Equal(t, []int{2}, rec.get("a"))
	assert.False(t, s.Flush("a"))
}

func TestScheduler_StopDropsPendingAndIgnoresNew(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.action)

	s.Schedule("a", 1)
	s.Stop()
	s.Schedule("a", 2)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.get("a"))
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	var fired atomic.Int32
	s := New(5*time.Millisecond, func(key string, v int) {
		fired.Add(1)
		panic("boom")
	})
	defer s.Stop()

	s.Schedule("a", 1)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Schedule("a", 2)
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_FireHookAndSetDelay(t *testing.T) {
	var hooks atomic.Int32
	rec := newRecorder()
	s := New(time.Hour, rec.action, WithFireHook[int](func(string) { hooks.Add(1) }))
	defer s.Stop()

	s.SetDelay(5 * time.Millisecond)
	s.Schedule("a", 7)

	require.Eventually(t, func() bool { return hooks.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, rec.get("a"))
}

// N 次 Schedule 在同一窗口内只执行一次，且使用最后一次的值
func TestScheduler_LastWriteWinsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Int(), 1, 50).Draw(t, "values")

		rec := newRecorder()
		s := New(time.Hour, rec.action)
		for _, v := range values {
			s.Schedule("k", v)
		}
		if s.Len() != 1 {
			t.Fatalf("pending = %d, want 1", s.Len())
		}
		s.Flush("k")
		s.Stop()

		got := rec.get("k")
		if len(got) != 1 || got[0] != values[len(values)-1] {
			t.Fatalf("calls = %v, want [%d]", got, values[len(values)-1])
		}
	})
}
