package sessions

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RegisterGetRemove(t *testing.T) {
	p := NewPool()

	p.Register(Session{ID: "s1", AgentID: "a1", ChannelID: "C1", ThreadTS: "1.1"})
	s, ok := p.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "a1", s.AgentID)
	assert.False(t, s.StartedAt.IsZero())
	assert.True(t, p.IsActive("s1"))

	assert.True(t, p.Remove("s1"))
	assert.False(t, p.Remove("s1"))
	assert.False(t, p.IsActive("s1"))
	assert.Equal(t, 0, p.Len())
}

func TestPool_ActiveIDsSorted(t *testing.T) {
	p := NewPool()
	p.Register(Session{ID: "b"})
	p.Register(Session{ID: "a"})
	p.Register(Session{ID: "c"})

	assert.Equal(t, []string{"a", "b", "c"}, p.ActiveIDs())
}

func TestPool_Concurrent(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			p.Register(Session{ID: id})
			p.IsActive(id)
			if i%2 == 0 {
				p.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, p.Len())
}
