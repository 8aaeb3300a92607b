package version

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGet(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("job-123")
	assert.False(t, ok)
	assert.False(t, s.Has("job-123"))

	s.Set("job-123", `W/"v1"`)
	tok, ok := s.Get("job-123")
	require.True(t, ok)
	assert.Equal(t, `W/"v1"`, tok)

	s.Set("job-123", "v2")
	assert.Equal(t, "v2", s.Token("job-123"))
	assert.Equal(t, 1, s.Len())
}

func TestStoreIgnoresBlankTokens(t *testing.T) {
	s := NewStore()
	s.Set("job-1", "v1")

	s.Set("job-1", "")
	s.Set("job-1", "   ")
	assert.Equal(t, "v1", s.Token("job-1"))

	s.Set("job-2", "")
	assert.False(t, s.Has("job-2"))
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.Set("a", "1")
	s.Set("b", "2")

	s.Clear("a")
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))

	s.ClearAll()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestStoreSnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Set("a", "1")

	snap := s.Snapshot()
	snap["a"] = "mutated"
	assert.Equal(t, "1", s.Token("a"))
}

func TestStoreConcurrentUse(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i%5)
			for j := 0; j < 100; j++ {
				s.Set(id, fmt.Sprintf("v%d", j+1))
				_ = s.Token(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.Len())
}
