package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitReachesOnlyMatchingResource(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe("job-1", func(reason string) { got = append(got, "job-1:"+reason) })
	b.Subscribe("job-2", func(reason string) { got = append(got, "job-2:"+reason) })

	n := b.Emit("job-1", "retry-click")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"job-1:retry-click"}, got)

	assert.Equal(t, 0, b.Emit("job-3", "retry-click"))
}

func TestEmitInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("job-1", func(string) { got = append(got, i) })
	}
	b.Emit("job-1", "x")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	cancel := b.Subscribe("job-1", func(string) { calls++ })
	assert.Equal(t, 1, b.Subscribers("job-1"))

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers("job-1"))
	b.Emit("job-1", "x")
	assert.Equal(t, 0, calls)
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	b := New()
	calls := 0
	var cancel func()
	cancel = b.Subscribe("job-1", func(string) {
		calls++
		cancel()
	})

	b.Emit("job-1", "x")
	b.Emit("job-1", "x")
	assert.Equal(t, 1, calls)
}

func TestConcurrentSubscribeEmit(t *testing.T) {
	b := New()
	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel := b.Subscribe("job-1", func(string) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			b.Emit("job-1", "x")
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers("job-1"))
	assert.GreaterOrEqual(t, total, 10)
}
