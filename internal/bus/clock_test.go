package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}

func TestClock_ResumesAt(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(42), c.Next())
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := NewClock()
	const n = 200

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := c.Next()
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), c.Current())
}
