package supervisor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLock_TryAcquireRejectsDoubleAcquire(t *testing.T) {
	k := newKeyedLock()
	assert.True(t, k.tryAcquire("pos-1"))
	assert.False(t, k.tryAcquire("pos-1"))
}

func TestKeyedLock_ReleaseAllowsReacquire(t *testing.T) {
	k := newKeyedLock()
	assert.True(t, k.tryAcquire("pos-1"))
	k.release("pos-1")
	assert.True(t, k.tryAcquire("pos-1"))
}

func TestKeyedLock_DistinctKeysDoNotContend(t *testing.T) {
	k := newKeyedLock()
	assert.True(t, k.tryAcquire("pos-1"))
	assert.True(t, k.tryAcquire("pos-2"))
}

func TestKeyedLock_ConcurrentAcquireOnlyOneWins(t *testing.T) {
	k := newKeyedLock()
	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if k.tryAcquire("shared") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
