package pkg

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedBusy(t *testing.T) {
	k := NewKeyedBusy()

	assert.True(t, k.TryLock("r1"))
	assert.False(t, k.TryLock("r1"))
	assert.True(t, k.TryLock("r2"), "keys are independent")

	k.Unlock("r1")
	assert.True(t, k.TryLock("r1"))
}

func TestKeyedBusyConcurrent(t *testing.T) {
	k := NewKeyedBusy()
	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if k.TryLock("same") {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}
