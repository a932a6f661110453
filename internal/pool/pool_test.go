package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New("link", 2)
	var current, max int32

	run := func() {
		require.NoError(t, p.Acquire(context.Background()))
		defer p.Release()
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			run()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&max)), 2)
}

func TestUnlimitedPoolNeverBlocks(t *testing.T) {
	p := New("scratch", Unlimited)
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Acquire(context.Background()))
	}
}

func TestRegistryAcquireAllSortedOrder(t *testing.T) {
	r := NewRegistry(map[string]int{"b": 1, "a": 1})
	acquired, err := r.AcquireAll(context.Background(), []string{"b", "a"})
	require.NoError(t, err)
	require.Len(t, acquired, 2)
	assert.Equal(t, "a", acquired[0].Name())
	assert.Equal(t, "b", acquired[1].Name())
	ReleaseAll(acquired)
}

func TestRegistryUnknownPoolDefaultsUnlimited(t *testing.T) {
	r := NewRegistry(nil)
	p := r.Get("mystery")
	assert.Equal(t, "mystery", p.Name())
	require.NoError(t, p.Acquire(context.Background()))
}
