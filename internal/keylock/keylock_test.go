package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var inside int32
	var maxInside int32

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			unlock := m.Lock("item-1/M")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxInside)
	require.Equal(t, 0, m.Len())
}

func TestLockDistinctKeysDoNotContend(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	wg.Wait()
}
