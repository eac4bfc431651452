package keylock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("user-1")
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, 0, m.Len(), "entries released")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	a := m.Lock("a")
	b := m.Lock("b") // would deadlock if keys shared a mutex
	assert.Equal(t, 2, m.Len())
	a()
	b()
	assert.Equal(t, 0, m.Len())
}

func TestTryLock(t *testing.T) {
	m := New()
	unlock, ok := m.TryLock("k")
	assert.True(t, ok)

	_, ok = m.TryLock("k")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("k")
	assert.True(t, ok)
	unlock2()
}
