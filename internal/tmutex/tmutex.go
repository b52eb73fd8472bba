// Package tmutex provides a mutex with TryLock. Transport.Send uses
// TryLock to implement the nonblocking option: when a send would have to
// wait for another goroutine's in-flight transmit-window push, a
// nonblocking transport returns AGAIN instead of blocking.
package tmutex

import "sync/atomic"

// Mutex is a mutual-exclusion primitive that additionally supports TryLock.
type Mutex struct {
	v  int32
	ch chan struct{}
}

// Init prepares m for use. Must be called before Lock/TryLock/Unlock.
func (m *Mutex) Init() {
	m.v = 1
	m.ch = make(chan struct{}, 1)
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	for {
		if atomic.CompareAndSwapInt32(&m.v, 1, 0) {
			return
		}
		<-m.ch
	}
}

// TryLock acquires the mutex without blocking, reporting success.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapInt32(&m.v, 1, 0)
}

// Unlock releases the mutex, waking one waiter if any is parked in Lock.
func (m *Mutex) Unlock() {
	atomic.SwapInt32(&m.v, 1)
	select {
	case m.ch <- struct{}{}:
	default:
	}
}
