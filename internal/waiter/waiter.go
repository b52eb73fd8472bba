// Package waiter implements the transport's readiness notification queue.
// Callers register an Entry for the events they care about (data readable,
// timer deadline due, peer reset) and get notified without the transport
// running any thread of its own.
package waiter

import (
	"sync"

	"github.com/YaoZengzeng/pgm/internal/ilist"
)

// EventMask mirrors the subset of poll() events a Transport can raise.
type EventMask uint16

const (
	// EventReadable fires when recvmsgv would return NORMAL: at least one
	// peer's RXW has a pending delivery.
	EventReadable EventMask = 0x01
	// EventTimer fires at the end of every Transport.TimerTick, the call
	// that services NAK/SPM/peer-expiry deadlines.
	EventTimer EventMask = 0x02
	// EventErr marks socket-level errors (pgmerr KindIO). Transport does not
	// raise it; its socket errors are returned from Send and RecvMsgV.
	EventErr EventMask = 0x04
	// EventReset fires when a peer reset is detected (recvmsgv RESET).
	EventReset EventMask = 0x08
)

// EntryCallback is invoked when a registered Entry's mask intersects the
// notified mask. Callbacks must do minimal work: the queue lock is held
// while they run.
type EntryCallback interface {
	Callback(e *Entry)
}

// Entry is a single registered waiter. It lives on at most one Queue at a
// time, linked intrusively with no extra allocation.
type Entry struct {
	Context  interface{}
	Callback EntryCallback

	mask EventMask
	ilist.Entry
}

type channelCallback struct{}

func (*channelCallback) Callback(e *Entry) {
	ch := e.Context.(chan struct{})
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry returns an Entry that does a non-blocking send on c (or a
// freshly allocated buffered channel if c is nil) when notified, the
// pattern a caller's event loop selects on alongside its other fds.
func NewChannelEntry(c chan struct{}) (Entry, chan struct{}) {
	if c == nil {
		c = make(chan struct{}, 1)
	}
	return Entry{Context: c, Callback: &channelCallback{}}, c
}

// Queue is the set of waiters registered against one Transport. The zero
// value is ready to use.
type Queue struct {
	list ilist.List
	mu   sync.RWMutex
}

// EventRegister adds e to the queue; e is notified whenever a Notify mask
// intersects its registered mask.
func (q *Queue) EventRegister(e *Entry, mask EventMask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.mask = mask
	q.list.PushBack(e)
}

// EventUnregister removes e from the queue.
func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Remove(e)
}

// Notify wakes every registered waiter whose mask intersects mask.
func (q *Queue) Notify(mask EventMask) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for it := q.list.Front(); it != nil; it = it.Next() {
		e := it.(*Entry)
		if e.mask&mask != 0 {
			e.Callback.Callback(e)
		}
	}
}
