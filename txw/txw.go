// Package txw implements the transmit window: a bounded, sequence-indexed
// ring of outstanding data packets retained so any receiver's repair
// request can be answered from memory. Capacity is configuration-fixed, so
// the window is a flat ring rather than a growing list: slot index is
// sqn mod capacity, and a push onto a full window retires the trail first.
package txw

import (
	"github.com/charmbracelet/log"

	"github.com/YaoZengzeng/pgm/internal/metrics"
	"github.com/YaoZengzeng/pgm/internal/pgmerr"
	"github.com/YaoZengzeng/pgm/internal/skb"
	"github.com/YaoZengzeng/pgm/internal/slab"
	"github.com/YaoZengzeng/pgm/pgmtime"
	"github.com/YaoZengzeng/pgm/serial"
)

var logger = log.With("component", "txw")

// entry is one outstanding slot: the packet buffer plus its assigned
// sequence number and retransmission bookkeeping.
type entry struct {
	buf                *skb.Buffer
	length             int
	sqn                serial.Value
	expiry             pgmtime.Time
	lastRetransmitTime pgmtime.Time
	occupied           bool
}

// Config configures a Window. Exactly one of WindowSqns or
// (WindowSecs, MaxRateBytesPerSec) must yield a positive capacity.
type Config struct {
	MaxTPDU            int
	WindowSqns         uint32
	WindowSecs         uint32
	MaxRateBytesPerSec uint32
	PreallocateSize    uint32
}

// capacity resolves Config into a slot count.
func (c Config) capacity() (uint32, error) {
	if c.WindowSqns > 0 {
		return c.WindowSqns, nil
	}
	if c.WindowSecs > 0 && c.MaxRateBytesPerSec > 0 && c.MaxTPDU > 0 {
		return (c.WindowSecs * c.MaxRateBytesPerSec) / uint32(c.MaxTPDU), nil
	}
	return 0, pgmerr.ErrNoCapacityConfig
}

// Window is the transmit window. Entry structs live in-place inside ring,
// a preallocated slice: a slice of values already gives O(1) reuse of entry
// storage with no fragmentation, so only the payload byte buffers need
// their own slab.
type Window struct {
	ring     []entry
	capacity uint32
	trail    serial.Value
	lead     serial.Value
	maxTPDU  int
	dataSlab *slab.ByteSlab
}

// New allocates a transmit window per Config, preallocating PreallocateSize
// payload buffers into its slab.
func New(cfg Config) (*Window, error) {
	capacity, err := cfg.capacity()
	if err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, pgmerr.ErrNoCapacityConfig
	}

	w := &Window{
		ring:     make([]entry, capacity),
		capacity: capacity,
		maxTPDU:  cfg.MaxTPDU,
		dataSlab: slab.NewByteSlab(cfg.MaxTPDU, int(cfg.PreallocateSize)),
	}
	// Empty state: trail = lead + 1, with lead parked one short of zero so
	// the first push assigns sequence number 0.
	w.lead = ^serial.Value(0)
	w.trail = w.lead + 1

	logger.Debug("transmit window created", "capacity", capacity, "max_tpdu", cfg.MaxTPDU)
	return w, nil
}

func (w *Window) slot(sqn serial.Value) uint32 {
	return uint32(sqn) % w.capacity
}

// Capacity reports the configuration-fixed slot count.
func (w *Window) Capacity() uint32 {
	return w.capacity
}

// Empty reports whether the window currently holds no packets.
func (w *Window) Empty() bool {
	return w.trail == w.lead+1
}

// Size reports the number of packets currently held.
func (w *Window) Size() uint32 {
	if w.Empty() {
		return 0
	}
	return serial.Distance(w.trail, w.lead) + 1
}

// Lead returns the highest sequence number currently held.
func (w *Window) Lead() serial.Value {
	return w.lead
}

// Trail returns the lowest sequence number currently held.
func (w *Window) Trail() serial.Value {
	return w.trail
}

// NextLead reports the sequence number the next Push will assign, without
// mutating any state.
func (w *Window) NextLead() serial.Value {
	return w.lead + 1
}

// Push assigns the next sequence number to buf (length bytes of payload
// already inside it) and stores it. If the window is full, the oldest entry
// is retired first: pop-then-push. Window-full is not an error but a
// protocol event (lapping receivers); it is logged and force-advances the
// trail. Push only fails when length exceeds max_tpdu.
func (w *Window) Push(buf *skb.Buffer, length int) (serial.Value, error) {
	if length > w.maxTPDU {
		return 0, pgmerr.ErrTooLarge
	}

	if w.full() {
		logger.Warn("transmit window full, lapping receivers", "trail", w.trail, "lead", w.lead)
		metrics.TXWForcedAdvances.Inc()
		w.pop()
	}

	w.lead++
	idx := w.slot(w.lead)
	w.ring[idx] = entry{
		buf:      buf,
		length:   length,
		sqn:      w.lead,
		occupied: true,
	}
	buf.Sqn = w.lead

	metrics.TXWPushes.Inc()
	return w.lead, nil
}

// PushCopy copies the caller-owned bytes into a slab buffer and pushes it
// as a single-fragment APDU.
func (w *Window) PushCopy(data []byte) (serial.Value, error) {
	sqn, err := w.pushCopy(data)
	if err != nil {
		return 0, err
	}
	e := &w.ring[w.slot(sqn)]
	e.buf.FirstSqn = sqn
	e.buf.ApduLen = uint32(e.length)
	return sqn, nil
}

// PushCopyFragment is PushCopy for one fragment of a larger APDU, recording
// the fragment-group metadata so a later retransmission can re-encode the
// same options it was originally sent with.
func (w *Window) PushCopyFragment(data []byte, firstSqn serial.Value, apduLen uint32) (serial.Value, error) {
	sqn, err := w.pushCopy(data)
	if err != nil {
		return 0, err
	}
	e := &w.ring[w.slot(sqn)]
	e.buf.FirstSqn = firstSqn
	e.buf.ApduLen = apduLen
	return sqn, nil
}

func (w *Window) pushCopy(data []byte) (serial.Value, error) {
	if len(data) > w.maxTPDU {
		return 0, pgmerr.ErrTooLarge
	}
	copyBuf := w.dataSlab.Get()
	n := copy(copyBuf, data)
	buf := skb.New(copyBuf[:n], w.dataSlab.Put)
	return w.Push(buf, n)
}

func (w *Window) full() bool {
	return w.Size() == w.capacity
}

// Peek returns the stored bytes for sqn without removing it. It fails with
// ErrOutOfWindow if sqn does not lie in [trail, lead], including on an
// empty window.
func (w *Window) Peek(sqn serial.Value) ([]byte, error) {
	if w.Empty() || !serial.InRange(sqn, w.trail, w.lead) {
		return nil, pgmerr.ErrOutOfWindow
	}
	e := w.ring[w.slot(sqn)]
	if !e.occupied || e.sqn != sqn {
		return nil, pgmerr.ErrOutOfWindow
	}
	return e.buf.Data[:e.length], nil
}

// PeekEntry returns the stored buffer and payload length for sqn, for
// retransmission paths that need the fragment metadata alongside the bytes.
func (w *Window) PeekEntry(sqn serial.Value) (*skb.Buffer, int, error) {
	if w.Empty() || !serial.InRange(sqn, w.trail, w.lead) {
		return nil, 0, pgmerr.ErrOutOfWindow
	}
	e := &w.ring[w.slot(sqn)]
	if !e.occupied || e.sqn != sqn {
		return nil, 0, pgmerr.ErrOutOfWindow
	}
	return e.buf, e.length, nil
}

// pop retires the trail entry, returning its buffer to the slab and
// advancing trail. Internal only; callers never see an error for
// window-full.
func (w *Window) pop() {
	if w.Empty() {
		return
	}
	idx := w.slot(w.trail)
	e := w.ring[idx]
	if e.occupied && e.buf != nil {
		e.buf.Release()
	}
	w.ring[idx] = entry{}
	w.trail++
}
