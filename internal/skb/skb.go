// Package skb implements the owned, reference-counted packet buffer that
// flows between the wire codec and the windows: one parsed wire packet
// carrying its sequencing and fragment metadata.
package skb

import (
	"sync/atomic"

	"github.com/YaoZengzeng/pgm/serial"
)

// Buffer is an owned, reference-counted packet buffer. It is produced with
// refcount 1 by the allocator, handed to a window (which holds one
// reference), and freed via Release when the count drops to zero.
type Buffer struct {
	refCnt int32

	// Data is the raw wire bytes (header + payload), as delivered by the
	// socket or assembled for send.
	Data []byte

	// PayloadOffset is the byte offset within Data where the TSDU payload
	// begins, after the common PGM header and any options.
	PayloadOffset int

	// Sqn is the sequence number assigned to (or parsed from) this packet.
	Sqn serial.Value

	// TSI identifies the source session this packet belongs to.
	TSI [10]byte

	// FirstSqn and ApduLen carry the fragmentation options for multi-part
	// APDUs; FirstSqn == Sqn and ApduLen == len(payload) for a
	// single-fragment APDU.
	FirstSqn serial.Value
	ApduLen  uint32

	// Timestamp is the µs pgmtime.Time this packet was sent or received.
	Timestamp uint64

	// release, when set, returns the underlying Data buffer to its owning
	// slab; nil for buffers not backed by a slab (e.g. test fixtures).
	release func([]byte)
}

// New wraps raw bytes into a fresh Buffer with refcount 1.
func New(data []byte, release func([]byte)) *Buffer {
	return &Buffer{refCnt: 1, Data: data, release: release}
}

// Payload returns the TSDU bytes after PayloadOffset.
func (b *Buffer) Payload() []byte {
	return b.Data[b.PayloadOffset:]
}

// Retain adds a reference, e.g. when the reassembly list keeps a buffer that
// is also still indexed by the window ring.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refCnt, 1)
	return b
}

// Release drops a reference. When the count reaches zero the backing buffer
// is returned to its slab (if any); further use of b after the final
// Release is a use-after-free bug in the caller.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refCnt, -1) == 0 {
		if b.release != nil {
			b.release(b.Data)
			b.release = nil
		}
		b.Data = nil
	}
}

// RefCount reports the current reference count, for tests and diagnostics
// only.
func (b *Buffer) RefCount() int32 {
	return atomic.LoadInt32(&b.refCnt)
}

// IsFragment reports whether this buffer is part of a multi-fragment APDU.
func (b *Buffer) IsFragment() bool {
	return b.ApduLen > uint32(len(b.Data)-b.PayloadOffset)
}
