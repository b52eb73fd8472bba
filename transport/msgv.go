package transport

import (
	"github.com/YaoZengzeng/pgm/serial"
	"github.com/YaoZengzeng/pgm/tsi"
)

// MsgV is one entry of a RecvMsgV batch: a whole APDU (its fragments in
// first_sqn..last_sqn order) or, when Gap is set, a loss indication for an
// APDU the peer's receive window declared unrecoverable. Gap entries are
// interleaved with data in sequence order so the application can detect
// loss even in non-reset scenarios.
type MsgV struct {
	TSI       tsi.TSI
	FirstSqn  serial.Value
	Fragments [][]byte
	Gap       bool
}

// Bytes returns the total payload length across the APDU's fragments.
func (m MsgV) Bytes() int {
	n := 0
	for _, f := range m.Fragments {
		n += len(f)
	}
	return n
}

// Payload flattens the APDU's fragments into one contiguous byte slice,
// copying only when the APDU actually spans more than one fragment.
func (m MsgV) Payload() []byte {
	if len(m.Fragments) == 1 {
		return m.Fragments[0]
	}
	out := make([]byte, 0, m.Bytes())
	for _, f := range m.Fragments {
		out = append(out, f...)
	}
	return out
}
