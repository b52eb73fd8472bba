// Package tsi implements the Transport Session Identifier: an immutable
// 10-byte tuple {gsi[8], sport} identifying a sender session, with equality
// and hashing over the full 10 bytes. The TSI is the demultiplexing key for
// every inbound packet: one peer per TSI.
package tsi

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/rs/xid"
)

// GSI is the 8-byte Global Source Identifier portion of a TSI. (PGM's wire
// GSI is 48 bits; it is carried here in an 8-byte field with the top two
// bytes reserved zero.)
type GSI [8]byte

// TSI is the immutable {GSI, source port} tuple that demultiplexes inbound
// packets to a Peer.
type TSI struct {
	GSI   GSI
	SPort uint16
}

// New builds a TSI from its two parts.
func New(gsi GSI, sport uint16) TSI {
	return TSI{GSI: gsi, SPort: sport}
}

// Equal reports whether two TSIs are identical over all 10 bytes.
func (t TSI) Equal(o TSI) bool {
	return t.GSI == o.GSI && t.SPort == o.SPort
}

// Hash returns a 64-bit hash over all 10 bytes, suitable for keying
// non-comparable maps or spreading peers across shards. TSI is already a
// valid Go map key on its own (it is comparable), so Hash exists only where
// an explicit hash is needed, e.g. external hash tables.
func (t TSI) Hash() uint64 {
	var buf [10]byte
	copy(buf[:8], t.GSI[:])
	binary.BigEndian.PutUint16(buf[8:], t.SPort)

	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// String renders the TSI in the conventional GSI.sport form for logging.
func (t TSI) String() string {
	return gsiString(t.GSI) + "." + portString(t.SPort)
}

func gsiString(g GSI) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 23)
	for i, b := range g {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	return string(buf)
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// NewGSIFromHost derives a GSI from the local host identity when no GSI is
// supplied by the caller. xid.New gives a globally-unique, roughly
// time-ordered 12-byte identifier (host+pid+counter derived), which is
// exactly the "unique enough, cheap, no coordination" property a session
// identity needs.
func NewGSIFromHost() GSI {
	id := xid.New()
	raw := id.Bytes() // 12 bytes: 4 timestamp, 3 machine, 2 pid, 3 counter
	var g GSI
	// Only the low six bytes are significant: the wire carries a 48-bit
	// GSI, and the top two bytes of the core's 8-byte field stay zero so
	// an identity survives the encode/decode round trip intact.
	copy(g[2:], raw[6:12])
	return g
}
