// Package wire provides byte-slice views over PGM's on-the-wire packet
// formats: a `type X []byte` with binary.BigEndian accessor methods
// directly over the backing array, no intermediate struct copy, for the
// common header plus its ODATA/RDATA/NAK/NCF/SPM bodies.
package wire

import (
	"encoding/binary"

	"github.com/YaoZengzeng/pgm/serial"
	"github.com/YaoZengzeng/pgm/tsi"
)

// Type distinguishes the type-specific body that follows the common header.
type Type uint8

const (
	TypeODATA Type = iota
	TypeRDATA
	TypeNAK
	TypeNCF
	TypeSPM
	TypeSPMR
)

// OptionsFlag bits live in the common header's Options byte.
type OptionsFlag uint8

const (
	// OptFragment marks that a FirstSqn/ApduLen fragment options block
	// follows a Data body.
	OptFragment OptionsFlag = 0x01
)

const (
	offSrcPort    = 0
	offDstPort    = 2
	offType       = 4
	offOptions    = 5
	offChecksum   = 6
	offGSI        = 8
	offTSDULength = 14

	// CommonHeaderSize is the fixed common-header length shared by every
	// PGM packet type.
	CommonHeaderSize = 16
)

// Header is the common PGM header, shared by every packet type.
type Header []byte

func (h Header) SourcePort() uint16      { return binary.BigEndian.Uint16(h[offSrcPort:]) }
func (h Header) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(h[offSrcPort:], p) }
func (h Header) DestPort() uint16        { return binary.BigEndian.Uint16(h[offDstPort:]) }
func (h Header) SetDestPort(p uint16)    { binary.BigEndian.PutUint16(h[offDstPort:], p) }
func (h Header) Type() Type              { return Type(h[offType]) }
func (h Header) SetType(t Type)          { h[offType] = byte(t) }
func (h Header) Options() OptionsFlag    { return OptionsFlag(h[offOptions]) }
func (h Header) SetOptions(o OptionsFlag) { h[offOptions] = byte(o) }
func (h Header) Checksum() uint16        { return binary.BigEndian.Uint16(h[offChecksum:]) }
func (h Header) SetChecksum(c uint16)    { binary.BigEndian.PutUint16(h[offChecksum:], c) }
func (h Header) TSDULength() uint16      { return binary.BigEndian.Uint16(h[offTSDULength:]) }
func (h Header) SetTSDULength(n uint16)  { binary.BigEndian.PutUint16(h[offTSDULength:], n) }

// GSI returns the 6-byte global source identifier embedded in the header.
// Combined with SourcePort this forms the packet's TSI.
func (h Header) GSI() (g [6]byte) {
	copy(g[:], h[offGSI:offGSI+6])
	return g
}

func (h Header) SetGSI(g [6]byte) {
	copy(h[offGSI:offGSI+6], g[:])
}

// TSI reassembles the full {gsi, source_port} identity from the header,
// zero-extending the wire's 6-byte GSI into tsi.GSI's 8-byte form.
func (h Header) TSI() tsi.TSI {
	var full tsi.GSI
	wire := h.GSI()
	copy(full[2:], wire[:])
	return tsi.New(full, h.SourcePort())
}

// Body returns the bytes following the common header.
func (h Header) Body() []byte {
	return h[CommonHeaderSize:]
}

const (
	offDataSqn      = 0
	offDataTrail    = 4
	offDataFirstSqn = 8
	offDataApduLen  = 12

	// DataHeaderSize is the fixed portion of an ODATA/RDATA body.
	DataHeaderSize = 8
	// DataFragmentExtra is appended when OptFragment is set.
	DataFragmentExtra = 8
)

// Data is the ODATA/RDATA body: sqn, trail, and (if OptFragment is set)
// first_sqn/apdu_len fragmentation options.
type Data []byte

func (d Data) Sqn() serial.Value     { return serial.Value(binary.BigEndian.Uint32(d[offDataSqn:])) }
func (d Data) SetSqn(s serial.Value) { binary.BigEndian.PutUint32(d[offDataSqn:], uint32(s)) }
func (d Data) Trail() serial.Value   { return serial.Value(binary.BigEndian.Uint32(d[offDataTrail:])) }
func (d Data) SetTrail(t serial.Value) {
	binary.BigEndian.PutUint32(d[offDataTrail:], uint32(t))
}
func (d Data) FirstSqn() serial.Value {
	return serial.Value(binary.BigEndian.Uint32(d[offDataFirstSqn:]))
}
func (d Data) SetFirstSqn(s serial.Value) {
	binary.BigEndian.PutUint32(d[offDataFirstSqn:], uint32(s))
}
func (d Data) ApduLen() uint32     { return binary.BigEndian.Uint32(d[offDataApduLen:]) }
func (d Data) SetApduLen(n uint32) { binary.BigEndian.PutUint32(d[offDataApduLen:], n) }

// Payload returns the TSDU bytes, after the fixed body and any fragment
// options; hasFragment must match the header's OptFragment bit.
func (d Data) Payload(hasFragment bool) []byte {
	if hasFragment {
		return d[DataHeaderSize+DataFragmentExtra:]
	}
	return d[DataHeaderSize:]
}

const (
	offSPMSqn   = 0
	offSPMTrail = 4
	offSPMLead  = 8

	// SPMHeaderSize is the fixed size of an SPM body.
	SPMHeaderSize = 12
)

// SPM is the source-path-message heartbeat body, advertising the sender's
// transmit-window trail and lead.
type SPM []byte

func (s SPM) Sqn() serial.Value   { return serial.Value(binary.BigEndian.Uint32(s[offSPMSqn:])) }
func (s SPM) Trail() serial.Value { return serial.Value(binary.BigEndian.Uint32(s[offSPMTrail:])) }
func (s SPM) Lead() serial.Value  { return serial.Value(binary.BigEndian.Uint32(s[offSPMLead:])) }

func (s SPM) SetSqn(v serial.Value)   { binary.BigEndian.PutUint32(s[offSPMSqn:], uint32(v)) }
func (s SPM) SetTrail(v serial.Value) { binary.BigEndian.PutUint32(s[offSPMTrail:], uint32(v)) }
func (s SPM) SetLead(v serial.Value)  { binary.BigEndian.PutUint32(s[offSPMLead:], uint32(v)) }

// NAKHeaderSize is the fixed size of a NAK/NCF body: the sequence number
// being negatively/positively acknowledged.
const NAKHeaderSize = 4

// NAK is a receiver's loss report for one sequence number.
type NAK []byte

func (n NAK) Sqn() serial.Value     { return serial.Value(binary.BigEndian.Uint32(n)) }
func (n NAK) SetSqn(s serial.Value) { binary.BigEndian.PutUint32(n, uint32(s)) }

// NCF is a source's confirmation of intent to repair a NAK'd sequence.
type NCF []byte

func (n NCF) Sqn() serial.Value     { return serial.Value(binary.BigEndian.Uint32(n)) }
func (n NCF) SetSqn(s serial.Value) { binary.BigEndian.PutUint32(n, uint32(s)) }
