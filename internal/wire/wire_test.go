package wire

import (
	"testing"

	"github.com/YaoZengzeng/pgm/serial"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, CommonHeaderSize+4)
	h := Header(buf)

	h.SetSourcePort(7500)
	h.SetDestPort(7501)
	h.SetType(TypeODATA)
	h.SetOptions(OptFragment)
	h.SetChecksum(0xbeef)
	h.SetTSDULength(4)
	gsi := [6]byte{1, 2, 3, 4, 5, 6}
	h.SetGSI(gsi)

	if got := h.SourcePort(); got != 7500 {
		t.Errorf("SourcePort() = %d, want 7500", got)
	}
	if got := h.DestPort(); got != 7501 {
		t.Errorf("DestPort() = %d, want 7501", got)
	}
	if got := h.Type(); got != TypeODATA {
		t.Errorf("Type() = %v, want %v", got, TypeODATA)
	}
	if got := h.Options(); got != OptFragment {
		t.Errorf("Options() = %v, want %v", got, OptFragment)
	}
	if got := h.Checksum(); got != 0xbeef {
		t.Errorf("Checksum() = %#x, want 0xbeef", got)
	}
	if got := h.TSDULength(); got != 4 {
		t.Errorf("TSDULength() = %d, want 4", got)
	}
	if got := h.GSI(); got != gsi {
		t.Errorf("GSI() = %v, want %v", got, gsi)
	}
	if got := h.TSI().SPort; got != 7500 {
		t.Errorf("TSI().SPort = %d, want 7500", got)
	}
}

func TestDataAccessors(t *testing.T) {
	buf := make([]byte, DataHeaderSize+DataFragmentExtra+3)
	d := Data(buf)
	d.SetSqn(serial.Value(10))
	d.SetTrail(serial.Value(2))
	d.SetFirstSqn(serial.Value(8))
	d.SetApduLen(11)
	copy(d.Payload(true), []byte("abc"))

	if got := d.Sqn(); got != 10 {
		t.Errorf("Sqn() = %d, want 10", got)
	}
	if got := d.Trail(); got != 2 {
		t.Errorf("Trail() = %d, want 2", got)
	}
	if got := d.FirstSqn(); got != 8 {
		t.Errorf("FirstSqn() = %d, want 8", got)
	}
	if got := d.ApduLen(); got != 11 {
		t.Errorf("ApduLen() = %d, want 11", got)
	}
	if got := string(d.Payload(true)); got != "abc" {
		t.Errorf("Payload(true) = %q, want %q", got, "abc")
	}
}

func TestDataPayloadWithoutFragment(t *testing.T) {
	buf := make([]byte, DataHeaderSize+3)
	d := Data(buf)
	copy(d.Payload(false), []byte("xyz"))
	if got := string(d.Payload(false)); got != "xyz" {
		t.Errorf("Payload(false) = %q, want %q", got, "xyz")
	}
}

func TestSPMAccessors(t *testing.T) {
	buf := make([]byte, SPMHeaderSize)
	s := SPM(buf)
	s.SetSqn(1)
	s.SetTrail(2)
	s.SetLead(3)
	if s.Sqn() != 1 || s.Trail() != 2 || s.Lead() != 3 {
		t.Errorf("SPM accessors = (%d,%d,%d), want (1,2,3)", s.Sqn(), s.Trail(), s.Lead())
	}
}

func TestNAKAndNCFAccessors(t *testing.T) {
	buf := make([]byte, NAKHeaderSize)
	n := NAK(buf)
	n.SetSqn(99)
	if n.Sqn() != 99 {
		t.Errorf("NAK.Sqn() = %d, want 99", n.Sqn())
	}

	ncf := NCF(buf)
	ncf.SetSqn(42)
	if ncf.Sqn() != 42 {
		t.Errorf("NCF.Sqn() = %d, want 42", ncf.Sqn())
	}
}
