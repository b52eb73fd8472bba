package txw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
	"github.com/YaoZengzeng/pgm/serial"
)

func newTestWindow(t *testing.T, capacity uint32) *Window {
	t.Helper()
	w, err := New(Config{MaxTPDU: 1500, WindowSqns: capacity, PreallocateSize: capacity})
	require.NoError(t, err)
	return w
}

func payload(n byte) []byte {
	return []byte{n, n, n}
}

// Basic push/peek.
func TestBasicPushPeek(t *testing.T) {
	w := newTestWindow(t, 32)

	for i := byte(0); i < 10; i++ {
		sqn, err := w.PushCopy(payload(i))
		require.NoError(t, err)
		assert.Equal(t, serial.Value(i), sqn)
	}

	assert.Equal(t, serial.Value(0), w.Trail())
	assert.Equal(t, serial.Value(9), w.Lead())

	got, err := w.Peek(5)
	require.NoError(t, err)
	assert.Equal(t, payload(5), got)
}

// Wrap & overwrite.
func TestWrapAndOverwrite(t *testing.T) {
	w := newTestWindow(t, 4)

	for i := byte(0); i < 6; i++ {
		_, err := w.PushCopy(payload(i))
		require.NoError(t, err)
	}

	assert.Equal(t, serial.Value(2), w.Trail())
	assert.Equal(t, serial.Value(5), w.Lead())

	_, err := w.Peek(1)
	assert.ErrorIs(t, err, pgmerr.ErrOutOfWindow)

	got, err := w.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, payload(2), got)
}

// Sequence-number wrap.
func TestSequenceNumberWrap(t *testing.T) {
	w := newTestWindow(t, 16)
	w.lead = serial.Value(1<<32 - 2)
	w.trail = w.lead + 1

	sqn1, err := w.PushCopy(payload(1))
	require.NoError(t, err)
	assert.Equal(t, serial.Value(1<<32-1), sqn1)

	sqn2, err := w.PushCopy(payload(2))
	require.NoError(t, err)
	assert.Equal(t, serial.Value(0), sqn2)

	got1, err := w.Peek(sqn1)
	require.NoError(t, err)
	assert.Equal(t, payload(1), got1)

	got2, err := w.Peek(sqn2)
	require.NoError(t, err)
	assert.Equal(t, payload(2), got2)
}

func TestPeekOnEmptyWindowFails(t *testing.T) {
	w := newTestWindow(t, 8)
	_, err := w.Peek(0)
	assert.ErrorIs(t, err, pgmerr.ErrOutOfWindow)
}

func TestPushRejectsOversizedPayload(t *testing.T) {
	w := newTestWindow(t, 8)
	_, err := w.PushCopy(make([]byte, 1501))
	assert.ErrorIs(t, err, pgmerr.ErrTooLarge)
}

func TestFragmentMetadataSurvivesForRetransmit(t *testing.T) {
	w := newTestWindow(t, 8)

	first := w.NextLead()
	sqn0, err := w.PushCopyFragment([]byte("aaaa"), first, 8)
	require.NoError(t, err)
	sqn1, err := w.PushCopyFragment([]byte("bbbb"), first, 8)
	require.NoError(t, err)

	buf, length, err := w.PeekEntry(sqn1)
	require.NoError(t, err)
	assert.Equal(t, 4, length)
	assert.Equal(t, first, buf.FirstSqn)
	assert.Equal(t, uint32(8), buf.ApduLen)
	assert.Equal(t, sqn0, first)

	_, _, err = w.PeekEntry(sqn1 + 1)
	assert.ErrorIs(t, err, pgmerr.ErrOutOfWindow)
}

// TestDensityAndBoundInvariants checks, across random push sequences, that
// every sqn in [trail, lead] peeks successfully and that size never
// exceeds capacity.
func TestDensityAndBoundInvariants(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		capacity := uint32(rapid.IntRange(1, 64).Draw(tt, "capacity"))
		w, err := New(Config{MaxTPDU: 64, WindowSqns: capacity, PreallocateSize: capacity})
		require.NoError(tt, err)

		pushes := rapid.IntRange(0, 200).Draw(tt, "pushes")
		for i := 0; i < pushes; i++ {
			_, err := w.PushCopy([]byte{byte(i)})
			require.NoError(tt, err)
		}

		if w.Size() > w.capacity {
			tt.Fatalf("size %d exceeds capacity %d", w.Size(), w.capacity)
		}

		if !w.Empty() {
			for s := w.Trail(); ; s++ {
				got, err := w.Peek(s)
				if err != nil {
					tt.Fatalf("peek(%d) failed inside [trail,lead]: %v", s, err)
				}
				if len(got) == 0 {
					tt.Fatalf("peek(%d) returned empty payload", s)
				}
				if s == w.Lead() {
					break
				}
			}
		}
	})
}
