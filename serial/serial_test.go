package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestLessThanBasics(t *testing.T) {
	assert.True(t, LessThan(0, 1))
	assert.True(t, LessThanOrEqual(5, 5))
	assert.True(t, LessThan(0, halfSpace-1))
}

func TestLessThanWraparound(t *testing.T) {
	var a Value = 0xFFFFFFFF
	assert.True(t, LessThan(a, 0))
	assert.False(t, LessThan(0, a))
}

func TestInRangeEmptyWindow(t *testing.T) {
	assert.False(t, InRange(5, 10, 9))
}

func TestInRangeWraparound(t *testing.T) {
	lo := Value(0xFFFFFFF0)
	hi := Value(5)
	assert.True(t, InRange(0xFFFFFFFF, lo, hi))
	assert.True(t, InRange(3, lo, hi))
	assert.False(t, InRange(6, lo, hi))
}

// TestSerialPropertiesHold exercises the ordering identities that must
// hold for every 32-bit value, wraparound included.
func TestSerialPropertiesHold(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		a := Value(rapid.Uint32().Draw(tt, "a"))

		if !LessThan(a, a+1) {
			tt.Fatalf("lt(a, a+1) must hold for a=%d", a)
		}
		if !LessThanOrEqual(a, a) {
			tt.Fatalf("lte(a, a) must hold for a=%d", a)
		}
		if !LessThan(a, a+halfSpace-1) {
			tt.Fatalf("lt(a, a+2^31-1) must hold for a=%d", a)
		}
	})
}

func TestDistanceAndAdd(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		a := Value(rapid.Uint32().Draw(tt, "a"))
		n := rapid.Uint32Range(0, halfSpace-1).Draw(tt, "n")

		b := Add(a, n)
		if Distance(a, b) != n {
			tt.Fatalf("Distance(a, Add(a, n)) = %d, want %d", Distance(a, b), n)
		}
		if n > 0 && !LessThan(a, b) {
			tt.Fatalf("Add(a, n) for n=%d should be greater than a", n)
		}
	})
}
