package pgmtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitShutdownIdempotent(t *testing.T) {
	// Start from a known state regardless of test order.
	Shutdown()

	assert.True(t, Init(), "first init succeeds")
	assert.False(t, Init(), "second init is a no-op")
	assert.True(t, Shutdown(), "first shutdown succeeds")
	assert.False(t, Shutdown(), "second shutdown is a no-op")
	assert.True(t, Init(), "init after shutdown succeeds again")

	Shutdown()
}

func TestUpdateNowMonotonic(t *testing.T) {
	Shutdown()
	Init()
	defer Shutdown()

	var last Time
	for i := 0; i < 10; i++ {
		now := UpdateNow()
		assert.GreaterOrEqual(t, uint64(now), uint64(last))
		last = now
	}
}

func TestSleepElapsesAtLeastRequested(t *testing.T) {
	Shutdown()
	Init()
	defer Shutdown()

	start := UpdateNow()
	after := Sleep(1000) // 1ms
	assert.GreaterOrEqual(t, uint64(after), uint64(start)+1000)
}
