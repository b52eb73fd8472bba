// Package pgmtime provides the process-wide monotonic time source the
// windows and transport consume: a cheap, refreshable "now" in microseconds
// with an explicit, idempotent init/shutdown lifecycle.
package pgmtime

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var logger = log.With("component", "pgmtime")

// Time is a monotonic microsecond timestamp.
type Time uint64

var (
	mu          sync.Mutex
	initialised bool
	start       time.Time
	cached      Time
)

// Init brings the time source up. It is idempotent: a second call with no
// intervening Shutdown returns false and performs no side effect; a third
// call after a Shutdown succeeds again.
func Init() bool {
	mu.Lock()
	defer mu.Unlock()

	if initialised {
		return false
	}
	initialised = true
	start = time.Now()
	cached = 0
	logger.Debug("time source initialised")
	return true
}

// Shutdown tears the time source down. Idempotent like Init.
func Shutdown() bool {
	mu.Lock()
	defer mu.Unlock()

	if !initialised {
		return false
	}
	initialised = false
	logger.Debug("time source shut down")
	return true
}

// Supported reports whether the time source is currently initialised.
func Supported() bool {
	mu.Lock()
	defer mu.Unlock()
	return initialised
}

// UpdateNow refreshes the cached "now" and returns it. Callers should call
// this once per event dispatch rather than once per comparison.
func UpdateNow() Time {
	mu.Lock()
	defer mu.Unlock()
	return updateNowLocked()
}

func updateNowLocked() Time {
	elapsed := time.Since(start)
	t := Time(elapsed.Microseconds())
	if t < cached {
		// monotonic clocks never regress under time.Since, but guard anyway
		t = cached
	}
	cached = t
	return t
}

// Now returns the last cached value without refreshing it.
func Now() Time {
	mu.Lock()
	defer mu.Unlock()
	return cached
}

// Sleep blocks for at least usec microseconds and returns the time
// afterwards.
func Sleep(usec uint64) Time {
	time.Sleep(time.Duration(usec) * time.Microsecond)
	return UpdateNow()
}

// SinceEpoch converts a pgm time reading to a wallclock time, for
// human-facing timestamps only.
func SinceEpoch(t Time) time.Time {
	mu.Lock()
	s := start
	mu.Unlock()
	return s.Add(time.Duration(t) * time.Microsecond)
}
