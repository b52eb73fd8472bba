package transport

import (
	"sync"

	"github.com/YaoZengzeng/pgm/pgmtime"
)

// tokenBucket rate-limits Send against txw_max_rte bytes/sec.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64 // bytes per microsecond
	capacity float64 // bytes
	tokens   float64
	last     pgmtime.Time
}

func newTokenBucket(bytesPerSec uint32, now pgmtime.Time) *tokenBucket {
	rate := float64(bytesPerSec) / 1e6
	capacity := float64(bytesPerSec) // one second's worth of burst
	return &tokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     now,
	}
}

// Allow reports whether n bytes may be sent now, consuming tokens if so.
func (b *tokenBucket) Allow(n int, now pgmtime.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now > b.last {
		elapsed := float64(now - b.last)
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Remaining returns how many microseconds must elapse before n bytes could
// be sent, without consuming tokens. Zero means a send would be admitted
// now.
func (b *tokenBucket) Remaining(n int, now pgmtime.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := b.tokens
	if now > b.last {
		tokens += float64(now-b.last) * b.rate
		if tokens > b.capacity {
			tokens = b.capacity
		}
	}
	if tokens >= float64(n) {
		return 0
	}
	return uint64((float64(n) - tokens) / b.rate)
}
