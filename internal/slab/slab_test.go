package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestByteSlabReusesBuffers(t *testing.T) {
	s := NewByteSlab(64, 2)
	a := s.Get()
	b := s.Get()
	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
	assert.Equal(t, 0, s.Free())

	s.Put(a)
	c := s.Get()
	assert.Equal(t, &a[0], &c[0], "the freed buffer should be handed out again")
}

func TestByteSlabGrowsWhenDry(t *testing.T) {
	s := NewByteSlab(16, 0)
	buf := s.Get()
	assert.Len(t, buf, 16)
	allocated, _ := s.Stats()
	assert.Equal(t, int64(1), allocated)
}

// TestByteSlabConservation checks that across any interleaving of Get/Put,
// allocated - freed always equals the number of buffers currently checked
// out.
func TestByteSlabConservation(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		prealloc := rapid.IntRange(0, 8).Draw(tt, "prealloc")
		s := NewByteSlab(32, prealloc)

		var held [][]byte
		ops := rapid.IntRange(0, 100).Draw(tt, "ops")
		for i := 0; i < ops; i++ {
			if len(held) > 0 && rapid.Bool().Draw(tt, "put") {
				s.Put(held[len(held)-1])
				held = held[:len(held)-1]
			} else {
				held = append(held, s.Get())
			}
		}

		// Every buffer ever allocated is either idle in the free-list or
		// held by the caller; nothing leaks and nothing is double-counted.
		allocated, _ := s.Stats()
		if allocated != int64(s.Free())+int64(len(held)) {
			tt.Fatalf("conservation violated: allocated=%d free=%d held=%d",
				allocated, s.Free(), len(held))
		}
	})
}

func TestPoolResetsRecycledValues(t *testing.T) {
	type widget struct{ n int }
	p := NewPool(func(w *widget) { *w = widget{} })

	w := p.Get()
	w.n = 42
	p.Put(w)

	reused := p.Get()
	assert.Zero(t, reused.n, "recycled values must be reinitialised")

	allocated, freed := p.Stats()
	assert.Equal(t, int64(1), allocated)
	assert.Equal(t, int64(1), freed)
}
