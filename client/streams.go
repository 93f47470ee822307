package client

import (
	"math/bits"
	"sync"
)

// streamAllocator hands out stream ids 0..max-1. An id is reused only after
// it has been freed.
type streamAllocator struct {
	mu     sync.Mutex
	words  []uint64
	max    int
	inUse  int
	offset int
}

func newStreamAllocator(max int) *streamAllocator {
	return &streamAllocator{
		words: make([]uint64, (max+63)/64),
		max:   max,
	}
}

// alloc reserves a free id. ok is false when every id is in flight.
func (s *streamAllocator) alloc() (id int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse == s.max {
		return 0, false
	}
	// Scan from the last allocation so ids rotate instead of hammering 0.
	n := len(s.words)
	for i := 0; i < n; i++ {
		w := (s.offset + i) % n
		free := ^s.words[w]
		if w == n-1 && s.max%64 != 0 {
			free &= (1 << uint(s.max%64)) - 1
		}
		if free == 0 {
			continue
		}
		bit := bits.TrailingZeros64(free)
		s.words[w] |= 1 << uint(bit)
		s.inUse++
		s.offset = w
		return w*64 + bit, true
	}
	return 0, false
}

// free returns id to the pool. Freeing an id that is not in use is a no-op.
func (s *streamAllocator) free(id int) {
	if id < 0 || id >= s.max {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, mask := id/64, uint64(1)<<uint(id%64)
	if s.words[w]&mask == 0 {
		return
	}
	s.words[w] &^= mask
	s.inUse--
}

func (s *streamAllocator) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *streamAllocator) capacity() int { return s.max }
