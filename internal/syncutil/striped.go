package syncutil

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 256

// keySep separates composite key parts so ("ab","c") and ("a","bc") land on
// different hashes.
const keySep = 0x1f

// Striped is a fixed pool of mutexes addressed by composite string keys.
// Memory stays bounded however many keys are seen; unrelated keys may
// occasionally share a stripe.
type Striped struct {
	stripes []sync.Mutex
}

// NewStriped returns a lock pool with n stripes (256 when n <= 0).
func NewStriped(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for the key formed by parts and returns the
// matching unlock function.
func (s *Striped) Lock(parts ...string) func() {
	mu := &s.stripes[s.index(parts)]
	mu.Lock()
	return mu.Unlock
}

func (s *Striped) index(parts []string) uint32 {
	h := fnv.New32a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{keySep})
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum32() % uint32(len(s.stripes))
}
