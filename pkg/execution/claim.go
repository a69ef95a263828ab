package execution

import (
	"sync"
	"sync/atomic"
)

// claimSet hands out one-shot cancel rights per order id. The reprice path,
// the timeout path and the sweeper all go through it, so exactly one of them
// cancels a given order.
type claimSet struct {
	mu sync.Mutex
	m  map[string]*claim
}

type claim struct {
	taken atomic.Bool
	done  chan struct{}
	once  sync.Once
}

func newClaimSet() *claimSet { return &claimSet{m: make(map[string]*claim)} }

func (s *claimSet) get(id string) *claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[id]
	if !ok {
		c = &claim{done: make(chan struct{})}
		s.m[id] = c
	}
	return c
}

// acquire returns true for the first caller only. Later callers receive the
// channel that closes when the winner calls release.
func (s *claimSet) acquire(id string) (bool, <-chan struct{}) {
	c := s.get(id)
	return c.taken.CompareAndSwap(false, true), c.done
}

func (s *claimSet) release(id string) {
	c := s.get(id)
	c.once.Do(func() { close(c.done) })
}

func (s *claimSet) claimed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[id]
	return ok && c.taken.Load()
}

func (s *claimSet) forget(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}
