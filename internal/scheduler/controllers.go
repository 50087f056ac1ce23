package scheduler

import (
	"sync"
	"time"
)

// controller is one job's abort signal. The channel closes at most once.
type controller struct {
	ch      chan struct{}
	once    sync.Once
	created time.Time
}

func (c *controller) abort() {
	c.once.Do(func() { close(c.ch) })
}

// controllerSet tracks abort controllers for in-flight jobs, keyed by the
// job's effective id so duplicate schedules share one controller.
type controllerSet struct {
	mu   sync.Mutex
	byID map[string]*controller
}

func newControllerSet() *controllerSet {
	return &controllerSet{byID: make(map[string]*controller)}
}

// acquire returns the abort channel for id, creating the controller on first
// use, plus a release func the worker defers.
func (s *controllerSet) acquire(id string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		c = &controller{ch: make(chan struct{}), created: time.Now()}
		s.byID[id] = c
	}
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.byID[id] == c {
			delete(s.byID, id)
		}
	}
	return c.ch, release
}

// abort signals the job's controller. Returns false when the job is not
// in flight.
func (s *controllerSet) abort(id string) bool {
	s.mu.Lock()
	c, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.abort()
	return true
}

// sweepStale aborts and drops controllers older than maxAge. Workers release
// controllers on completion; the sweep reclaims entries leaked by crashed
// goroutines, and the abort unblocks any handler still parked on the channel.
func (s *controllerSet) sweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, c := range s.byID {
		if c.created.Before(cutoff) {
			c.abort()
			delete(s.byID, id)
			n++
		}
	}
	return n
}
