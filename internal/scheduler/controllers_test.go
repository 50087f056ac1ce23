package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func chanClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestControllerSetSharedPerID(t *testing.T) {
	s := newControllerSet()

	a, releaseA := s.acquire("job-1")
	b, releaseB := s.acquire("job-1")
	defer releaseA()
	defer releaseB()

	assert.True(t, s.abort("job-1"))
	assert.True(t, chanClosed(a))
	assert.True(t, chanClosed(b), "duplicate acquires share one abort signal")
}

func TestControllerSetAbortMissing(t *testing.T) {
	s := newControllerSet()
	assert.False(t, s.abort("nope"))
}

func TestControllerSetAbortIdempotent(t *testing.T) {
	s := newControllerSet()
	ch, release := s.acquire("job-1")
	defer release()

	assert.True(t, s.abort("job-1"))
	assert.True(t, s.abort("job-1"), "second abort must not panic on the closed channel")
	assert.True(t, chanClosed(ch))
}

func TestControllerSetReleaseKeepsNewController(t *testing.T) {
	s := newControllerSet()

	_, staleRelease := s.acquire("job-1")
	staleRelease()

	fresh, freshRelease := s.acquire("job-1")
	defer freshRelease()

	// Releasing the stale controller again must not evict the fresh one.
	staleRelease()
	assert.True(t, s.abort("job-1"))
	assert.True(t, chanClosed(fresh))
}

func TestControllerSetSweepStale(t *testing.T) {
	s := newControllerSet()
	old, release := s.acquire("old")
	defer release()

	time.Sleep(20 * time.Millisecond)
	fresh, releaseNew := s.acquire("new")
	defer releaseNew()

	assert.Equal(t, 1, s.sweepStale(10*time.Millisecond))
	assert.True(t, chanClosed(old), "a swept controller signals any handler still parked on it")
	assert.False(t, chanClosed(fresh))
	assert.False(t, s.abort("old"))
	assert.True(t, s.abort("new"))
}
