package engine

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/common/apperr"
)

// LockRegistry serializes request processing per session. Exactly one
// holder exists per session id at any instant; entries are reference
// counted and reclaimed once the last waiter releases.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session lock is held or ctx is done. The
// returned release function must be called exactly once; it is safe to
// defer. The registry mutex is never held while waiting.
func (r *LockRegistry) Acquire(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: make(chan struct{}, 1)}
		r.locks[sessionID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		r.put(sessionID, lock)
		return nil, apperr.Cancelled("cancelled while waiting for session %s", sessionID)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-lock.sem
			r.put(sessionID, lock)
		})
	}
	return release, nil
}

func (r *LockRegistry) put(sessionID string, lock *sessionLock) {
	r.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, sessionID)
	}
	r.mu.Unlock()
}

// Len reports the number of live entries. Intended for tests and metrics.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
