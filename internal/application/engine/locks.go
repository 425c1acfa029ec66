package engine

import (
	"sync"

	"golang.org/x/time/rate"
)

// keyedMutex serializes work per contract id. Entries are dropped when the
// last holder unlocks, so the map only holds contracts being traded.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// userLimiter admits trades per user with a token bucket. A zero rate
// disables it.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (u *userLimiter) Allow(userID string) bool {
	if u.limit <= 0 {
		return true
	}
	u.mu.Lock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(u.limit, u.burst)
		u.limiters[userID] = l
	}
	u.mu.Unlock()
	return l.Allow()
}
