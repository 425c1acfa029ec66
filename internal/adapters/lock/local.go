// Package lock implements ports.Locker for the periodic sweeps.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/google/uuid"
)

type entry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker. Held keys expire after their TTL so a
// crashed holder never blocks the sweeps forever.
type Local struct {
	mu   sync.Mutex
	held map[string]entry
	now  func() time.Time
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]entry), now: time.Now}
}

// Acquire takes key for ttl without blocking. It returns domain.ErrLockHeld if
// the key is held and not yet expired. The returned release func is safe to
// call more than once and never releases a lock re-acquired by someone else.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = entry{token: token, expires: now.Add(ttl)}

	return releaseOnce(key, func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
		return nil
	}), nil
}
