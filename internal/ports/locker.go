package ports

import (
	"context"
	"time"
)

// Locker da exclusión mutua entre procesos para los sweeps periódicos.
type Locker interface {
	// Acquire intenta tomar key durante ttl sin bloquear. Devuelve
	// domain.ErrLockHeld si otro proceso lo tiene. release es idempotente.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
