package domain

import "errors"

// Errores de negocio devueltos por el core. Se envuelven con contexto usando
// fmt.Errorf("...: %w", err) y se comparan con errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrNotFound            = errors.New("not found")
	ErrMarketResolved      = errors.New("market resolved")
	ErrPoolDrain           = errors.New("sale would drain pool")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyFilled       = errors.New("order already filled")
	ErrAlreadyCancelled    = errors.New("order already cancelled")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// Violaciones de invariantes internas: nunca son culpa del usuario y abortan
// la operación antes de persistir nada.
var (
	ErrInternal       = errors.New("internal invariant violated")
	ErrSolverDiverged = errors.New("arbitrage solver did not converge")
)
