// Package engine is the trading core: it validates requests, prices them with
// cpmm, matching and arbitrage on copies of the contract, and commits the
// result to the store under a per-contract lock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/ports"
	"github.com/google/uuid"
)

const (
	dust = 1e-9

	defaultSweepLockTTL = time.Minute

	expireLockKey     = "expire-limit-orders"
	graduationLockKey = "check-graduations"
)

// Config holds the engine tunables.
type Config struct {
	Graduation     domain.GraduationRules
	TradeRateLimit float64 // trades per second per user; 0 disables
	TradeBurst     int
	SweepLockTTL   time.Duration
}

// Engine runs every trade-class operation of the core.
type Engine struct {
	store   ports.Store
	locker  ports.Locker
	cfg     Config
	now     func() time.Time
	newID   func() string
	locks   *keyedMutex
	limiter *userLimiter
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Tests use it to drive expirations and the
// graduation timer.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces the uuid generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New creates an engine over store. locker guards the periodic sweeps.
func New(store ports.Store, locker ports.Locker, cfg Config, opts ...Option) *Engine {
	if cfg.Graduation.VolumeThreshold <= 0 {
		cfg.Graduation.VolumeThreshold = domain.DefaultGraduationVolumeThreshold
	}
	if cfg.Graduation.Timer <= 0 {
		cfg.Graduation.Timer = domain.DefaultGraduationTimer
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = defaultSweepLockTTL
	}
	e := &Engine{
		store:   store,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   newKeyedMutex(),
		limiter: newUserLimiter(cfg.TradeRateLimit, cfg.TradeBurst),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetContract returns a copy of the contract.
func (e *Engine) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	return e.store.GetContract(ctx, id)
}

// ListContracts returns the contracts in phase, or all of them if phase is empty.
func (e *Engine) ListContracts(ctx context.Context, phase domain.Phase) ([]*domain.Contract, error) {
	return e.store.ListContracts(ctx, phase)
}

// Balance returns the user's cash balance.
func (e *Engine) Balance(ctx context.Context, userID string) (float64, error) {
	u, err := e.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("engine.Balance: %w", err)
	}
	return u.Balance, nil
}

// Position returns the user's position on a contract or answer.
func (e *Engine) Position(ctx context.Context, userID, contractID, answerID string) (*domain.Metric, error) {
	return e.store.GetOrCreateMetric(ctx, userID, contractID, answerID)
}

// Bets returns every executed bet of a contract in insertion order.
func (e *Engine) Bets(ctx context.Context, contractID string) ([]*domain.Bet, error) {
	return e.store.GetBets(ctx, contractID)
}

// PriceHistory returns the persisted price series of a contract.
func (e *Engine) PriceHistory(ctx context.Context, contractID string) ([]domain.PricePoint, error) {
	return e.store.PriceHistory(ctx, contractID)
}

// admit applies the per-user rate limit.
func (e *Engine) admit(userID string) error {
	if !e.limiter.Allow(userID) {
		return fmt.Errorf("user %s: %w", userID, domain.ErrRateLimited)
	}
	return nil
}

// checkTarget validates that answerID addresses a pool of c: empty for
// binary contracts, an existing answer for multiple choice.
func checkTarget(c *domain.Contract, answerID string) error {
	switch {
	case c.IsBinary() && answerID != "":
		return fmt.Errorf("binary contract %s takes no answer: %w", c.ID, domain.ErrValidation)
	case c.IsMultipleChoice() && answerID == "":
		return fmt.Errorf("contract %s: answer required: %w", c.ID, domain.ErrValidation)
	case c.IsMultipleChoice():
		_, err := c.Answer(answerID)
		return err
	}
	return nil
}

// poolOf returns the pool and weight behind answerID.
func poolOf(c *domain.Contract, answerID string) (domain.Pool, float64) {
	if c.IsMultipleChoice() {
		if a, err := c.Answer(answerID); err == nil {
			return a.Pool, a.P
		}
	}
	return c.Pool, c.P
}

// probOf returns the current YES probability behind answerID.
func probOf(c *domain.Contract, answerID string) float64 {
	pool, p := poolOf(c, answerID)
	return cpmm.Probability(pool, p)
}

func validAmount(x float64) bool {
	return x > 0 && !math.IsNaN(x) && !math.IsInf(x, 0)
}

func logTrade(msg string, c *domain.Contract, userID, answerID string, args ...any) {
	base := []any{"contract", c.ID, "user", userID}
	if answerID != "" {
		base = append(base, "answer", answerID)
	}
	slog.Info(msg, append(base, args...)...)
}
