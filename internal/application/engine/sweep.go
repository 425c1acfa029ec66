package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
)

// ExpireLimitOrders cancels every open order whose expiry has passed and
// refunds its unfilled remainder. Running it twice refunds nothing more. If
// another sweep holds the lock the call is a no-op.
func (e *Engine) ExpireLimitOrders(ctx context.Context) (domain.ExpireResult, error) {
	release, err := e.locker.Acquire(ctx, expireLockKey, e.cfg.SweepLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		slog.Debug("engine: expire sweep already running")
		return domain.ExpireResult{}, nil
	}
	if err != nil {
		return domain.ExpireResult{}, fmt.Errorf("engine.ExpireLimitOrders: lock: %w", err)
	}
	defer release()

	open, err := e.store.ListOpenLimitOrders(ctx)
	if err != nil {
		return domain.ExpireResult{}, fmt.Errorf("engine.ExpireLimitOrders: %w", err)
	}

	now := e.now()
	var contracts []string
	byContract := make(map[string][]string)
	for _, o := range open {
		if !o.Expired(now) {
			continue
		}
		if _, ok := byContract[o.ContractID]; !ok {
			contracts = append(contracts, o.ContractID)
		}
		byContract[o.ContractID] = append(byContract[o.ContractID], o.ID)
	}

	var res domain.ExpireResult
	for _, contractID := range contracts {
		e.expireOrders(ctx, contractID, byContract[contractID], now, &res)
	}
	if res.ExpiredCount > 0 {
		slog.Info("engine: limit orders expired", "count", res.ExpiredCount, "refunded", res.TotalRefunded)
	}
	return res, nil
}

func (e *Engine) expireOrders(ctx context.Context, contractID string, ids []string, now time.Time, res *domain.ExpireResult) {
	unlock := e.locks.Lock(contractID)
	defer unlock()

	for _, id := range ids {
		o, err := e.store.FindLimitOrder(ctx, id)
		if err != nil {
			slog.Warn("engine: expire: order lookup failed", "order", id, "err", err)
			continue
		}
		if !o.IsOpen() || !o.Expired(now) {
			continue
		}
		refund, err := o.Cancel()
		if err != nil {
			slog.Warn("engine: expire: cancel failed", "order", id, "err", err)
			continue
		}
		if err := e.store.SaveLimitOrder(ctx, o); err != nil {
			slog.Warn("engine: expire: save failed", "order", id, "err", err)
			continue
		}
		if refund > 0 {
			if _, err := e.store.UpdateUserBalance(ctx, o.UserID, refund); err != nil {
				slog.Error("engine: expire: refund failed", "order", id, "user", o.UserID, "refund", refund, "err", err)
				continue
			}
		}
		res.ExpiredCount++
		res.TotalRefunded += refund
		res.Expired = append(res.Expired, o)
		slog.Debug("engine: limit order expired", "order", id, "user", o.UserID, "refund", refund)
	}
}

// CheckAllGraduations moves every graduating contract whose timer has run out
// to main and returns their ids. If another sweep holds the lock the call is
// a no-op.
func (e *Engine) CheckAllGraduations(ctx context.Context) ([]string, error) {
	release, err := e.locker.Acquire(ctx, graduationLockKey, e.cfg.SweepLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		slog.Debug("engine: graduation sweep already running")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine.CheckAllGraduations: lock: %w", err)
	}
	defer release()

	graduating, err := e.store.ListContracts(ctx, domain.PhaseGraduating)
	if err != nil {
		return nil, fmt.Errorf("engine.CheckAllGraduations: %w", err)
	}

	var graduated []string
	for _, c := range graduating {
		ok, err := e.graduate(ctx, c.ID)
		if err != nil {
			slog.Warn("engine: graduation check failed", "contract", c.ID, "err", err)
			continue
		}
		if ok {
			graduated = append(graduated, c.ID)
		}
	}
	return graduated, nil
}

func (e *Engine) graduate(ctx context.Context, contractID string) (bool, error) {
	unlock := e.locks.Lock(contractID)
	defer unlock()

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return false, err
	}
	if !c.AdvancePhase(e.now().UTC(), e.cfg.Graduation) || c.Phase != domain.PhaseMain {
		return false, nil
	}
	if err := e.store.SaveContract(ctx, c); err != nil {
		return false, err
	}
	slog.Info("engine: contract graduated", "contract", c.ID, "volume", c.Volume)
	return true, nil
}

// Sweep runs both periodic sweeps once.
func (e *Engine) Sweep(ctx context.Context) (domain.SweepReport, error) {
	report := domain.SweepReport{At: e.now().UTC()}
	expired, err := e.ExpireLimitOrders(ctx)
	if err != nil {
		return report, err
	}
	report.Expire = expired
	graduated, err := e.CheckAllGraduations(ctx)
	if err != nil {
		return report, err
	}
	report.Graduated = graduated
	return report, nil
}
