package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
)

// LimitOrder rests Amount on Outcome until the price reaches LimitProb.
type LimitOrder struct {
	ContractID string
	UserID     string
	AnswerID   string
	Outcome    domain.Outcome
	Amount     float64
	LimitProb  float64
	ExpiresAt  *time.Time
}

// LimitOrderResult describes a placed order. A crossed order fills at once
// and RemainingAmount is zero; otherwise the whole amount rests.
type LimitOrderResult struct {
	Order           *domain.Bet
	Fills           []domain.Fill
	RemainingAmount float64
}

// CancelResult is the refund of a cancelled order.
type CancelResult struct {
	OrderID string
	Refund  float64
}

// PlaceLimitOrder places a limit order. If the current price already
// satisfies the limit (YES: prob <= limit, NO: prob >= limit) the order is
// filled in full through the market order path. Otherwise the amount is
// reserved from the balance and the order rests in the book.
func (e *Engine) PlaceLimitOrder(ctx context.Context, req LimitOrder) (LimitOrderResult, error) {
	if req.UserID == "" || !req.Outcome.Valid() || !validAmount(req.Amount) {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: user %q outcome %q amount %v: %w",
			req.UserID, req.Outcome, req.Amount, domain.ErrValidation)
	}
	if req.LimitProb <= 0 || req.LimitProb >= 1 {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: limit %v outside (0,1): %w",
			req.LimitProb, domain.ErrValidation)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(e.now()) {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: expiry %s in the past: %w",
			req.ExpiresAt.Format(time.RFC3339), domain.ErrValidation)
	}
	if err := e.admit(req.UserID); err != nil {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: %w", err)
	}

	unlock := e.locks.Lock(req.ContractID)
	defer unlock()

	t, err := e.openForTrade(ctx, req.ContractID, req.AnswerID, req.UserID, req.Amount)
	if err != nil {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: %w", err)
	}

	prob := probOf(t.contract, req.AnswerID)
	limit := req.LimitProb
	order := &domain.Bet{
		ID:          e.newID(),
		ContractID:  req.ContractID,
		UserID:      req.UserID,
		AnswerID:    req.AnswerID,
		Outcome:     req.Outcome,
		ProbBefore:  prob,
		ProbAfter:   prob,
		LimitProb:   &limit,
		OrderAmount: req.Amount,
		CreatedTime: t.now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		order.ExpiresAt = &exp
	}

	if !order.Crossed(prob) {
		t.addOrder(order)
		t.debit(req.UserID, req.Amount)
		if err := t.commit(); err != nil {
			return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: %w", err)
		}
		logTrade("engine: limit order resting", t.contract, req.UserID, req.AnswerID,
			"order", order.ID, "outcome", req.Outcome, "amount", req.Amount, "limit", limit, "prob", prob)
		return LimitOrderResult{Order: order, RemainingAmount: req.Amount}, nil
	}

	p, err := t.buy(req.UserID, req.AnswerID, req.Outcome, req.Amount, order.ID, "")
	if err != nil {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: %w", err)
	}
	order.Amount = req.Amount
	order.Shares = p.Shares
	order.ProbAfter = p.ProbAfter
	order.Fills = p.Fills
	order.IsFilled = true
	t.addOrder(order)
	t.bets = append([]*domain.Bet{order.Clone()}, t.bets...)
	t.debit(req.UserID, req.Amount)

	if err := t.commit(); err != nil {
		return LimitOrderResult{}, fmt.Errorf("engine.PlaceLimitOrder: %w", err)
	}
	logTrade("engine: limit order filled on placement", t.contract, req.UserID, req.AnswerID,
		"order", order.ID, "outcome", req.Outcome, "amount", req.Amount, "limit", limit,
		"shares", p.Shares, "prob_after", p.ProbAfter)

	e.checkAndFillLimitOrders(ctx, req.ContractID)
	return LimitOrderResult{Order: order, Fills: order.Fills}, nil
}

// CancelOrder cancels an open order of userID and refunds its unfilled remainder.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (CancelResult, error) {
	o, err := e.store.FindLimitOrder(ctx, orderID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("engine.CancelOrder: %w", err)
	}
	if o.UserID != userID {
		return CancelResult{}, fmt.Errorf("engine.CancelOrder: order %s: %w", orderID, domain.ErrUnauthorized)
	}

	unlock := e.locks.Lock(o.ContractID)
	defer unlock()

	// a fill may have landed between the lookup and the lock
	o, err = e.store.FindLimitOrder(ctx, orderID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("engine.CancelOrder: %w", err)
	}
	refund, err := o.Cancel()
	if err != nil {
		return CancelResult{}, fmt.Errorf("engine.CancelOrder: %w", err)
	}
	if err := e.store.SaveLimitOrder(ctx, o); err != nil {
		return CancelResult{}, fmt.Errorf("engine.CancelOrder: save: %w", err)
	}
	if refund > 0 {
		if _, err := e.store.UpdateUserBalance(ctx, userID, refund); err != nil {
			return CancelResult{}, fmt.Errorf("engine.CancelOrder: refund: %w", err)
		}
	}
	slog.Info("engine: limit order cancelled", "order", orderID, "user", userID, "refund", refund)
	return CancelResult{OrderID: orderID, Refund: refund}, nil
}

// checkAndFillLimitOrders fills, in creation order, every open order whose
// limit the current price crosses. The price is recomputed after each fill.
// Orders are filled for their whole remainder with the cash reserved at
// placement. Callers hold the contract lock. Failures are logged: the trade
// that triggered the scan has already been committed.
func (e *Engine) checkAndFillLimitOrders(ctx context.Context, contractID string) int {
	t, err := e.begin(ctx, contractID)
	if err != nil {
		slog.Warn("engine: limit order scan skipped", "contract", contractID, "err", err)
		return 0
	}
	if t.contract.IsResolved() {
		return 0
	}

	filled := 0
	for _, o := range t.orders {
		if !o.IsOpen() || !o.IsLimitOrder() || o.Expired(t.now) {
			continue
		}
		prob := probOf(t.contract, o.AnswerID)
		if !o.Crossed(prob) {
			continue
		}
		remaining := o.Remaining()
		if remaining <= dust {
			continue
		}

		plan, err := t.priceBuy(o.UserID, o.AnswerID, o.Outcome, remaining, o.ID)
		if err != nil {
			slog.Warn("engine: crossed limit order not fillable",
				"contract", contractID, "order", o.ID, "prob", prob, "err", err)
			continue
		}
		p, err := t.applyBuy(plan, o.ID)
		if err != nil {
			slog.Error("engine: limit order scan aborted", "contract", contractID, "order", o.ID, "err", err)
			return 0
		}
		fill := domain.Fill{Amount: remaining, Shares: p.Shares, Timestamp: t.now}
		if err := o.RecordFill(fill, p.ProbAfter); err != nil {
			slog.Error("engine: limit order scan aborted", "contract", contractID, "order", o.ID, "err", err)
			return 0
		}
		t.touch(o)
		t.bets = append(t.bets, o.Clone())
		filled++
		slog.Info("engine: limit order filled",
			"contract", contractID, "order", o.ID, "user", o.UserID, "outcome", o.Outcome,
			"amount", remaining, "shares", p.Shares, "limit", o.Limit(), "prob_after", p.ProbAfter)
	}

	if filled == 0 {
		return 0
	}
	if err := t.commit(); err != nil {
		slog.Error("engine: limit order scan commit failed", "contract", contractID, "err", err)
		return 0
	}
	return filled
}

// OpenOrders returns the open limit orders of a user across all contracts.
func (e *Engine) OpenOrders(ctx context.Context, userID string) ([]*domain.Bet, error) {
	open, err := e.store.ListOpenLimitOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.OpenOrders: %w", err)
	}
	var out []*domain.Bet
	for _, o := range open {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ActiveOrders returns the orders of a contract that are open and not expired.
func (e *Engine) ActiveOrders(ctx context.Context, contractID string) ([]*domain.Bet, error) {
	orders, err := e.store.GetLimitOrders(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("engine.ActiveOrders: %w", err)
	}
	now := e.now()
	var out []*domain.Bet
	for _, o := range orders {
		if o.IsOpen() && !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// OrderBook aggregates the active orders of one pool by price level.
func (e *Engine) OrderBook(ctx context.Context, contractID, answerID string) (domain.OrderBook, error) {
	active, err := e.ActiveOrders(ctx, contractID)
	if err != nil {
		return domain.OrderBook{}, err
	}
	return domain.BuildOrderBook(contractID, answerID, active), nil
}
