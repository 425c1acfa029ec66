package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/matching"
)

type balanceChange struct {
	userID string
	delta  float64
}

// txn collects every change of one operation on a single contract. Nothing
// reaches the store until commit, so a failed computation leaves no trace.
type txn struct {
	e        *Engine
	ctx      context.Context
	now      time.Time
	contract *domain.Contract
	orders   []*domain.Bet // all limit orders of the contract, creation order

	touched    map[string]bool
	bets       []*domain.Bet
	metrics    map[string]*domain.Metric
	metricKeys []string
	debits     []balanceChange
	credits    []balanceChange
	prices     []domain.PricePoint
}

// begin loads the contract and its orders. Callers hold the contract lock.
func (e *Engine) begin(ctx context.Context, contractID string) (*txn, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	orders, err := e.store.GetLimitOrders(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return &txn{
		e:        e,
		ctx:      ctx,
		now:      e.now().UTC(),
		contract: c,
		orders:   orders,
		touched:  make(map[string]bool),
		metrics:  make(map[string]*domain.Metric),
	}, nil
}

// order returns the transaction's copy of a limit order.
func (t *txn) order(id string) *domain.Bet {
	for _, o := range t.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// touch marks an order to be saved on commit.
func (t *txn) touch(o *domain.Bet) {
	t.touched[o.ID] = true
}

// addOrder appends a new limit order to the book.
func (t *txn) addOrder(o *domain.Bet) {
	t.orders = append(t.orders, o)
	t.touch(o)
}

// restingOrders returns the live orders on answerID a taker can match.
// The taker's own orders and skipID are left out.
func (t *txn) restingOrders(answerID, takerID, skipID string) []*domain.Bet {
	var out []*domain.Bet
	for _, o := range t.orders {
		if o.AnswerID != answerID || !o.IsOpen() || o.Expired(t.now) {
			continue
		}
		if o.UserID == takerID || o.ID == skipID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// escrow returns every maker's reserved cash on the contract.
func (t *txn) escrow() map[string]float64 {
	return matching.Escrow(t.orders)
}

func (t *txn) metric(userID, answerID string) (*domain.Metric, error) {
	key := domain.MetricKey(userID, t.contract.ID, answerID)
	if m, ok := t.metrics[key]; ok {
		return m, nil
	}
	m, err := t.e.store.GetOrCreateMetric(t.ctx, userID, t.contract.ID, answerID)
	if err != nil {
		return nil, err
	}
	t.metrics[key] = m
	t.metricKeys = append(t.metricKeys, key)
	return m, nil
}

func (t *txn) debit(userID string, amount float64) {
	t.debits = append(t.debits, balanceChange{userID: userID, delta: -amount})
}

func (t *txn) credit(userID string, amount float64) {
	if amount <= dust {
		return
	}
	t.credits = append(t.credits, balanceChange{userID: userID, delta: amount})
}

// setPool replaces the pool behind answerID and refreshes the cached probability.
func (t *txn) setPool(answerID string, pool domain.Pool) {
	c := t.contract
	if c.IsMultipleChoice() {
		if a, err := c.Answer(answerID); err == nil {
			a.Pool = pool
			a.Prob = cpmm.Probability(pool, a.P)
		}
		c.SyncAggregatePool()
		return
	}
	c.Pool = pool
}

func (t *txn) addVolume(answerID string, v float64) {
	if v < 0 {
		v = -v
	}
	t.contract.Volume += v
	if a, err := t.contract.Answer(answerID); err == nil {
		a.Volume += v
	}
}

// recordPrice appends a point for the pool behind answerID.
func (t *txn) recordPrice(answerID string) {
	c := t.contract
	now := t.now
	c.LastBetTime = &now
	pt := c.RecordPrice(t.now, probOf(c, answerID))
	t.prices = append(t.prices, pt)
}

// applyExecution moves the pool behind answerID and settles every maker
// matched by ex. Matched makers receive their shares; orders the matcher
// gave up on are cancelled and refunded. takerBetID is recorded on each
// maker fill.
func (t *txn) applyExecution(answerID string, ex matching.Execution, takerBetID string) error {
	for _, f := range ex.Fills {
		o := t.order(f.OrderID)
		if o == nil {
			return fmt.Errorf("engine: fill on unknown order %s: %w", f.OrderID, domain.ErrInternal)
		}
		fill := domain.Fill{MatchedBetID: takerBetID, Amount: f.Amount, Shares: f.MakerShares, Timestamp: t.now}
		if err := o.RecordFill(fill, f.ProbAfter); err != nil {
			return err
		}
		t.touch(o)

		m, err := t.metric(o.UserID, answerID)
		if err != nil {
			return err
		}
		m.ApplyBuy(o.Outcome, f.MakerShares, f.Amount)
		slog.Debug("engine: limit order matched",
			"order", o.ID, "maker", o.UserID, "amount", f.Amount, "shares", f.MakerShares)
	}

	for _, cancel := range ex.OrdersToCancel {
		o := t.order(cancel.ID)
		if o == nil || !o.IsOpen() {
			continue
		}
		refund, err := o.Cancel()
		if err != nil {
			return err
		}
		t.touch(o)
		t.credit(o.UserID, refund)
		slog.Info("engine: limit order cancelled during match",
			"order", o.ID, "maker", o.UserID, "refund", refund)
	}

	t.setPool(answerID, ex.Pool)
	t.addVolume(answerID, ex.Amount+ex.MakerVolume())
	return nil
}

// takerFills converts an execution into the fills recorded on the taker's
// bet: one per matched order plus one for the AMM remainder.
func takerFills(ex matching.Execution, now time.Time) []domain.Fill {
	var out []domain.Fill
	amount, shares := ex.Amount, ex.Shares
	for _, f := range ex.Fills {
		out = append(out, domain.Fill{MatchedBetID: f.OrderID, Amount: f.Amount, Shares: f.Shares, Timestamp: now})
		amount -= f.Amount
		shares -= f.Shares
	}
	if amount > dust {
		out = append(out, domain.Fill{Amount: amount, Shares: shares, Timestamp: now})
	}
	return out
}

// commit persists the transaction. Debits go first and are atomic in the
// store, so an insufficient balance aborts before anything else is written.
// A failure after the debits rolls them back; later writes are not undone.
func (t *txn) commit() error {
	ctx, store := t.ctx, t.e.store

	var done []balanceChange
	rollback := func() {
		for _, d := range done {
			if _, err := store.UpdateUserBalance(ctx, d.userID, -d.delta); err != nil {
				slog.Error("engine: debit rollback failed", "user", d.userID, "amount", -d.delta, "err", err)
			}
		}
	}
	for _, d := range t.debits {
		if _, err := store.UpdateUserBalance(ctx, d.userID, d.delta); err != nil {
			rollback()
			return fmt.Errorf("engine.commit: debit %s: %w", d.userID, err)
		}
		done = append(done, d)
	}

	c := t.contract
	before := c.Phase
	if c.AdvancePhase(t.now, t.e.cfg.Graduation) {
		slog.Info("engine: phase changed", "contract", c.ID, "from", before, "to", c.Phase, "volume", c.Volume)
	}
	if err := store.SaveContract(ctx, c); err != nil {
		rollback()
		return fmt.Errorf("engine.commit: save contract %s: %w", c.ID, err)
	}

	for _, o := range t.orders {
		if !t.touched[o.ID] {
			continue
		}
		if err := store.SaveLimitOrder(ctx, o); err != nil {
			return fmt.Errorf("engine.commit: save order %s: %w", o.ID, err)
		}
	}
	for _, b := range t.bets {
		if err := store.AddBet(ctx, b); err != nil {
			return fmt.Errorf("engine.commit: add bet %s: %w", b.ID, err)
		}
	}
	for _, key := range t.metricKeys {
		if err := store.UpdateMetric(ctx, t.metrics[key]); err != nil {
			return fmt.Errorf("engine.commit: update metric %s: %w", key, err)
		}
	}
	for _, cr := range t.credits {
		if _, err := store.UpdateUserBalance(ctx, cr.userID, cr.delta); err != nil {
			return fmt.Errorf("engine.commit: credit %s: %w", cr.userID, err)
		}
	}
	for _, pt := range t.prices {
		if err := store.AddPricePoint(ctx, c.ID, pt); err != nil {
			return fmt.Errorf("engine.commit: price point: %w", err)
		}
	}
	return nil
}
