package engine

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/likeli/internal/arbitrage"
	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/matching"
)

// MarketOrder buys Amount worth of Outcome at the current price.
// AnswerID is required for multiple-choice contracts and empty otherwise.
type MarketOrder struct {
	ContractID string
	UserID     string
	AnswerID   string
	Outcome    domain.Outcome
	Amount     float64
}

// SellOrder sells Shares of Outcome back to the AMM. A nil Shares sells the
// whole position.
type SellOrder struct {
	ContractID string
	UserID     string
	AnswerID   string
	Outcome    domain.Outcome
	Shares     *float64
}

// TradeResult describes an executed market order.
type TradeResult struct {
	Bet        *domain.Bet
	Shares     float64
	ProbBefore float64
	ProbAfter  float64
	Arbitrage  *arbitrage.Result // set for dependent multiple-choice contracts
}

// SellResult describes an executed sale.
type SellResult struct {
	Bet        *domain.Bet
	Shares     float64
	Payout     float64
	ProbBefore float64
	ProbAfter  float64
	Arbitrage  *arbitrage.SaleResult
}

// buyPlan is a priced purchase that has not touched the transaction yet.
type buyPlan struct {
	userID   string
	answerID string
	outcome  domain.Outcome
	amount   float64
	ex       matching.Execution
	arb      *arbitrage.Result
}

// purchase is a buy applied to the transaction.
type purchase struct {
	Shares     float64
	ProbBefore float64
	ProbAfter  float64
	Fills      []domain.Fill
	Arbitrage  *arbitrage.Result
}

// PlaceMarketOrder buys against the resting orders first and the AMM for the
// rest. Dependent multiple-choice contracts route through the arbitrage
// solver so the answers keep summing to one.
func (e *Engine) PlaceMarketOrder(ctx context.Context, req MarketOrder) (TradeResult, error) {
	if req.UserID == "" || !req.Outcome.Valid() || !validAmount(req.Amount) {
		return TradeResult{}, fmt.Errorf("engine.PlaceMarketOrder: user %q outcome %q amount %v: %w",
			req.UserID, req.Outcome, req.Amount, domain.ErrValidation)
	}
	if err := e.admit(req.UserID); err != nil {
		return TradeResult{}, fmt.Errorf("engine.PlaceMarketOrder: %w", err)
	}

	unlock := e.locks.Lock(req.ContractID)
	defer unlock()

	t, err := e.openForTrade(ctx, req.ContractID, req.AnswerID, req.UserID, req.Amount)
	if err != nil {
		return TradeResult{}, fmt.Errorf("engine.PlaceMarketOrder: %w", err)
	}

	bet := &domain.Bet{
		ID:          e.newID(),
		ContractID:  req.ContractID,
		UserID:      req.UserID,
		AnswerID:    req.AnswerID,
		Amount:      req.Amount,
		Outcome:     req.Outcome,
		CreatedTime: t.now,
	}
	p, err := t.buy(req.UserID, req.AnswerID, req.Outcome, req.Amount, bet.ID, "")
	if err != nil {
		return TradeResult{}, fmt.Errorf("engine.PlaceMarketOrder: %w", err)
	}
	bet.Shares = p.Shares
	bet.ProbBefore = p.ProbBefore
	bet.ProbAfter = p.ProbAfter
	bet.Fills = p.Fills
	t.bets = append([]*domain.Bet{bet}, t.bets...)
	t.debit(req.UserID, req.Amount)

	if err := t.commit(); err != nil {
		return TradeResult{}, fmt.Errorf("engine.PlaceMarketOrder: %w", err)
	}
	logTrade("engine: market order", t.contract, req.UserID, req.AnswerID,
		"outcome", req.Outcome, "amount", req.Amount, "shares", p.Shares,
		"prob_before", p.ProbBefore, "prob_after", p.ProbAfter, "fills", len(p.Fills))

	e.checkAndFillLimitOrders(ctx, req.ContractID)
	return TradeResult{
		Bet:        bet,
		Shares:     p.Shares,
		ProbBefore: p.ProbBefore,
		ProbAfter:  p.ProbAfter,
		Arbitrage:  p.Arbitrage,
	}, nil
}

// SellShares sells part or all of a position back to the AMM.
func (e *Engine) SellShares(ctx context.Context, req SellOrder) (SellResult, error) {
	if req.UserID == "" || !req.Outcome.Valid() || (req.Shares != nil && !validAmount(*req.Shares)) {
		return SellResult{}, fmt.Errorf("engine.SellShares: user %q outcome %q: %w",
			req.UserID, req.Outcome, domain.ErrValidation)
	}
	if err := e.admit(req.UserID); err != nil {
		return SellResult{}, fmt.Errorf("engine.SellShares: %w", err)
	}

	unlock := e.locks.Lock(req.ContractID)
	defer unlock()

	t, err := e.openForTrade(ctx, req.ContractID, req.AnswerID, req.UserID, 0)
	if err != nil {
		return SellResult{}, fmt.Errorf("engine.SellShares: %w", err)
	}

	m, err := t.metric(req.UserID, req.AnswerID)
	if err != nil {
		return SellResult{}, fmt.Errorf("engine.SellShares: %w", err)
	}
	shares := m.Shares(req.Outcome)
	if req.Shares != nil {
		shares = *req.Shares
	} else if shares <= dust {
		return SellResult{}, fmt.Errorf("engine.SellShares: no %s shares held: %w", req.Outcome, domain.ErrInsufficientShares)
	}

	bet := &domain.Bet{
		ID:          e.newID(),
		ContractID:  req.ContractID,
		UserID:      req.UserID,
		AnswerID:    req.AnswerID,
		Outcome:     req.Outcome,
		CreatedTime: t.now,
	}
	s, err := t.sell(req.UserID, req.AnswerID, req.Outcome, shares, bet.ID)
	if err != nil {
		return SellResult{}, fmt.Errorf("engine.SellShares: %w", err)
	}
	bet.Amount = -s.Payout
	bet.Shares = -shares
	bet.ProbBefore = s.ProbBefore
	bet.ProbAfter = s.ProbAfter
	t.bets = append([]*domain.Bet{bet}, t.bets...)

	if err := t.commit(); err != nil {
		return SellResult{}, fmt.Errorf("engine.SellShares: %w", err)
	}
	logTrade("engine: shares sold", t.contract, req.UserID, req.AnswerID,
		"outcome", req.Outcome, "shares", shares, "payout", s.Payout,
		"prob_before", s.ProbBefore, "prob_after", s.ProbAfter)

	e.checkAndFillLimitOrders(ctx, req.ContractID)
	s.Bet = bet
	s.Shares = shares
	return s, nil
}

// openForTrade loads the contract for a trade and runs the checks shared by
// every trade path. A positive spend is checked against the balance; the
// commit enforces it again atomically.
func (e *Engine) openForTrade(ctx context.Context, contractID, answerID, userID string, spend float64) (*txn, error) {
	t, err := e.begin(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if t.contract.IsResolved() {
		return nil, fmt.Errorf("contract %s: %w", contractID, domain.ErrMarketResolved)
	}
	if err := checkTarget(t.contract, answerID); err != nil {
		return nil, err
	}
	if spend > 0 {
		u, err := e.store.GetOrCreateUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if u.Balance+dust < spend {
			return nil, fmt.Errorf("user %s has %.2f, needs %.2f: %w", userID, u.Balance, spend, domain.ErrInsufficientBalance)
		}
	}
	return t, nil
}

// priceBuy prices a purchase without touching the transaction.
func (t *txn) priceBuy(userID, answerID string, outcome domain.Outcome, amount float64, skipID string) (buyPlan, error) {
	plan := buyPlan{userID: userID, answerID: answerID, outcome: outcome, amount: amount}
	c := t.contract

	if c.Dependent() {
		r, err := arbitrage.Buy(c.Answers, answerID, outcome, amount, t.book(userID, skipID))
		if err != nil {
			return buyPlan{}, err
		}
		plan.arb = &r
		return plan, nil
	}

	pool, p := poolOf(c, answerID)
	ex, err := matching.Execute(amount, outcome, t.restingOrders(answerID, userID, skipID), pool, p, t.escrow())
	if err != nil {
		return buyPlan{}, err
	}
	plan.ex = ex
	return plan, nil
}

// applyBuy applies a priced purchase: pools, makers, the buyer's position,
// volume and a price point. Cash moves are left to the caller.
func (t *txn) applyBuy(plan buyPlan, betID string) (purchase, error) {
	if plan.arb != nil {
		return t.applyArbitrageBuy(plan, betID)
	}

	if err := t.applyExecution(plan.answerID, plan.ex, betID); err != nil {
		return purchase{}, err
	}
	m, err := t.metric(plan.userID, plan.answerID)
	if err != nil {
		return purchase{}, err
	}
	m.ApplyBuy(plan.outcome, plan.ex.Shares, plan.amount)
	t.recordPrice(plan.answerID)

	return purchase{
		Shares:     plan.ex.Shares,
		ProbBefore: plan.ex.ProbBefore,
		ProbAfter:  plan.ex.ProbAfter,
		Fills:      takerFills(plan.ex, t.now),
	}, nil
}

func (t *txn) applyArbitrageBuy(plan buyPlan, betID string) (purchase, error) {
	r := plan.arb
	if err := t.applyArbitrageLegs(plan.userID, r, betID); err != nil {
		return purchase{}, err
	}
	m, err := t.metric(plan.userID, plan.answerID)
	if err != nil {
		return purchase{}, err
	}
	m.ApplyBuy(plan.outcome, r.Shares, plan.amount)
	t.recordPrice(plan.answerID)

	return purchase{
		Shares:     r.Shares,
		ProbBefore: r.Primary.ProbBefore,
		ProbAfter:  r.Primary.ProbAfter,
		Fills:      takerFills(r.Primary.Execution, t.now),
		Arbitrage:  r,
	}, nil
}

// applyArbitrageLegs applies every leg of a solver result. Side legs are
// recorded as redemption bets; the user keeps only side shares left over
// after redemption.
func (t *txn) applyArbitrageLegs(userID string, r *arbitrage.Result, betID string) error {
	if err := t.applyExecution(r.Primary.AnswerID, r.Primary.Execution, betID); err != nil {
		return err
	}
	for _, leg := range r.Others {
		if leg.Amount <= dust {
			continue
		}
		side := &domain.Bet{
			ID:           t.e.newID(),
			ContractID:   t.contract.ID,
			UserID:       userID,
			AnswerID:     leg.AnswerID,
			Amount:       leg.Amount,
			Shares:       leg.Shares,
			Outcome:      leg.Outcome,
			ProbBefore:   leg.ProbBefore,
			ProbAfter:    leg.ProbAfter,
			Fills:        takerFills(leg.Execution, t.now),
			IsRedemption: true,
			CreatedTime:  t.now,
		}
		if err := t.applyExecution(leg.AnswerID, leg.Execution, side.ID); err != nil {
			return err
		}
		t.bets = append(t.bets, side)

		if net := leg.Shares - r.RedeemedShares; net > dust {
			m, err := t.metric(userID, leg.AnswerID)
			if err != nil {
				return err
			}
			m.ApplyBuy(leg.Outcome, net, 0)
		}
	}
	return nil
}

// buy prices and applies a purchase.
func (t *txn) buy(userID, answerID string, outcome domain.Outcome, amount float64, betID, skipID string) (purchase, error) {
	plan, err := t.priceBuy(userID, answerID, outcome, amount, skipID)
	if err != nil {
		return purchase{}, err
	}
	return t.applyBuy(plan, betID)
}

// sell prices and applies a sale and credits the payout.
func (t *txn) sell(userID, answerID string, outcome domain.Outcome, shares float64, betID string) (SellResult, error) {
	m, err := t.metric(userID, answerID)
	if err != nil {
		return SellResult{}, err
	}
	if err := m.ApplySell(outcome, shares); err != nil {
		return SellResult{}, err
	}
	c := t.contract

	if c.Dependent() {
		r, err := arbitrage.Sell(c.Answers, answerID, outcome, shares, t.book(userID, ""))
		if err != nil {
			return SellResult{}, err
		}
		if err := t.applyArbitrageLegs(userID, &r.Result, betID); err != nil {
			return SellResult{}, err
		}
		// the closing purchase can overshoot by bisection residue
		if extra := r.Shares - shares; extra > dust {
			m.ApplyBuy(outcome.Opposite(), extra, 0)
		}
		t.credit(userID, r.Payout)
		t.recordPrice(answerID)
		return SellResult{
			Payout:     r.Payout,
			ProbBefore: r.Primary.ProbBefore,
			ProbAfter:  r.Primary.ProbAfter,
			Arbitrage:  &r,
		}, nil
	}

	pool, p := poolOf(c, answerID)
	sale, err := cpmm.Sell(pool, p, shares, outcome)
	if err != nil {
		return SellResult{}, err
	}
	t.setPool(answerID, sale.NewPool)
	t.addVolume(answerID, sale.Payout)
	t.credit(userID, sale.Payout)
	t.recordPrice(answerID)
	return SellResult{
		Payout:     sale.Payout,
		ProbBefore: sale.ProbBefore,
		ProbAfter:  sale.ProbAfter,
	}, nil
}

// book collects the resting orders of every answer for the solver.
func (t *txn) book(takerID, skipID string) arbitrage.Book {
	b := arbitrage.Book{
		Orders:   make(map[string][]*domain.Bet, len(t.contract.Answers)),
		Balances: t.escrow(),
	}
	for _, a := range t.contract.Answers {
		b.Orders[a.ID] = t.restingOrders(a.ID, takerID, skipID)
	}
	return b
}
