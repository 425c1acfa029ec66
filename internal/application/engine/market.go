package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
)

// NewBinaryMarket describes a YES/NO market. InitialProb defaults to 0.5.
type NewBinaryMarket struct {
	CreatorID   string
	Question    string
	Liquidity   float64
	InitialProb float64
}

// NewMultipleChoiceMarket describes a market with one pool per answer.
// Liquidity is the NO reserve of every answer pool. With SumToOne each answer
// starts at 1/n and trades go through the arbitrage solver; otherwise each
// answer is an independent market starting at 0.5.
type NewMultipleChoiceMarket struct {
	CreatorID string
	Question  string
	Liquidity float64
	Answers   []string
	SumToOne  bool
}

// ResolveRequest is an administrative resolution request. Probability is
// required for MKT; AnswerID names the winner of a multiple-choice market.
type ResolveRequest struct {
	ContractID  string
	ResolverID  string
	Outcome     domain.Resolution
	Probability *float64
	AnswerID    string
}

// ResolveResult summarizes the money moved by a resolution.
type ResolveResult struct {
	Contract        *domain.Contract
	Payouts         map[string]float64
	TotalPaid       float64
	Refunded        float64
	CancelledOrders int
}

// CreateBinaryMarket creates a binary contract in the sandbox phase.
func (e *Engine) CreateBinaryMarket(ctx context.Context, req NewBinaryMarket) (*domain.Contract, error) {
	question := strings.TrimSpace(req.Question)
	prob := req.InitialProb
	if prob == 0 {
		prob = 0.5
	}
	if question == "" || !validAmount(req.Liquidity) || prob <= 0 || prob >= 1 {
		return nil, fmt.Errorf("engine.CreateBinaryMarket: question %q liquidity %v prob %v: %w",
			question, req.Liquidity, prob, domain.ErrValidation)
	}

	now := e.now().UTC()
	c := &domain.Contract{
		ID:          e.newID(),
		Question:    question,
		CreatorID:   req.CreatorID,
		OutcomeType: domain.OutcomeTypeBinary,
		Pool:        cpmm.NewPool(req.Liquidity, prob),
		P:           cpmm.DefaultP,
		Phase:       domain.PhaseSandbox,
		CreatedTime: now,
	}
	return e.saveNewContract(ctx, c, cpmm.Probability(c.Pool, c.P))
}

// CreateMultipleChoiceMarket creates a multiple-choice contract in the
// sandbox phase.
func (e *Engine) CreateMultipleChoiceMarket(ctx context.Context, req NewMultipleChoiceMarket) (*domain.Contract, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" || !validAmount(req.Liquidity) || len(req.Answers) < 2 {
		return nil, fmt.Errorf("engine.CreateMultipleChoiceMarket: question %q liquidity %v answers %d: %w",
			question, req.Liquidity, len(req.Answers), domain.ErrValidation)
	}

	n := len(req.Answers)
	prob := 0.5
	if req.SumToOne {
		prob = 1 / float64(n)
	}

	now := e.now().UTC()
	c := &domain.Contract{
		ID:                    e.newID(),
		Question:              question,
		CreatorID:             req.CreatorID,
		OutcomeType:           domain.OutcomeTypeMultipleChoice,
		P:                     cpmm.DefaultP,
		ShouldAnswersSumToOne: req.SumToOne,
		Phase:                 domain.PhaseSandbox,
		CreatedTime:           now,
	}
	seen := make(map[string]bool, n)
	for i, text := range req.Answers {
		text = strings.TrimSpace(text)
		if text == "" || seen[strings.ToLower(text)] {
			return nil, fmt.Errorf("engine.CreateMultipleChoiceMarket: answer %d %q empty or duplicated: %w",
				i, text, domain.ErrValidation)
		}
		seen[strings.ToLower(text)] = true
		pool := cpmm.NewPool(req.Liquidity, prob)
		c.Answers = append(c.Answers, domain.Answer{
			ID:    e.newID(),
			Text:  text,
			Index: i,
			Pool:  pool,
			P:     cpmm.DefaultP,
			Prob:  cpmm.Probability(pool, cpmm.DefaultP),
		})
	}
	c.SyncAggregatePool()
	return e.saveNewContract(ctx, c, c.Answers[0].Prob)
}

func (e *Engine) saveNewContract(ctx context.Context, c *domain.Contract, prob float64) (*domain.Contract, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("engine.CreateMarket: %w", err)
	}
	pt := c.RecordPrice(c.CreatedTime, prob)
	if err := e.store.SaveContract(ctx, c); err != nil {
		return nil, fmt.Errorf("engine.CreateMarket: save: %w", err)
	}
	if err := e.store.AddPricePoint(ctx, c.ID, pt); err != nil {
		return nil, fmt.Errorf("engine.CreateMarket: price point: %w", err)
	}
	slog.Info("engine: market created", "contract", c.ID, "type", c.OutcomeType,
		"answers", len(c.Answers), "sum_to_one", c.ShouldAnswersSumToOne, "question", c.Question)
	return c, nil
}

// ResolveMarket resolves a contract, cancels and refunds its open orders and
// credits every position its payout. Only the creator may resolve a contract
// that has one.
func (e *Engine) ResolveMarket(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	unlock := e.locks.Lock(req.ContractID)
	defer unlock()

	t, err := e.begin(ctx, req.ContractID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %w", err)
	}
	c := t.contract
	if c.CreatorID != "" && req.ResolverID != c.CreatorID {
		return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %s is not the creator of %s: %w",
			req.ResolverID, c.ID, domain.ErrUnauthorized)
	}
	if err := c.Resolve(req.Outcome, req.Probability, req.AnswerID, t.now); err != nil {
		return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %w", err)
	}

	res := ResolveResult{Payouts: make(map[string]float64)}
	for _, o := range t.orders {
		if !o.IsOpen() {
			continue
		}
		refund, err := o.Cancel()
		if err != nil {
			return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %w", err)
		}
		t.touch(o)
		t.credit(o.UserID, refund)
		res.Refunded += refund
		res.CancelledOrders++
	}

	metrics, err := e.store.ListMetrics(ctx, c.ID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %w", err)
	}
	for _, m := range metrics {
		payout := c.Payout(m)
		if payout <= dust {
			continue
		}
		t.credit(m.UserID, payout)
		res.Payouts[m.UserID] += payout
		res.TotalPaid += payout
	}

	if err := t.commit(); err != nil {
		return ResolveResult{}, fmt.Errorf("engine.ResolveMarket: %w", err)
	}
	slog.Info("engine: market resolved", "contract", c.ID, "resolution", c.Resolution,
		"paid", res.TotalPaid, "refunded", res.Refunded, "orders_cancelled", res.CancelledOrders)
	res.Contract = c
	return res, nil
}
