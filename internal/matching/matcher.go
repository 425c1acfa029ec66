// Package matching matches incoming orders against resting limit orders and
// the AMM. Everything here is pure: orders, pools and balances passed in are
// never mutated; callers apply the returned result under the contract lock.
package matching

import (
	"fmt"
	"maps"
	"math"
	"sort"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
)

const (
	// dust is the amount below which a remainder is treated as zero.
	dust = 1e-9

	maxBisection = 200
)

// Fill is one match between an incoming order and a resting limit order.
//
// The taker's amount is bought on the running pool, then the maker spends the
// same amount of its reservation on the opposite outcome, so the maker's
// escrowed cash turns into shares and the price partially reverts. The pair
// never leaves the pool past the maker's limit.
type Fill struct {
	OrderID     string
	MakerID     string
	Amount      float64 // taker cash; the maker spends the same amount
	Shares      float64 // shares minted for the taker
	MakerShares float64 // shares minted for the maker on the opposite outcome
	ProbAfter   float64
}

// Result is the outcome of walking the book.
type Result struct {
	Fills           []Fill
	OrdersToCancel  []*domain.Bet
	RemainingAmount float64
	Pool            domain.Pool
}

// Execution is a full order: book matching followed by an AMM purchase of
// whatever the book did not absorb.
type Execution struct {
	Outcome        domain.Outcome
	Amount         float64
	Shares         float64 // taker shares from fills and the AMM
	Fills          []Fill
	OrdersToCancel []*domain.Bet
	Pool           domain.Pool
	ProbBefore     float64
	ProbAfter      float64
	Fees           domain.Fees
}

// MakerVolume is the cash the matched makers spent.
func (e Execution) MakerVolume() float64 {
	var total float64
	for _, f := range e.Fills {
		total += f.Amount
	}
	return total
}

// SortForTaker returns the open orders a taker of outcome can match, best
// first: a YES taker walks NO orders by descending limitProb, a NO taker walks
// YES orders by ascending limitProb. Ties keep creation order.
func SortForTaker(orders []*domain.Bet, outcome domain.Outcome) []*domain.Bet {
	out := make([]*domain.Bet, 0, len(orders))
	for _, o := range orders {
		if o.IsOpen() && o.IsLimitOrder() && o.Outcome != outcome {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if outcome == domain.OutcomeYes {
			return out[i].Limit() > out[j].Limit()
		}
		return out[i].Limit() < out[j].Limit()
	})
	return out
}

// MatchLimitOrders walks the resting orders opposite to outcome.
//
// For each order fillAmount = min(remaining taker amount, order remainder,
// maker balance). A non-positive fill puts the order on the cancel list (empty
// or insolvent maker) and matching continues. An order whose limit the running
// price does not cross is left resting, and a crossed one fills only as far
// as its limit allows. Matching stops when the taker amount is used up or the
// orders run out; the caller buys the remainder on the AMM against the
// returned pool.
func MatchLimitOrders(
	amount float64,
	outcome domain.Outcome,
	orders []*domain.Bet,
	pool domain.Pool,
	p float64,
	balances map[string]float64,
) (Result, error) {
	if amount <= 0 || !outcome.Valid() {
		return Result{}, fmt.Errorf("matching.MatchLimitOrders: amount %v outcome %q: %w", amount, outcome, domain.ErrValidation)
	}

	res := Result{Pool: pool, RemainingAmount: amount}
	available := maps.Clone(balances)
	if available == nil {
		available = map[string]float64{}
	}

	for _, order := range SortForTaker(orders, outcome) {
		if res.RemainingAmount <= dust {
			break
		}

		fillAmount := min(res.RemainingAmount, order.Remaining(), available[order.UserID])
		if fillAmount <= 0 {
			res.OrdersToCancel = append(res.OrdersToCancel, order)
			continue
		}
		if !order.Crossed(cpmm.Probability(res.Pool, p)) {
			continue
		}
		fillAmount = withinLimit(res.Pool, p, fillAmount, outcome, order)
		if fillAmount <= dust {
			continue
		}

		taker, maker, err := fillPair(res.Pool, p, fillAmount, outcome, order.Outcome)
		if err != nil {
			return Result{}, fmt.Errorf("matching.MatchLimitOrders: order %s: %w", order.ID, err)
		}

		res.Fills = append(res.Fills, Fill{
			OrderID:     order.ID,
			MakerID:     order.UserID,
			Amount:      fillAmount,
			Shares:      taker.Shares,
			MakerShares: maker.Shares,
			ProbAfter:   maker.ProbAfter,
		})
		res.Pool = maker.NewPool
		res.RemainingAmount -= fillAmount
		available[order.UserID] -= fillAmount
	}

	if res.RemainingAmount < dust {
		res.RemainingAmount = 0
	}
	return res, nil
}

// fillPair buys amount of outcome for the taker, then the same amount of
// makerOutcome for the maker on the resulting pool.
func fillPair(pool domain.Pool, p, amount float64, outcome, makerOutcome domain.Outcome) (taker, maker cpmm.Purchase, err error) {
	taker, err = cpmm.Buy(pool, p, amount, outcome)
	if err != nil {
		return cpmm.Purchase{}, cpmm.Purchase{}, fmt.Errorf("taker leg: %w", err)
	}
	maker, err = cpmm.Buy(taker.NewPool, p, amount, makerOutcome)
	if err != nil {
		return cpmm.Purchase{}, cpmm.Purchase{}, fmt.Errorf("maker leg: %w", err)
	}
	return taker, maker, nil
}

// withinLimit returns the largest fill up to amount after which the pool
// still crosses the order's limit, so no share the maker buys costs more than
// the limit. A pair moves the price toward the maker's outcome, further the
// larger it is.
func withinLimit(pool domain.Pool, p, amount float64, outcome domain.Outcome, order *domain.Bet) float64 {
	honours := func(a float64) bool {
		_, maker, err := fillPair(pool, p, a, outcome, order.Outcome)
		return err == nil && order.Crossed(maker.ProbAfter)
	}
	if honours(amount) {
		return amount
	}
	lo, hi := 0.0, amount
	for i := 0; i < maxBisection && hi-lo > 1e-12*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		if honours(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// Execute matches amount against the book and buys the remainder on the AMM.
func Execute(
	amount float64,
	outcome domain.Outcome,
	orders []*domain.Bet,
	pool domain.Pool,
	p float64,
	balances map[string]float64,
) (Execution, error) {
	m, err := MatchLimitOrders(amount, outcome, orders, pool, p, balances)
	if err != nil {
		return Execution{}, err
	}

	ex := Execution{
		Outcome:        outcome,
		Amount:         amount,
		Fills:          m.Fills,
		OrdersToCancel: m.OrdersToCancel,
		Pool:           m.Pool,
		ProbBefore:     cpmm.Probability(pool, p),
		Fees:           domain.NoFees,
	}
	for _, f := range m.Fills {
		ex.Shares += f.Shares
	}

	if m.RemainingAmount > 0 {
		buy, err := cpmm.Buy(m.Pool, p, m.RemainingAmount, outcome)
		if err != nil {
			return Execution{}, fmt.Errorf("matching.Execute: amm remainder: %w", err)
		}
		ex.Shares += buy.Shares
		ex.Pool = buy.NewPool
		ex.Fees = ex.Fees.Add(buy.Fees)
	}
	ex.ProbAfter = cpmm.Probability(ex.Pool, p)
	return ex, nil
}

// Escrow returns, per maker, the unfilled remainder of their open orders.
// Reservations are debited at placement, so this is the cash a maker can
// still be filled for.
func Escrow(orders []*domain.Bet) map[string]float64 {
	out := make(map[string]float64)
	for _, o := range orders {
		if o.IsOpen() && o.IsLimitOrder() {
			out[o.UserID] += o.Remaining()
		}
	}
	return out
}
