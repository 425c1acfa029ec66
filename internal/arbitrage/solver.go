// Package arbitrage keeps the answers of a dependent multiple-choice market
// normalized: after any trade the answer probabilities sum to one.
//
// Buying YES on answer t is split into
//
//  1. buying s NO shares on every other answer (against its resting YES
//     orders first, then its AMM),
//  2. redeeming those n−1 NO positions into s YES shares on t plus s·(n−2)
//     cash, and
//  3. buying YES on t with whatever is left of the bet.
//
// Buying NO on t mirrors it: s YES on every other answer is worth exactly s NO
// on t. The solver bisects on s until the resulting pools sum to one.
//
// Resting orders on the other answers absorb part of the side flow. When they
// hold a price where no s balances the answers, the solve is repeated with
// those orders left out; the book scan that follows every trade fills them.
package arbitrage

import (
	"errors"
	"fmt"
	"math"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/matching"
)

const (
	// Epsilon is the target |1 − Σprob| at which the solver stops early.
	Epsilon = 1e-9
	// Tolerance is the worst |1 − Σprob| accepted once iterations run out.
	Tolerance = 1e-7
	// MaxIterations caps every bisection in this package.
	MaxIterations = 200

	dust          = 1e-9
	maxDoublings  = 64
	relShareError = 1e-12
)

// Book holds the resting orders the legs can match, by answer id, and each
// maker's escrow.
type Book struct {
	Orders   map[string][]*domain.Bet
	Balances map[string]float64
}

// only returns the book restricted to answerID.
func (b Book) only(answerID string) Book {
	return Book{Orders: map[string][]*domain.Bet{answerID: b.Orders[answerID]}, Balances: b.Balances}
}

func (b Book) size() int {
	n := 0
	for _, orders := range b.Orders {
		n += len(orders)
	}
	return n
}

// Leg is one priced execution on a single answer.
type Leg struct {
	AnswerID string
	matching.Execution
}

// Result is a normalized multi-answer purchase.
type Result struct {
	TargetID       string
	Outcome        domain.Outcome
	Amount         float64
	Primary        Leg   // direct purchase on the target answer
	Others         []Leg // opposite-outcome purchases on every other answer
	RedeemedShares float64
	RedeemedCash   float64
	Shares         float64 // total target shares: direct + redeemed
	Iterations     int
}

// Legs returns the primary leg followed by the side legs.
func (r Result) Legs() []Leg {
	return append([]Leg{r.Primary}, r.Others...)
}

// ProbSum returns Σ prob over the resulting pools.
func (r Result) ProbSum() float64 {
	sum := r.Primary.ProbAfter
	for _, l := range r.Others {
		sum += l.ProbAfter
	}
	return sum
}

// SideShares returns the side-leg shares left after redemption for answer id.
// Non-zero only by bisection residue.
func (r Result) SideShares(id string) float64 {
	for _, l := range r.Others {
		if l.AnswerID == id {
			return l.Shares - r.RedeemedShares
		}
	}
	return 0
}

// Buy spends amount on outcome of answer targetID and rebalances every other
// answer so that probabilities keep summing to one.
func Buy(answers []domain.Answer, targetID string, outcome domain.Outcome, amount float64, book Book) (Result, error) {
	if len(answers) < 2 {
		return Result{}, fmt.Errorf("arbitrage.Buy: %d answers: %w", len(answers), domain.ErrValidation)
	}
	if !outcome.Valid() || amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Result{}, fmt.Errorf("arbitrage.Buy: amount %v outcome %q: %w", amount, outcome, domain.ErrValidation)
	}
	t := -1
	for i, a := range answers {
		if a.ID == targetID {
			t = i
		}
	}
	if t < 0 {
		return Result{}, fmt.Errorf("arbitrage.Buy: answer %q: %w", targetID, domain.ErrNotFound)
	}

	s := solver{answers: answers, target: t, outcome: outcome, amount: amount, book: book}
	res, err := s.solve()
	for _, fallback := range []Book{book.only(targetID), {}} {
		if !errors.Is(err, domain.ErrSolverDiverged) {
			break
		}
		if fallback.size() == s.book.size() {
			continue
		}
		s.book = fallback
		res, err = s.solve()
	}
	return res, err
}

type solver struct {
	answers []domain.Answer
	target  int
	outcome domain.Outcome
	amount  float64
	book    Book
}

// eval prices the trade for s redeemed shares. ok is false when s is too
// large: the side legs cost more than the bet or push a pool to a boundary.
// g is signed so that it increases with s and the root is g == 0.
func (sv solver) eval(s float64) (res Result, g float64, ok bool) {
	n := len(sv.answers)
	side := sv.outcome.Opposite()
	res = Result{
		TargetID:       sv.answers[sv.target].ID,
		Outcome:        sv.outcome,
		Amount:         sv.amount,
		RedeemedShares: s,
	}

	cost := 0.0
	for i, a := range sv.answers {
		if i == sv.target {
			continue
		}
		leg, err := legForShares(a, side, s, sv.book)
		if err != nil {
			return Result{}, 0, false
		}
		cost += leg.Amount
		res.Others = append(res.Others, leg)
	}

	if sv.outcome == domain.OutcomeYes {
		res.RedeemedCash = s * float64(n-2)
	}
	direct := sv.amount - (cost - res.RedeemedCash)
	if direct < -dust {
		return Result{}, 0, false
	}

	primary, err := executeLeg(sv.answers[sv.target], sv.outcome, max(direct, 0), sv.book)
	if err != nil {
		return Result{}, 0, false
	}
	res.Primary = primary
	res.Shares = primary.Shares + s

	diff := 1 - res.ProbSum()
	if sv.outcome == domain.OutcomeNo {
		diff = -diff
	}
	return res, diff, true
}

func (sv solver) solve() (Result, error) {
	best, g0, ok := sv.eval(0)
	if !ok {
		// the bet alone is not executable on the target pool
		_, err := executeLeg(sv.answers[sv.target], sv.outcome, sv.amount, sv.book)
		if err == nil {
			err = domain.ErrValidation
		}
		return Result{}, fmt.Errorf("arbitrage.Buy: direct leg: %w", err)
	}
	if math.Abs(g0) < Epsilon {
		return best, nil
	}
	if g0 > 0 {
		return Result{}, fmt.Errorf("arbitrage.Buy: answers sum %.9f before rebalancing: %w",
			best.ProbSum(), domain.ErrSolverDiverged)
	}
	bestErr := math.Abs(g0)

	// bracket the root: [lo, hi] with g(lo) < 0 and g(hi) >= 0 or infeasible
	ref := sv.answers[sv.target].Prob
	if sv.outcome == domain.OutcomeNo {
		ref = 1 - ref
	}
	lo, hi := 0.0, sv.amount/math.Max(ref, 1e-3)
	iterations := 0
	for ; iterations < maxDoublings; iterations++ {
		r, g, ok := sv.eval(hi)
		if !ok || g >= 0 {
			if ok && math.Abs(g) < bestErr {
				best, bestErr = r, math.Abs(g)
			}
			break
		}
		best, bestErr, lo = r, math.Abs(g), hi
		hi *= 2
	}

	for i := 0; i < MaxIterations && bestErr >= Epsilon; i++ {
		iterations++
		mid := (lo + hi) / 2
		r, g, ok := sv.eval(mid)
		if ok && math.Abs(g) < bestErr {
			best, bestErr = r, math.Abs(g)
		}
		if !ok || g > 0 {
			hi = mid
		} else {
			lo = mid
		}
		if hi-lo <= relShareError*math.Max(1, hi) {
			break
		}
	}

	if bestErr > Tolerance {
		return Result{}, fmt.Errorf("arbitrage.Buy: |1-Σprob| = %.3g after %d iterations: %w",
			bestErr, iterations, domain.ErrSolverDiverged)
	}
	best.Iterations = iterations
	return best, nil
}

// executeLeg runs amount through the answer's book and AMM.
func executeLeg(a domain.Answer, outcome domain.Outcome, amount float64, book Book) (Leg, error) {
	if amount <= dust {
		prob := cpmm.Probability(a.Pool, a.P)
		return Leg{AnswerID: a.ID, Execution: matching.Execution{
			Outcome:    outcome,
			Pool:       a.Pool,
			ProbBefore: prob,
			ProbAfter:  prob,
		}}, nil
	}
	ex, err := matching.Execute(amount, outcome, book.Orders[a.ID], a.Pool, a.P, book.Balances)
	if err != nil {
		return Leg{}, err
	}
	return Leg{AnswerID: a.ID, Execution: ex}, nil
}

// legForShares finds the cheapest leg that yields shares of outcome on a,
// absorbing the answer's resting orders on the way.
func legForShares(a domain.Answer, outcome domain.Outcome, shares float64, book Book) (Leg, error) {
	if shares <= dust {
		return executeLeg(a, outcome, 0, book)
	}
	if len(book.Orders[a.ID]) == 0 {
		amount, err := cpmm.AmountForShares(a.Pool, a.P, shares, outcome)
		if err != nil {
			return Leg{}, err
		}
		return executeLeg(a, outcome, amount, book)
	}

	// shares >= amount on every path, so the amount lies in [0, shares]
	lo, hi := 0.0, shares
	for i := 0; i < MaxIterations && hi-lo > relShareError*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		leg, err := executeLeg(a, outcome, mid, book)
		if err != nil || leg.Shares >= shares {
			hi = mid
			continue
		}
		lo = mid
	}
	return executeLeg(a, outcome, hi, book)
}

// SaleResult is a normalized multi-answer sale.
type SaleResult struct {
	// Result is the opposite-outcome purchase that closes the position.
	Result
	Sold   float64
	Payout float64
}

// Sell closes shares of outcome on answer targetID. Holding s shares of
// outcome plus s shares of the opposite outcome redeems for s cash, so the
// sale buys the opposite outcome through Buy for the amount a that yields
// exactly s shares and pays s − a.
func Sell(answers []domain.Answer, targetID string, outcome domain.Outcome, shares float64, book Book) (SaleResult, error) {
	if !outcome.Valid() || shares <= 0 || math.IsNaN(shares) || math.IsInf(shares, 0) {
		return SaleResult{}, fmt.Errorf("arbitrage.Sell: shares %v outcome %q: %w", shares, outcome, domain.ErrValidation)
	}
	opposite := outcome.Opposite()

	var best Result
	found := false
	lo, hi := 0.0, shares
	for i := 0; i < MaxIterations && hi-lo > relShareError*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		r, err := Buy(answers, targetID, opposite, mid, book)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return SaleResult{}, fmt.Errorf("arbitrage.Sell: %w", err)
		case err != nil:
			hi = mid
		case r.Shares >= shares:
			best, found = r, true
			hi = mid
		default:
			lo = mid
		}
	}
	if !found {
		return SaleResult{}, fmt.Errorf("arbitrage.Sell: no purchase closes %.6f %s shares: %w",
			shares, outcome, domain.ErrValidation)
	}

	payout := shares - best.Amount
	if payout <= 0 {
		return SaleResult{}, fmt.Errorf("arbitrage.Sell: payout %.12f: %w", payout, domain.ErrValidation)
	}
	for _, l := range best.Legs() {
		if math.Min(l.Pool.YES, l.Pool.NO) < cpmm.MinPoolQty {
			return SaleResult{}, fmt.Errorf("arbitrage.Sell: answer %s pool %+v: %w", l.AnswerID, l.Pool, domain.ErrPoolDrain)
		}
	}
	return SaleResult{Result: best, Sold: shares, Payout: payout}, nil
}
