package cpmm_test

import (
	"math"
	"testing"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var even = domain.Pool{YES: 100, NO: 100}

func TestProbability(t *testing.T) {
	assert.InDelta(t, 0.5, cpmm.Probability(even, 0.5), 1e-12)
	assert.InDelta(t, 0.3, cpmm.Probability(even, 0.3), 1e-12)
	assert.InDelta(t, 0.25, cpmm.Probability(domain.Pool{YES: 300, NO: 100}, 0.5), 1e-12)
}

func TestNewPool(t *testing.T) {
	pool := cpmm.NewPool(100, 0.25)
	assert.InDelta(t, 300.0, pool.YES, 1e-9)
	assert.InDelta(t, 100.0, pool.NO, 1e-9)
	assert.InDelta(t, 0.25, cpmm.Probability(pool, cpmm.DefaultP), 1e-12)

	third := cpmm.NewPool(100, 1.0/3)
	assert.InDelta(t, 200.0, third.YES, 1e-9)
}

func TestBuy_Yes(t *testing.T) {
	res, err := cpmm.Buy(even, 0.5, 10, domain.OutcomeYes)
	require.NoError(t, err)

	assert.InDelta(t, 19.090909, res.Shares, 1e-6)
	assert.InDelta(t, 90.909091, res.NewPool.YES, 1e-6)
	assert.InDelta(t, 110.0, res.NewPool.NO, 1e-9)
	assert.InDelta(t, 0.5, res.ProbBefore, 1e-12)
	assert.InDelta(t, 0.547511, res.ProbAfter, 1e-6)
	assert.Zero(t, res.Fees.Total())
	assert.InDelta(t, cpmm.Invariant(even, 0.5), cpmm.Invariant(res.NewPool, 0.5), 1e-9)
}

func TestBuy_No(t *testing.T) {
	res, err := cpmm.Buy(even, 0.5, 30, domain.OutcomeNo)
	require.NoError(t, err)
	assert.InDelta(t, 53.076923, res.Shares, 1e-6)
	assert.InDelta(t, 0.371747, res.ProbAfter, 1e-6)
}

func TestBuy_Weighted(t *testing.T) {
	res, err := cpmm.Buy(even, 0.3, 10, domain.OutcomeYes)
	require.NoError(t, err)
	assert.Greater(t, res.ProbAfter, 0.3)
	assert.GreaterOrEqual(t, res.Shares, 10.0)
	assert.InDelta(t, cpmm.Invariant(even, 0.3), cpmm.Invariant(res.NewPool, 0.3), 1e-9)
}

func TestBuy_Validation(t *testing.T) {
	_, err := cpmm.Buy(even, 0.5, 0, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Buy(even, 0.5, math.NaN(), domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Buy(even, 0.5, math.Inf(1), domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Buy(even, 1, 10, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Buy(even, 0.5, 10, "MAYBE")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Buy(domain.Pool{YES: 0, NO: 100}, 0.5, 10, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestSell_RoundTrip(t *testing.T) {
	buy, err := cpmm.Buy(even, 0.5, 10, domain.OutcomeYes)
	require.NoError(t, err)

	sale, err := cpmm.Sell(buy.NewPool, 0.5, buy.Shares, domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, sale.Payout, 1e-9)
	assert.LessOrEqual(t, sale.Payout, 10.0)
	assert.InDelta(t, 100.0, sale.NewPool.YES, 1e-9)
	assert.InDelta(t, 100.0, sale.NewPool.NO, 1e-9)
	assert.InDelta(t, 0.5, sale.ProbAfter, 1e-9)
}

func TestSell_RoundTripNeverPaysMore(t *testing.T) {
	pools := []domain.Pool{even, {YES: 9310.66, NO: 6833.55}, {YES: 12.5, NO: 8000}}
	for _, pool := range pools {
		for _, amount := range []float64{0.01, 0.37, 10, 99.9} {
			for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
				buy, err := cpmm.Buy(pool, 0.4, amount, outcome)
				require.NoError(t, err)
				sale, err := cpmm.Sell(buy.NewPool, 0.4, buy.Shares, outcome)
				require.NoError(t, err)
				assert.LessOrEqual(t, sale.Payout, amount, "pool %+v amount %v %s", pool, amount, outcome)
				assert.GreaterOrEqual(t, cpmm.Invariant(buy.NewPool, 0.4), cpmm.Invariant(pool, 0.4))
			}
		}
	}
}

func TestSell_Partial(t *testing.T) {
	sale, err := cpmm.Sell(domain.Pool{YES: 90.909091, NO: 110}, 0.5, 5, domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 2.7066, sale.Payout, 1e-3)
	assert.Less(t, sale.ProbAfter, sale.ProbBefore)
}

func TestSell_Drain(t *testing.T) {
	_, err := cpmm.Sell(even, 0.5, 1e9, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrPoolDrain)
}

func TestSell_Validation(t *testing.T) {
	_, err := cpmm.Sell(even, 0.5, -1, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cpmm.Sell(even, 0, 1, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAmountForShares(t *testing.T) {
	amount, err := cpmm.AmountForShares(even, 0.5, 19.090909090909, domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, amount, 1e-9)

	_, err = cpmm.AmountForShares(even, 0.5, 0, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuy_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pool := domain.Pool{
			YES: rapid.Float64Range(10, 1e4).Draw(t, "yes"),
			NO:  rapid.Float64Range(10, 1e4).Draw(t, "no"),
		}
		p := rapid.Float64Range(0.2, 0.8).Draw(t, "p")
		amount := rapid.Float64Range(0.01, 100).Draw(t, "amount")
		outcome := rapid.SampledFrom([]domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}).Draw(t, "outcome")

		buy, err := cpmm.Buy(pool, p, amount, outcome)
		if err != nil {
			t.Fatalf("buy: %v", err)
		}
		if buy.ProbAfter <= 0 || buy.ProbAfter >= 1 {
			t.Fatalf("prob %v outside (0,1)", buy.ProbAfter)
		}
		if buy.Shares < amount*(1-1e-12) {
			t.Fatalf("shares %v < amount %v", buy.Shares, amount)
		}
		if outcome == domain.OutcomeYes && buy.ProbAfter < buy.ProbBefore {
			t.Fatalf("YES buy moved prob down: %v -> %v", buy.ProbBefore, buy.ProbAfter)
		}
		if outcome == domain.OutcomeNo && buy.ProbAfter > buy.ProbBefore {
			t.Fatalf("NO buy moved prob up: %v -> %v", buy.ProbBefore, buy.ProbAfter)
		}
		k0, k1 := cpmm.Invariant(pool, p), cpmm.Invariant(buy.NewPool, p)
		if math.Abs(k1-k0) > 1e-9*k0 {
			t.Fatalf("invariant %v -> %v", k0, k1)
		}

		sale, err := cpmm.Sell(buy.NewPool, p, buy.Shares, outcome)
		if err != nil {
			t.Fatalf("sell back: %v", err)
		}
		if sale.Payout > amount {
			t.Fatalf("sold back for %v, more than the %v paid", sale.Payout, amount)
		}
		if math.Abs(sale.Payout-amount) > 1e-7*math.Max(1, amount) {
			t.Fatalf("sold back for %v, paid %v", sale.Payout, amount)
		}
	})
}
