package engine_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/likeli/internal/adapters/lock"
	"github.com/alejandrodnm/likeli/internal/adapters/storage"
	"github.com/alejandrodnm/likeli/internal/application/engine"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initialBalance = 1000.0

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	e     *engine.Engine
	store *storage.MemoryStore
	lock  *lock.Local
	clock *clock
}

func newFixture(t *testing.T, cfg engine.Config) fixture {
	t.Helper()
	f := fixture{
		store: storage.NewMemoryStore(initialBalance),
		lock:  lock.NewLocal(),
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.e = engine.New(f.store, f.lock, cfg, engine.WithClock(f.clock.Now))
	return f
}

func (f fixture) binary(t *testing.T) *domain.Contract {
	t.Helper()
	c, err := f.e.CreateBinaryMarket(context.Background(), engine.NewBinaryMarket{
		CreatorID: "creator",
		Question:  "Will it rain tomorrow?",
		Liquidity: 100,
	})
	require.NoError(t, err)
	return c
}

func (f fixture) contract(t *testing.T, id string) *domain.Contract {
	t.Helper()
	c, err := f.e.GetContract(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f fixture) balance(t *testing.T, userID string) float64 {
	t.Helper()
	b, err := f.e.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f fixture) buy(t *testing.T, contractID, userID string, outcome domain.Outcome, amount float64) engine.TradeResult {
	t.Helper()
	res, err := f.e.PlaceMarketOrder(context.Background(), engine.MarketOrder{
		ContractID: contractID,
		UserID:     userID,
		Outcome:    outcome,
		Amount:     amount,
	})
	require.NoError(t, err)
	return res
}

func ptr[T any](v T) *T { return &v }

func TestPlaceMarketOrder_BinaryYes(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)

	res := f.buy(t, c.ID, "alice", domain.OutcomeYes, 10)

	assert.InDelta(t, 19.0909, res.Shares, 1e-4)
	assert.InDelta(t, 0.5, res.ProbBefore, 1e-12)
	assert.InDelta(t, 0.5475, res.ProbAfter, 1e-4)
	assert.GreaterOrEqual(t, res.Shares, 10.0)

	got := f.contract(t, c.ID)
	assert.InDelta(t, 90.9091, got.Pool.YES, 1e-4)
	assert.InDelta(t, 110.0, got.Pool.NO, 1e-9)
	assert.InDelta(t, 10.0, got.Volume, 1e-9)
	assert.Equal(t, 0.5, got.P, "p never changes on trades")
	require.Len(t, got.PriceHistory, 2)
	assert.InDelta(t, res.ProbAfter, got.PriceHistory[1].ProbYes, 1e-12)
	assert.InDelta(t, 1-res.ProbAfter, got.PriceHistory[1].ProbNo, 1e-12)
	require.NotNil(t, got.LastBetTime)

	assert.InDelta(t, initialBalance-10, f.balance(t, "alice"), 1e-9)

	m, err := f.e.Position(context.Background(), "alice", c.ID, "")
	require.NoError(t, err)
	assert.InDelta(t, res.Shares, m.TotalSharesYes, 1e-12)
	assert.InDelta(t, 10.0, m.Invested, 1e-12)

	bets, err := f.e.Bets(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, res.Bet.ID, bets[0].ID)
	assert.Equal(t, domain.OutcomeYes, bets[0].Outcome)

	history, err := f.e.PriceHistory(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPlaceMarketOrder_NoLowersProbability(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)

	res := f.buy(t, c.ID, "bob", domain.OutcomeNo, 30)
	assert.InDelta(t, 53.0769, res.Shares, 1e-4)
	assert.InDelta(t, 0.3717, res.ProbAfter, 1e-4)
}

func TestPlaceMarketOrder_Validation(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  engine.MarketOrder
		want error
	}{
		{"zero amount", engine.MarketOrder{ContractID: c.ID, UserID: "u", Outcome: domain.OutcomeYes, Amount: 0}, domain.ErrValidation},
		{"negative amount", engine.MarketOrder{ContractID: c.ID, UserID: "u", Outcome: domain.OutcomeYes, Amount: -5}, domain.ErrValidation},
		{"nan amount", engine.MarketOrder{ContractID: c.ID, UserID: "u", Outcome: domain.OutcomeYes, Amount: math.NaN()}, domain.ErrValidation},
		{"bad outcome", engine.MarketOrder{ContractID: c.ID, UserID: "u", Outcome: "MAYBE", Amount: 5}, domain.ErrValidation},
		{"no user", engine.MarketOrder{ContractID: c.ID, Outcome: domain.OutcomeYes, Amount: 5}, domain.ErrValidation},
		{"answer on binary", engine.MarketOrder{ContractID: c.ID, UserID: "u", AnswerID: "a1", Outcome: domain.OutcomeYes, Amount: 5}, domain.ErrValidation},
		{"unknown contract", engine.MarketOrder{ContractID: "nope", UserID: "u", Outcome: domain.OutcomeYes, Amount: 5}, domain.ErrNotFound},
		{"over balance", engine.MarketOrder{ContractID: c.ID, UserID: "u", Outcome: domain.OutcomeYes, Amount: initialBalance + 1}, domain.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.e.PlaceMarketOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// no rejected order may touch state
	got := f.contract(t, c.ID)
	assert.Equal(t, domain.Pool{YES: 100, NO: 100}, got.Pool)
	assert.Zero(t, got.Volume)
	assert.InDelta(t, initialBalance, f.balance(t, "u"), 1e-12)
	bets, err := f.e.Bets(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, bets)
}

func TestPlaceMarketOrder_SpendWholeBalance(t *testing.T) {
	f := newFixture(t, engine.Config{Graduation: domain.GraduationRules{VolumeThreshold: 1e9, Timer: time.Hour}})
	c := f.binary(t)

	f.buy(t, c.ID, "alice", domain.OutcomeYes, initialBalance)
	assert.Zero(t, f.balance(t, "alice"))

	_, err := f.e.PlaceMarketOrder(context.Background(), engine.MarketOrder{
		ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes, Amount: 0.01,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestPlaceMarketOrder_RateLimited(t *testing.T) {
	f := newFixture(t, engine.Config{TradeRateLimit: 0.001, TradeBurst: 2})
	c := f.binary(t)

	f.buy(t, c.ID, "alice", domain.OutcomeYes, 1)
	f.buy(t, c.ID, "alice", domain.OutcomeYes, 1)
	_, err := f.e.PlaceMarketOrder(context.Background(), engine.MarketOrder{
		ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes, Amount: 1,
	})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// each user has their own bucket
	f.buy(t, c.ID, "bob", domain.OutcomeYes, 1)
}

func TestSellShares_RoundTrip(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)
	ctx := context.Background()

	bought := f.buy(t, c.ID, "alice", domain.OutcomeYes, 10)

	res, err := f.e.SellShares(ctx, engine.SellOrder{ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes})
	require.NoError(t, err)

	assert.InDelta(t, bought.Shares, res.Shares, 1e-12)
	assert.InDelta(t, 10.0, res.Payout, 1e-6)
	assert.LessOrEqual(t, res.Payout, 10.0, "a round trip never pays more than it cost")
	assert.InDelta(t, initialBalance, f.balance(t, "alice"), 1e-6)
	assert.LessOrEqual(t, f.balance(t, "alice"), initialBalance)

	got := f.contract(t, c.ID)
	assert.InDelta(t, 100.0, got.Pool.YES, 1e-6)
	assert.InDelta(t, 100.0, got.Pool.NO, 1e-6)
	assert.InDelta(t, 0.5, res.ProbAfter, 1e-6)

	m, err := f.e.Position(ctx, "alice", c.ID, "")
	require.NoError(t, err)
	assert.Zero(t, m.TotalSharesYes)
	assert.Zero(t, m.Invested)

	bets, err := f.e.Bets(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Less(t, bets[1].Amount, 0.0)
	assert.InDelta(t, -bought.Shares, bets[1].Shares, 1e-12)
}

func TestSellShares_PartialAndOverSell(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)
	ctx := context.Background()

	bought := f.buy(t, c.ID, "alice", domain.OutcomeYes, 10)

	_, err := f.e.SellShares(ctx, engine.SellOrder{
		ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes, Shares: ptr(bought.Shares + 1),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	res, err := f.e.SellShares(ctx, engine.SellOrder{
		ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes, Shares: ptr(5.0),
	})
	require.NoError(t, err)
	assert.Greater(t, res.Payout, 0.0)
	assert.Less(t, res.Payout, 5.0)

	m, err := f.e.Position(ctx, "alice", c.ID, "")
	require.NoError(t, err)
	assert.InDelta(t, bought.Shares-5, m.TotalSharesYes, 1e-9)

	// selling exactly what is left zeroes the counter
	_, err = f.e.SellShares(ctx, engine.SellOrder{
		ContractID: c.ID, UserID: "alice", Outcome: domain.OutcomeYes, Shares: ptr(m.TotalSharesYes),
	})
	require.NoError(t, err)
	m, err = f.e.Position(ctx, "alice", c.ID, "")
	require.NoError(t, err)
	assert.Zero(t, m.TotalSharesYes)
}

func TestSellShares_NothingHeld(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)

	_, err := f.e.SellShares(context.Background(), engine.SellOrder{ContractID: c.ID, UserID: "nobody", Outcome: domain.OutcomeNo})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = f.e.SellShares(context.Background(), engine.SellOrder{
		ContractID: c.ID, UserID: "nobody", Outcome: domain.OutcomeNo, Shares: ptr(-1.0),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
