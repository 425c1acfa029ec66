package engine_test

import (
	"context"
	"errors"
	"fmt"
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

func TestConcurrentBuys_SameContract(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)

	const traders = 20
	var wg sync.WaitGroup
	errs := make(chan error, traders)
	for i := range traders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.e.PlaceMarketOrder(context.Background(), engine.MarketOrder{
				ContractID: c.ID,
				UserID:     fmt.Sprintf("trader-%d", i),
				Outcome:    domain.OutcomeYes,
				Amount:     5,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// YES buys on a p=0.5 pool compose: the final pool only depends on the total spent
	got := f.contract(t, c.ID)
	assert.InDelta(t, 200.0, got.Pool.NO, 1e-9)
	assert.InDelta(t, 50.0, got.Pool.YES, 1e-9)
	assert.InDelta(t, 100.0, got.Volume, 1e-9)
	assert.Len(t, got.PriceHistory, traders+1)

	bets, err := f.e.Bets(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, bets, traders)
}

func TestConcurrentBuys_NoDoubleSpend(t *testing.T) {
	store := storage.NewMemoryStore(100)
	e := engine.New(store, lock.NewLocal(), engine.Config{})
	ctx := context.Background()

	var ids []string
	for i := range 2 {
		c, err := e.CreateBinaryMarket(ctx, engine.NewBinaryMarket{
			CreatorID: "creator", Question: fmt.Sprintf("market %d", i), Liquidity: 100,
		})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	const orders = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, poor int
	)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.PlaceMarketOrder(ctx, engine.MarketOrder{
				ContractID: ids[i%2],
				UserID:     "whale",
				Outcome:    domain.OutcomeYes,
				Amount:     20,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientBalance):
				poor++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, poor)
	u, err := store.GetOrCreateUser(ctx, "whale")
	require.NoError(t, err)
	assert.InDelta(t, 0, u.Balance, 1e-9)

	var volume float64
	for _, id := range ids {
		c, err := e.GetContract(ctx, id)
		require.NoError(t, err)
		volume += c.Volume
	}
	assert.InDelta(t, 100.0, volume, 1e-9)
}

func TestConcurrentSweeps_ExpireOnce(t *testing.T) {
	f := newFixture(t, engine.Config{})
	c := f.binary(t)

	exp := f.clock.Now().Add(time.Minute)
	for i := range 5 {
		f.limit(t, engine.LimitOrder{
			ContractID: c.ID, UserID: fmt.Sprintf("maker-%d", i), Outcome: domain.OutcomeYes,
			Amount: 10, LimitProb: 0.2, ExpiresAt: &exp,
		})
	}
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var refunded float64
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.e.ExpireLimitOrders(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			refunded += res.TotalRefunded
			mu.Unlock()
		}()
	}
	wg.Wait()

	// a sweep that lost the lock is a no-op, one that won it refunds everything
	open, err := f.store.ListOpenLimitOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.InDelta(t, 50.0, refunded, 1e-9)
	for i := range 5 {
		assert.InDelta(t, initialBalance, f.balance(t, fmt.Sprintf("maker-%d", i)), 1e-9)
	}
}
