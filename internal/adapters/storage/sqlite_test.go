package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/likeli/internal/adapters/storage"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores devuelve una instancia fresca de cada implementación de ports.Store.
func stores(t *testing.T) map[string]ports.Store {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:", 1000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]ports.Store{
		"sqlite": db,
		"memory": storage.NewMemoryStore(1000),
	}
}

func makeContract(id string, phase domain.Phase, created time.Time) *domain.Contract {
	return &domain.Contract{
		ID:          id,
		Question:    "Will X happen?",
		OutcomeType: domain.OutcomeTypeBinary,
		Pool:        domain.Pool{YES: 100, NO: 100},
		P:           0.5,
		Phase:       phase,
		CreatedTime: created,
	}
}

func makeOrder(id, contractID, userID string, limit float64) *domain.Bet {
	return &domain.Bet{
		ID:          id,
		ContractID:  contractID,
		UserID:      userID,
		Outcome:     domain.OutcomeYes,
		LimitProb:   &limit,
		OrderAmount: 50,
		CreatedTime: time.Now().UTC(),
	}
}

func TestStore_ContractRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			c := makeContract("c1", domain.PhaseSandbox, now)
			c.RecordPrice(now, 0.5)
			require.NoError(t, s.SaveContract(ctx, c))

			got, err := s.GetContract(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "Will X happen?", got.Question)
			assert.InDelta(t, 100.0, got.Pool.YES, 1e-12)
			require.Len(t, got.PriceHistory, 1)

			// modificar la copia no afecta al store
			got.Volume = 999
			again, err := s.GetContract(ctx, "c1")
			require.NoError(t, err)
			assert.Zero(t, again.Volume)
		})
	}
}

func TestStore_GetContract_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetContract(context.Background(), "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStore_ListContracts_FiltersByPhase(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			require.NoError(t, s.SaveContract(ctx, makeContract("a", domain.PhaseSandbox, base)))
			require.NoError(t, s.SaveContract(ctx, makeContract("b", domain.PhaseGraduating, base.Add(time.Second))))
			require.NoError(t, s.SaveContract(ctx, makeContract("c", domain.PhaseSandbox, base.Add(2*time.Second))))

			all, err := s.ListContracts(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			sandbox, err := s.ListContracts(ctx, domain.PhaseSandbox)
			require.NoError(t, err)
			require.Len(t, sandbox, 2)
			assert.Equal(t, "a", sandbox[0].ID)
			assert.Equal(t, "c", sandbox[1].ID)

			// cambio de fase
			b, err := s.GetContract(ctx, "b")
			require.NoError(t, err)
			b.Phase = domain.PhaseMain
			require.NoError(t, s.SaveContract(ctx, b))
			grad, err := s.ListContracts(ctx, domain.PhaseGraduating)
			require.NoError(t, err)
			assert.Empty(t, grad)
		})
	}
}

func TestStore_UserBalance(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			u, err := s.GetOrCreateUser(ctx, "alice")
			require.NoError(t, err)
			assert.InDelta(t, 1000.0, u.Balance, 1e-9)

			u, err = s.UpdateUserBalance(ctx, "alice", -250)
			require.NoError(t, err)
			assert.InDelta(t, 750.0, u.Balance, 1e-9)

			_, err = s.UpdateUserBalance(ctx, "alice", -751)
			assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

			// el rechazo no cambia nada
			u, err = s.GetOrCreateUser(ctx, "alice")
			require.NoError(t, err)
			assert.InDelta(t, 750.0, u.Balance, 1e-9)

			// gastar exactamente todo deja 0
			u, err = s.UpdateUserBalance(ctx, "alice", -750)
			require.NoError(t, err)
			assert.Zero(t, u.Balance)
		})
	}
}

func TestStore_UpdateUserBalance_ConcurrentSpendNeverNegative(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.UpdateUserBalance(ctx, "bob", -100); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					} else if !errors.Is(err, domain.ErrInsufficientBalance) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 10, ok)
			u, err := s.GetOrCreateUser(ctx, "bob")
			require.NoError(t, err)
			assert.Zero(t, u.Balance)
		})
	}
}

func TestStore_Metrics(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			m, err := s.GetOrCreateMetric(ctx, "alice", "c1", "")
			require.NoError(t, err)
			assert.Zero(t, m.TotalSharesYes)

			m.ApplyBuy(domain.OutcomeYes, 19.1, 10)
			require.NoError(t, s.UpdateMetric(ctx, m))

			other, err := s.GetOrCreateMetric(ctx, "alice", "c1", "a2")
			require.NoError(t, err)
			other.ApplyBuy(domain.OutcomeNo, 5, 3)
			require.NoError(t, s.UpdateMetric(ctx, other))

			got, err := s.GetOrCreateMetric(ctx, "alice", "c1", "")
			require.NoError(t, err)
			assert.InDelta(t, 19.1, got.TotalSharesYes, 1e-12)
			assert.InDelta(t, 10.0, got.Invested, 1e-12)

			list, err := s.ListMetrics(ctx, "c1")
			require.NoError(t, err)
			assert.Len(t, list, 2)

			none, err := s.ListMetrics(ctx, "c2")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_BetsKeepInsertionOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, s.AddBet(ctx, &domain.Bet{
					ID:         fmt.Sprintf("b%d", i),
					ContractID: "c1",
					UserID:     "alice",
					Amount:     float64(i + 1),
					Outcome:    domain.OutcomeYes,
				}))
			}
			bets, err := s.GetBets(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, bets, 3)
			for i, b := range bets {
				assert.Equal(t, fmt.Sprintf("b%d", i), b.ID)
			}
		})
	}
}

func TestStore_PriceHistoryIsCapped(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Unix(1_700_000_000, 0).UTC()
			total := domain.MaxPriceHistory + 20
			for i := 0; i < total; i++ {
				require.NoError(t, s.AddPricePoint(ctx, "c1", domain.PricePoint{
					Timestamp: start.Add(time.Duration(i) * time.Second),
					ProbYes:   0.5,
					ProbNo:    0.5,
				}))
			}
			pts, err := s.PriceHistory(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, pts, domain.MaxPriceHistory)
			assert.True(t, pts[0].Timestamp.Equal(start.Add(20*time.Second)))
			assert.True(t, pts[len(pts)-1].Timestamp.Equal(start.Add(time.Duration(total-1)*time.Second)))
		})
	}
}

func TestStore_LimitOrders(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveLimitOrder(ctx, makeOrder("o1", "c1", "alice", 0.4)))
			require.NoError(t, s.SaveLimitOrder(ctx, makeOrder("o2", "c1", "bob", 0.3)))
			require.NoError(t, s.SaveLimitOrder(ctx, makeOrder("o3", "c2", "bob", 0.6)))

			orders, err := s.GetLimitOrders(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, orders, 2)
			assert.Equal(t, "o1", orders[0].ID)
			assert.Equal(t, "o2", orders[1].ID)

			// cancelar o1 y volver a guardarla no cambia el orden de creación
			o1, err := s.FindLimitOrder(ctx, "o1")
			require.NoError(t, err)
			_, err = o1.Cancel()
			require.NoError(t, err)
			require.NoError(t, s.SaveLimitOrder(ctx, o1))

			orders, err = s.GetLimitOrders(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "o1", orders[0].ID)
			assert.True(t, orders[0].IsCancelled)

			open, err := s.ListOpenLimitOrders(ctx)
			require.NoError(t, err)
			require.Len(t, open, 2)
			assert.Equal(t, "o2", open[0].ID)
			assert.Equal(t, "o3", open[1].ID)

			_, err = s.FindLimitOrder(ctx, "nope")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStore_SaveLimitOrder_RejectsMarketBet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveLimitOrder(context.Background(), &domain.Bet{ID: "b1", ContractID: "c1"})
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestNewSQLiteStore_InvalidPath(t *testing.T) {
	_, err := storage.NewSQLiteStore("/nonexistent/dir/db.sqlite", 0)
	assert.Error(t, err)
}
