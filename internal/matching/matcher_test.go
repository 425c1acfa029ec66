package matching_test

import (
	"testing"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/matching"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var even = domain.Pool{YES: 100, NO: 100}

func order(id, user string, outcome domain.Outcome, amount, limit float64) *domain.Bet {
	return &domain.Bet{ID: id, UserID: user, Outcome: outcome, OrderAmount: amount, LimitProb: &limit}
}

func TestSortForTaker(t *testing.T) {
	closed := order("closed", "m", domain.OutcomeNo, 10, 0.9)
	closed.IsCancelled = true
	orders := []*domain.Bet{
		order("n1", "m", domain.OutcomeNo, 10, 0.6),
		order("y1", "m", domain.OutcomeYes, 10, 0.4),
		order("n2", "m", domain.OutcomeNo, 10, 0.8),
		order("n3", "m", domain.OutcomeNo, 10, 0.6),
		order("y2", "m", domain.OutcomeYes, 10, 0.2),
		closed,
		{ID: "market", Outcome: domain.OutcomeNo, Amount: 10},
	}

	ids := func(bets []*domain.Bet) []string {
		var out []string
		for _, b := range bets {
			out = append(out, b.ID)
		}
		return out
	}
	assert.Equal(t, []string{"n2", "n1", "n3"}, ids(matching.SortForTaker(orders, domain.OutcomeYes)))
	assert.Equal(t, []string{"y2", "y1"}, ids(matching.SortForTaker(orders, domain.OutcomeNo)))
}

func TestMatchLimitOrders_SingleFill(t *testing.T) {
	orders := []*domain.Bet{order("o1", "maker", domain.OutcomeNo, 50, 0.4)}
	balances := map[string]float64{"maker": 50}

	res, err := matching.MatchLimitOrders(10, domain.OutcomeYes, orders, even, 0.5, balances)
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.Equal(t, "o1", f.OrderID)
	assert.Equal(t, "maker", f.MakerID)
	assert.InDelta(t, 10.0, f.Amount, 1e-12)
	assert.InDelta(t, 19.090909, f.Shares, 1e-6)
	assert.InDelta(t, 20.900901, f.MakerShares, 1e-6)
	assert.InDelta(t, 0.495475, f.ProbAfter, 1e-6)
	assert.Zero(t, res.RemainingAmount)
	assert.InDelta(t, 100.909091, res.Pool.YES, 1e-6)
	assert.InDelta(t, 99.099099, res.Pool.NO, 1e-6)
	assert.Empty(t, res.OrdersToCancel)

	// inputs are left alone
	assert.Zero(t, orders[0].Amount)
	assert.InDelta(t, 50.0, balances["maker"], 1e-12)
}

func TestMatchLimitOrders_SkipsOrdersAboveThePrice(t *testing.T) {
	// a NO maker at 0.6 only buys once YES is worth at least 0.6
	orders := []*domain.Bet{order("o1", "maker", domain.OutcomeNo, 50, 0.6)}

	res, err := matching.MatchLimitOrders(10, domain.OutcomeYes, orders, even, 0.5, map[string]float64{"maker": 50})
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Empty(t, res.OrdersToCancel)
	assert.InDelta(t, 10.0, res.RemainingAmount, 1e-12)
	assert.Equal(t, even, res.Pool)
}

func TestMatchLimitOrders_StopsAtMakerLimit(t *testing.T) {
	orders := []*domain.Bet{order("o1", "maker", domain.OutcomeNo, 50, 0.499)}

	res, err := matching.MatchLimitOrders(10, domain.OutcomeYes, orders, even, 0.5, map[string]float64{"maker": 50})
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.InDelta(t, 4.575596, f.Amount, 1e-6)
	assert.InDelta(t, 9.350992, f.MakerShares, 1e-6)
	assert.GreaterOrEqual(t, f.ProbAfter, 0.499)
	assert.InDelta(t, 0.499, f.ProbAfter, 1e-9)
	// the maker never pays more than 1-limit per NO share
	assert.LessOrEqual(t, f.Amount/f.MakerShares, 1-0.499)
	assert.InDelta(t, 10-f.Amount, res.RemainingAmount, 1e-12)
}

func TestMatchLimitOrders_CancelsInsolventMaker(t *testing.T) {
	orders := []*domain.Bet{
		order("broke", "poor", domain.OutcomeNo, 50, 0.45),
		order("ok", "rich", domain.OutcomeNo, 50, 0.4),
	}
	balances := map[string]float64{"rich": 50}

	res, err := matching.MatchLimitOrders(10, domain.OutcomeYes, orders, even, 0.5, balances)
	require.NoError(t, err)
	require.Len(t, res.OrdersToCancel, 1)
	assert.Equal(t, "broke", res.OrdersToCancel[0].ID)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "ok", res.Fills[0].OrderID)
}

func TestMatchLimitOrders_MakerBalanceSharedAcrossOrders(t *testing.T) {
	orders := []*domain.Bet{
		order("a", "maker", domain.OutcomeNo, 6, 0.3),
		order("b", "maker", domain.OutcomeNo, 6, 0.2),
	}
	balances := map[string]float64{"maker": 8}

	res, err := matching.MatchLimitOrders(20, domain.OutcomeYes, orders, even, 0.5, balances)
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.InDelta(t, 6.0, res.Fills[0].Amount, 1e-12)
	assert.InDelta(t, 2.0, res.Fills[1].Amount, 1e-12)
	assert.InDelta(t, 12.0, res.RemainingAmount, 1e-12)
}

func TestMatchLimitOrders_Validation(t *testing.T) {
	_, err := matching.MatchLimitOrders(0, domain.OutcomeYes, nil, even, 0.5, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = matching.MatchLimitOrders(1, "X", nil, even, 0.5, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExecute_PartialFillThenAMM(t *testing.T) {
	orders := []*domain.Bet{order("o1", "maker", domain.OutcomeNo, 4, 0.4)}

	ex, err := matching.Execute(10, domain.OutcomeYes, orders, even, 0.5, matching.Escrow(orders))
	require.NoError(t, err)
	require.Len(t, ex.Fills, 1)
	assert.InDelta(t, 4.0, ex.Fills[0].Amount, 1e-12)
	assert.InDelta(t, 7.846154, ex.Fills[0].Shares, 1e-6)
	assert.InDelta(t, 8.153610, ex.Fills[0].MakerShares, 1e-6)
	assert.InDelta(t, 19.523467, ex.Shares, 1e-6)
	assert.InDelta(t, 94.476533, ex.Pool.YES, 1e-6)
	assert.InDelta(t, 105.846390, ex.Pool.NO, 1e-6)
	assert.InDelta(t, 0.528379, ex.ProbAfter, 1e-6)
	assert.InDelta(t, 4.0, ex.MakerVolume(), 1e-12)
}

func TestExecute_NoOrdersMatchesAMM(t *testing.T) {
	ex, err := matching.Execute(10, domain.OutcomeNo, nil, even, 0.5, nil)
	require.NoError(t, err)
	buy, err := cpmm.Buy(even, 0.5, 10, domain.OutcomeNo)
	require.NoError(t, err)
	assert.InDelta(t, buy.Shares, ex.Shares, 1e-12)
	assert.Equal(t, buy.NewPool, ex.Pool)
	assert.Empty(t, ex.Fills)
	assert.Zero(t, ex.MakerVolume())
}

func TestEscrow(t *testing.T) {
	partial := order("p", "alice", domain.OutcomeYes, 10, 0.4)
	partial.Amount = 4
	done := order("d", "alice", domain.OutcomeYes, 10, 0.4)
	done.IsFilled = true

	escrow := matching.Escrow([]*domain.Bet{
		partial,
		done,
		order("b", "bob", domain.OutcomeNo, 7, 0.7),
		{ID: "market", UserID: "carol", Amount: 5},
	})
	assert.Equal(t, map[string]float64{"alice": 6, "bob": 7}, escrow)
}
