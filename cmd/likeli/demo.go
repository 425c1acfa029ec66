package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/likeli/internal/adapters/notify"
	"github.com/alejandrodnm/likeli/internal/application/engine"
	"github.com/alejandrodnm/likeli/internal/domain"
)

const house = "house"

// runDemo crea un mercado binario y uno multiple choice dependiente y
// ejecuta una sesión de trading con guion: market orders, órdenes límite,
// ventas, expiración y resolución.
func runDemo(ctx context.Context, eng *engine.Engine, notifier *notify.Console, liquidity float64) error {
	slog.Info("=== DEMO: scripted trading session ===")

	rain, err := eng.CreateBinaryMarket(ctx, engine.NewBinaryMarket{
		CreatorID: house,
		Question:  "Will it rain in Madrid tomorrow?",
		Liquidity: liquidity,
	})
	if err != nil {
		return fmt.Errorf("demo: create binary: %w", err)
	}
	league, err := eng.CreateMultipleChoiceMarket(ctx, engine.NewMultipleChoiceMarket{
		CreatorID: house,
		Question:  "Who wins the league?",
		Liquidity: liquidity,
		Answers:   []string{"Madrid", "Barcelona", "Atlético"},
		SumToOne:  true,
	})
	if err != nil {
		return fmt.Errorf("demo: create multiple choice: %w", err)
	}

	// binario: market order, orden límite que descansa y un taker que la cruza
	if _, err := eng.PlaceMarketOrder(ctx, engine.MarketOrder{
		ContractID: rain.ID, UserID: "alice", Outcome: domain.OutcomeYes, Amount: 50,
	}); err != nil {
		return fmt.Errorf("demo: alice buys: %w", err)
	}
	if _, err := eng.PlaceLimitOrder(ctx, engine.LimitOrder{
		ContractID: rain.ID, UserID: "bob", Outcome: domain.OutcomeNo, Amount: 40, LimitProb: 0.8,
	}); err != nil {
		return fmt.Errorf("demo: bob limit: %w", err)
	}
	expires := time.Now().Add(time.Second)
	if _, err := eng.PlaceLimitOrder(ctx, engine.LimitOrder{
		ContractID: rain.ID, UserID: "carol", Outcome: domain.OutcomeYes, Amount: 25, LimitProb: 0.3, ExpiresAt: &expires,
	}); err != nil {
		return fmt.Errorf("demo: carol limit: %w", err)
	}

	book, err := eng.OrderBook(ctx, rain.ID, "")
	if err != nil {
		return err
	}
	notifier.PrintBook(book)

	if _, err := eng.PlaceMarketOrder(ctx, engine.MarketOrder{
		ContractID: rain.ID, UserID: "dave", Outcome: domain.OutcomeYes, Amount: 30,
	}); err != nil {
		return fmt.Errorf("demo: dave buys: %w", err)
	}

	half, err := eng.Position(ctx, "alice", rain.ID, "")
	if err != nil {
		return err
	}
	shares := half.TotalSharesYes / 2
	if _, err := eng.SellShares(ctx, engine.SellOrder{
		ContractID: rain.ID, UserID: "alice", Outcome: domain.OutcomeYes, Shares: &shares,
	}); err != nil {
		return fmt.Errorf("demo: alice sells: %w", err)
	}

	// multiple choice: el solver mantiene Σprob = 1
	madrid, barca := league.Answers[0].ID, league.Answers[1].ID
	if _, err := eng.PlaceMarketOrder(ctx, engine.MarketOrder{
		ContractID: league.ID, UserID: "erin", AnswerID: madrid, Outcome: domain.OutcomeYes, Amount: 25,
	}); err != nil {
		return fmt.Errorf("demo: erin buys: %w", err)
	}
	if _, err := eng.PlaceMarketOrder(ctx, engine.MarketOrder{
		ContractID: league.ID, UserID: "frank", AnswerID: barca, Outcome: domain.OutcomeNo, Amount: 10,
	}); err != nil {
		return fmt.Errorf("demo: frank buys: %w", err)
	}

	markets, err := eng.ListContracts(ctx, "")
	if err != nil {
		return err
	}
	notifier.PrintMarkets(markets)

	// la orden de carol expira y se reembolsa
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(expires) + 10*time.Millisecond):
	}
	report, err := eng.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("demo: sweep: %w", err)
	}
	if err := notifier.NotifySweep(ctx, report); err != nil {
		return err
	}

	for _, req := range []engine.ResolveRequest{
		{ContractID: rain.ID, ResolverID: house, Outcome: domain.ResolutionYes},
		{ContractID: league.ID, ResolverID: house, Outcome: domain.ResolutionYes, AnswerID: madrid},
	} {
		res, err := eng.ResolveMarket(ctx, req)
		if err != nil {
			return fmt.Errorf("demo: resolve %s: %w", req.ContractID, err)
		}
		notifier.PrintPayouts(res.Contract, res.Payouts)
	}

	for _, user := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		balance, err := eng.Balance(ctx, user)
		if err != nil {
			return err
		}
		slog.Info("final balance", "user", user, "balance", fmt.Sprintf("%.2f", balance))
	}
	slog.Info("demo complete")
	return nil
}
