package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/likeli/internal/cpmm"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/olekukonko/tablewriter"
)

const questionWidth = 40

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifySweep imprime el resultado de una pasada de sweeps en el modo configurado.
func (c *Console) NotifySweep(_ context.Context, report domain.SweepReport) error {
	at := report.At
	if at.IsZero() {
		at = time.Now()
	}
	now := at.Format("15:04:05")

	if report.Expire.ExpiredCount == 0 && len(report.Graduated) == 0 {
		fmt.Fprintf(c.out, "[%s] sweep: nothing to do\n", now)
		return nil
	}

	fmt.Fprintf(c.out, "[%s] sweep: %d orders expired ($%.2f refunded), %d markets graduated\n",
		now, report.Expire.ExpiredCount, report.Expire.TotalRefunded, len(report.Graduated))

	if !c.table {
		return nil
	}
	if len(report.Expire.Expired) > 0 {
		c.PrintOrders(report.Expire.Expired)
	}
	for _, id := range report.Graduated {
		fmt.Fprintf(c.out, "  graduated → main: %s\n", id)
	}
	return nil
}

// PrintMarkets imprime una fila por contrato: fase, probabilidad y volumen.
func (c *Console) PrintMarkets(contracts []*domain.Contract) {
	if len(contracts) == 0 {
		fmt.Fprintln(c.out, "No markets.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Type", "Phase", "Prob", "Volume", "Resolution")
	for i, ct := range contracts {
		table.Append(
			fmt.Sprintf("%d", i+1),
			domain.TruncateQuestion(ct.Question, ct.ID, questionWidth),
			typeLabel(ct),
			string(ct.Phase),
			probLabel(ct),
			fmt.Sprintf("$%.2f", ct.Volume),
			resolutionLabel(ct),
		)
	}
	table.Render()

	for _, ct := range contracts {
		if ct.IsMultipleChoice() {
			c.printAnswers(ct)
		}
	}
}

func (c *Console) printAnswers(ct *domain.Contract) {
	fmt.Fprintf(c.out, "\n%s\n", domain.TruncateQuestion(ct.Question, ct.ID, questionWidth))
	table := tablewriter.NewWriter(c.out)
	table.Header("Answer", "Prob", "Pool YES", "Pool NO", "Volume")
	var sum float64
	for _, a := range ct.Answers {
		prob := cpmm.Probability(a.Pool, a.P)
		sum += prob
		table.Append(
			a.Text,
			fmt.Sprintf("%.2f%%", prob*100),
			fmt.Sprintf("%.2f", a.Pool.YES),
			fmt.Sprintf("%.2f", a.Pool.NO),
			fmt.Sprintf("$%.2f", a.Volume),
		)
	}
	table.Render()
	if ct.Dependent() {
		fmt.Fprintf(c.out, "  Σprob = %.6f\n", sum)
	}
}

// PrintOrders imprime órdenes límite con lo llenado y lo pendiente.
func (c *Console) PrintOrders(orders []*domain.Bet) {
	if len(orders) == 0 {
		fmt.Fprintln(c.out, "No orders.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Order", "User", "Side", "Limit", "Filled", "Remaining", "Status", "Expires")
	for _, o := range orders {
		table.Append(
			shortID(o.ID),
			o.UserID,
			string(o.Outcome),
			fmt.Sprintf("%.2f%%", o.Limit()*100),
			fmt.Sprintf("$%.2f", o.Amount),
			fmt.Sprintf("$%.2f", o.Remaining()),
			orderStatus(o),
			expiryLabel(o.ExpiresAt),
		)
	}
	table.Render()
}

// PrintBook imprime el libro agregado de un pool, asks arriba y bids abajo.
func (c *Console) PrintBook(ob domain.OrderBook) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Side", "Prob", "Amount", "Orders")
	asks := append([]domain.BookEntry(nil), ob.Asks...)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Prob > asks[j].Prob })
	for _, a := range asks {
		table.Append("NO", fmt.Sprintf("%.2f%%", a.Prob*100), fmt.Sprintf("$%.2f", a.Amount), fmt.Sprintf("%d", a.Orders))
	}
	for _, b := range ob.Bids {
		table.Append("YES", fmt.Sprintf("%.2f%%", b.Prob*100), fmt.Sprintf("$%.2f", b.Amount), fmt.Sprintf("%d", b.Orders))
	}
	table.Render()
	fmt.Fprintf(c.out, "  spread %.2f%%  depth $%.2f\n", ob.Spread()*100, ob.Depth())
}

// PrintPayouts imprime lo que cobró cada usuario al resolverse un mercado.
func (c *Console) PrintPayouts(contract *domain.Contract, payouts map[string]float64) {
	fmt.Fprintf(c.out, "\nResolved %s → %s\n",
		domain.TruncateQuestion(contract.Question, contract.ID, questionWidth), resolutionLabel(contract))
	if len(payouts) == 0 {
		fmt.Fprintln(c.out, "  no payouts")
		return
	}

	users := make([]string, 0, len(payouts))
	for u := range payouts {
		users = append(users, u)
	}
	sort.Strings(users)

	table := tablewriter.NewWriter(c.out)
	table.Header("User", "Payout")
	var total float64
	for _, u := range users {
		total += payouts[u]
		table.Append(u, fmt.Sprintf("$%.2f", payouts[u]))
	}
	table.Render()
	fmt.Fprintf(c.out, "  total paid $%.2f\n", total)
}

func typeLabel(ct *domain.Contract) string {
	switch {
	case ct.Dependent():
		return fmt.Sprintf("MC/%d Σ=1", len(ct.Answers))
	case ct.IsMultipleChoice():
		return fmt.Sprintf("MC/%d", len(ct.Answers))
	}
	return "BINARY"
}

func probLabel(ct *domain.Contract) string {
	if ct.IsMultipleChoice() {
		var best domain.Answer
		bestProb := -1.0
		for _, a := range ct.Answers {
			if p := cpmm.Probability(a.Pool, a.P); p > bestProb {
				best, bestProb = a, p
			}
		}
		return fmt.Sprintf("%s %.1f%%", truncate(best.Text, 12), bestProb*100)
	}
	return fmt.Sprintf("%.1f%%", cpmm.Probability(ct.Pool, ct.P)*100)
}

func resolutionLabel(ct *domain.Contract) string {
	if !ct.IsResolved() {
		return "-"
	}
	if ct.Resolution == domain.ResolutionMkt && ct.ResolutionProbability != nil {
		return fmt.Sprintf("MKT@%.0f%%", *ct.ResolutionProbability*100)
	}
	if ct.IsMultipleChoice() {
		for _, a := range ct.Answers {
			if a.Resolution != nil && *a.Resolution == domain.ResolutionYes {
				return a.Text
			}
		}
	}
	return string(ct.Resolution)
}

func orderStatus(o *domain.Bet) string {
	switch {
	case o.IsCancelled:
		return "cancelled"
	case o.IsFilled:
		return "filled"
	case o.Amount > 0:
		return "partial"
	}
	return "open"
}

func expiryLabel(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.TrimSpace(s[:maxLen-1]) + "…"
}
