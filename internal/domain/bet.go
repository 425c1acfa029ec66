package domain

import (
	"fmt"
	"slices"
	"time"
)

// dust es la cantidad por debajo de la cual un importe o un número de shares
// se considera cero (ruido de coma flotante).
const dust = 1e-9

// Fill registra un emparejamiento parcial de una orden límite.
type Fill struct {
	MatchedBetID string    `json:"matchedBetId,omitempty"` // vacío si se llenó contra el AMM
	Amount       float64   `json:"amount"`
	Shares       float64   `json:"shares"`
	Timestamp    time.Time `json:"timestamp"`
}

// Bet es una apuesta ejecutada o, si LimitProb != nil, una orden límite.
// Solo se muta para registrar fills o la cancelación; nunca se borra.
//
// Las ventas se guardan con Amount y Shares negativos.
type Bet struct {
	ID           string     `json:"id"`
	ContractID   string     `json:"contractId"`
	UserID       string     `json:"userId"`
	AnswerID     string     `json:"answerId,omitempty"`
	Amount       float64    `json:"amount"`
	Shares       float64    `json:"shares"`
	Outcome      Outcome    `json:"outcome"`
	ProbBefore   float64    `json:"probBefore"`
	ProbAfter    float64    `json:"probAfter"`
	LimitProb    *float64   `json:"limitProb,omitempty"`
	OrderAmount  float64    `json:"orderAmount,omitempty"`
	Fills        []Fill     `json:"fills,omitempty"`
	IsFilled     bool       `json:"isFilled"`
	IsCancelled  bool       `json:"isCancelled"`
	IsRedemption bool       `json:"isRedemption"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CreatedTime  time.Time  `json:"createdTime"`
}

// IsLimitOrder devuelve true si la apuesta es una orden límite.
func (b *Bet) IsLimitOrder() bool { return b.LimitProb != nil }

// IsOpen devuelve true si la orden sigue en el libro.
func (b *Bet) IsOpen() bool { return !b.IsFilled && !b.IsCancelled }

// Remaining devuelve el importe reservado que todavía no se ha llenado.
func (b *Bet) Remaining() float64 {
	r := b.OrderAmount - b.Amount
	if r < dust {
		return 0
	}
	return r
}

// Expired devuelve true si la orden tiene expiración y ya pasó.
func (b *Bet) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// Limit devuelve la probabilidad límite, o 0 si no es una orden límite.
func (b *Bet) Limit() float64 {
	if b.LimitProb == nil {
		return 0
	}
	return *b.LimitProb
}

// Crossed devuelve true si el precio actual satisface el límite de la orden.
// YES se llena cuando prob <= límite; NO cuando prob >= límite.
func (b *Bet) Crossed(prob float64) bool {
	if b.LimitProb == nil {
		return false
	}
	if b.Outcome == OutcomeYes {
		return prob <= *b.LimitProb
	}
	return prob >= *b.LimitProb
}

// RecordFill suma un fill a la orden y la marca como llena si no queda nada.
func (b *Bet) RecordFill(f Fill, probAfter float64) error {
	if !b.IsOpen() {
		return fmt.Errorf("bet %s: fill on closed order: %w", b.ID, ErrInternal)
	}
	if f.Amount <= 0 || f.Amount > b.Remaining()+dust {
		return fmt.Errorf("bet %s: fill %.6f exceeds remaining %.6f: %w", b.ID, f.Amount, b.Remaining(), ErrInternal)
	}
	b.Amount += f.Amount
	if b.Amount > b.OrderAmount {
		b.Amount = b.OrderAmount
	}
	b.Shares += f.Shares
	b.ProbAfter = probAfter
	b.Fills = append(b.Fills, f)
	if b.Remaining() == 0 {
		b.IsFilled = true
	}
	return nil
}

// Cancel marca la orden como cancelada y devuelve el importe a reembolsar.
func (b *Bet) Cancel() (float64, error) {
	switch {
	case b.IsCancelled:
		return 0, fmt.Errorf("bet %s: %w", b.ID, ErrAlreadyCancelled)
	case b.IsFilled:
		return 0, fmt.Errorf("bet %s: %w", b.ID, ErrAlreadyFilled)
	}
	refund := b.Remaining()
	b.IsCancelled = true
	return refund, nil
}

// Clone hace una copia profunda de la apuesta.
func (b *Bet) Clone() *Bet {
	if b == nil {
		return nil
	}
	out := *b
	out.Fills = slices.Clone(b.Fills)
	if b.LimitProb != nil {
		v := *b.LimitProb
		out.LimitProb = &v
	}
	out.ExpiresAt = cloneTime(b.ExpiresAt)
	return &out
}

// User es un trader con un único saldo fungible.
type User struct {
	ID          string    `json:"id"`
	Balance     float64   `json:"balance"`
	CreatedTime time.Time `json:"createdTime"`
}
