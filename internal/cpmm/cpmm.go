// Package cpmm implementa el market maker de producto constante ponderado.
//
// Para un pool (y, n) y un peso p ∈ (0,1):
//
//	prob(YES) = p·n / (p·n + (1−p)·y)
//	k         = y^p · n^(1−p)          (invariante de cualquier trade)
//
// Todas las funciones son puras: reciben el pool y devuelven el pool nuevo.
package cpmm

import (
	"fmt"
	"math"

	"github.com/alejandrodnm/likeli/internal/domain"
)

const (
	// MinPoolQty es la reserva mínima de cualquier lado tras una venta.
	MinPoolQty = 0.01
	// DefaultP es el peso de un contrato nuevo.
	DefaultP = 0.5

	maxBisection = 200
	// mintRounding es cuánto se recortan las shares acuñadas, relativo a la
	// reserva comprada, para que el invariante tras una compra nunca quede
	// por debajo de k por redondeo.
	mintRounding = 1e-12
)

// Purchase es el resultado de comprar shares contra el AMM.
type Purchase struct {
	Shares     float64
	NewPool    domain.Pool
	ProbBefore float64
	ProbAfter  float64
	Fees       domain.Fees
}

// Sale es el resultado de vender shares al AMM.
type Sale struct {
	Payout     float64
	NewPool    domain.Pool
	ProbBefore float64
	ProbAfter  float64
}

// Probability devuelve la probabilidad implícita de YES.
func Probability(pool domain.Pool, p float64) float64 {
	return p * pool.NO / (p*pool.NO + (1-p)*pool.YES)
}

// Invariant devuelve k = YES^p · NO^(1−p).
func Invariant(pool domain.Pool, p float64) float64 {
	return math.Pow(pool.YES, p) * math.Pow(pool.NO, 1-p)
}

// NewPool crea un pool con peso 0.5 cuya probabilidad es prob.
// La reserva NO es liquidity; la YES se ajusta para fijar el precio.
func NewPool(liquidity, prob float64) domain.Pool {
	return domain.Pool{YES: liquidity * (1 - prob) / prob, NO: liquidity}
}

// Shares devuelve cuántas shares de outcome se obtienen con amount.
// Se suma amount a ambas reservas y se retiran del lado comprado las shares
// necesarias para restaurar el invariante; siempre shares >= amount.
// El resultado se redondea hacia abajo: comprar y vender en seguida nunca
// devuelve más de lo pagado.
func Shares(pool domain.Pool, p, amount float64, outcome domain.Outcome) float64 {
	k := Invariant(pool, p)
	if outcome == domain.OutcomeYes {
		reserve := pool.YES + amount
		return reserve - math.Pow(k/math.Pow(pool.NO+amount, 1-p), 1/p) - reserve*mintRounding
	}
	reserve := pool.NO + amount
	return reserve - math.Pow(k/math.Pow(pool.YES+amount, p), 1/(1-p)) - reserve*mintRounding
}

// Buy compra shares de outcome por amount.
func Buy(pool domain.Pool, p, amount float64, outcome domain.Outcome) (Purchase, error) {
	if err := validate(pool, p, outcome); err != nil {
		return Purchase{}, fmt.Errorf("cpmm.Buy: %w", err)
	}
	if !positive(amount) {
		return Purchase{}, fmt.Errorf("cpmm.Buy: amount %v: %w", amount, domain.ErrValidation)
	}

	shares := Shares(pool, p, amount, outcome)
	next := domain.Pool{YES: pool.YES + amount, NO: pool.NO + amount}
	if outcome == domain.OutcomeYes {
		next.YES -= shares
	} else {
		next.NO -= shares
	}
	if math.IsNaN(shares) || !next.Valid() {
		return Purchase{}, fmt.Errorf("cpmm.Buy: pool %+v after %.6f %s: %w", next, amount, outcome, domain.ErrInternal)
	}

	before := Probability(pool, p)
	after := Probability(next, p)
	if !openUnit(after) {
		return Purchase{}, fmt.Errorf("cpmm.Buy: probability %.12f at boundary: %w", after, domain.ErrValidation)
	}

	return Purchase{
		Shares:     shares,
		NewPool:    next,
		ProbBefore: before,
		ProbAfter:  after,
		Fees:       domain.FeesSplit(domain.TakerFee(shares, before)),
	}, nil
}

// Sell vende shares de outcome al AMM.
//
// Las shares entran en el lado vendido y el payout c sale de ambos lados:
//
//	(y + s − c)^p · (n − c)^(1−p) = k      (venta de YES)
//
// c se resuelve por bisección en log-espacio. Se rechaza si alguna reserva
// queda por debajo de MinPoolQty o si el payout no es positivo.
func Sell(pool domain.Pool, p, shares float64, outcome domain.Outcome) (Sale, error) {
	if err := validate(pool, p, outcome); err != nil {
		return Sale{}, fmt.Errorf("cpmm.Sell: %w", err)
	}
	if !positive(shares) {
		return Sale{}, fmt.Errorf("cpmm.Sell: shares %v: %w", shares, domain.ErrValidation)
	}

	logK := p*math.Log(pool.YES) + (1-p)*math.Log(pool.NO)
	y, n := pool.YES, pool.NO
	if outcome == domain.OutcomeYes {
		y += shares
	} else {
		n += shares
	}

	// lo siempre deja el invariante por encima de k: el payout nunca se sobreestima
	lo, hi := 0.0, math.Min(y, n)
	for i := 0; i < maxBisection && hi-lo > 1e-15*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		if p*math.Log(y-mid)+(1-p)*math.Log(n-mid) >= logK {
			lo = mid
		} else {
			hi = mid
		}
	}
	payout := lo
	next := domain.Pool{YES: y - payout, NO: n - payout}

	if math.Min(next.YES, next.NO) < MinPoolQty {
		return Sale{}, fmt.Errorf("cpmm.Sell: pool %+v below %.2f: %w", next, MinPoolQty, domain.ErrPoolDrain)
	}
	if payout <= 0 {
		return Sale{}, fmt.Errorf("cpmm.Sell: payout %.12f: %w", payout, domain.ErrValidation)
	}

	after := Probability(next, p)
	if !openUnit(after) {
		return Sale{}, fmt.Errorf("cpmm.Sell: probability %.12f at boundary: %w", after, domain.ErrValidation)
	}

	return Sale{
		Payout:     payout,
		NewPool:    next,
		ProbBefore: Probability(pool, p),
		ProbAfter:  after,
	}, nil
}

// AmountForShares devuelve el importe que hay que gastar en el AMM para
// obtener exactamente shares de outcome. Inversa de Shares por bisección:
// como shares >= amount, el importe está en [0, shares].
func AmountForShares(pool domain.Pool, p, shares float64, outcome domain.Outcome) (float64, error) {
	if err := validate(pool, p, outcome); err != nil {
		return 0, fmt.Errorf("cpmm.AmountForShares: %w", err)
	}
	if !positive(shares) {
		return 0, fmt.Errorf("cpmm.AmountForShares: shares %v: %w", shares, domain.ErrValidation)
	}

	lo, hi := 0.0, shares
	for i := 0; i < maxBisection && hi-lo > 1e-15*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		if Shares(pool, p, mid, outcome) < shares {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, nil
}

func validate(pool domain.Pool, p float64, outcome domain.Outcome) error {
	if !pool.Valid() {
		return fmt.Errorf("pool %+v: %w", pool, domain.ErrInternal)
	}
	if !openUnit(p) {
		return fmt.Errorf("weight p=%v: %w", p, domain.ErrValidation)
	}
	if !outcome.Valid() {
		return fmt.Errorf("outcome %q: %w", outcome, domain.ErrValidation)
	}
	return nil
}

func positive(x float64) bool {
	return x > 0 && !math.IsInf(x, 0) && !math.IsNaN(x)
}

func openUnit(x float64) bool {
	return x > 0 && x < 1
}
