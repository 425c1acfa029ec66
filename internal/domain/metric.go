package domain

import "fmt"

// Metric es la posición de un usuario en un contrato (o en una respuesta).
// Ninguno de sus contadores puede quedar negativo.
type Metric struct {
	UserID         string  `json:"userId"`
	ContractID     string  `json:"contractId"`
	AnswerID       string  `json:"answerId,omitempty"`
	TotalSharesYes float64 `json:"totalSharesYes"`
	TotalSharesNo  float64 `json:"totalSharesNo"`
	Invested       float64 `json:"invested"`
}

// MetricKey es la clave (userId, contractId, answerId?) del ledger.
func MetricKey(userID, contractID, answerID string) string {
	return userID + "|" + contractID + "|" + answerID
}

// Key devuelve la clave del ledger de esta posición.
func (m *Metric) Key() string { return MetricKey(m.UserID, m.ContractID, m.AnswerID) }

// Shares devuelve las shares del lado dado.
func (m *Metric) Shares(o Outcome) float64 {
	if o == OutcomeYes {
		return m.TotalSharesYes
	}
	return m.TotalSharesNo
}

// HasShares devuelve true si la posición tiene shares en algún lado.
func (m *Metric) HasShares() bool {
	return m.TotalSharesYes > dust || m.TotalSharesNo > dust
}

// ApplyBuy acredita shares compradas y el importe invertido.
func (m *Metric) ApplyBuy(o Outcome, shares, amount float64) {
	if o == OutcomeYes {
		m.TotalSharesYes += shares
	} else {
		m.TotalSharesNo += shares
	}
	m.Invested += amount
}

// ApplySell descuenta exactamente las shares vendidas.
// Falla con ErrInsufficientShares si se piden más de las que hay; vender
// exactamente lo que se tiene deja el contador a cero.
func (m *Metric) ApplySell(o Outcome, shares float64) error {
	if shares <= 0 {
		return fmt.Errorf("metric %s: sell %.6f shares: %w", m.Key(), shares, ErrValidation)
	}
	held := m.Shares(o)
	if shares > held+dust {
		return fmt.Errorf("metric %s: sell %.6f %s shares, hold %.6f: %w", m.Key(), shares, o, held, ErrInsufficientShares)
	}

	total := m.TotalSharesYes + m.TotalSharesNo
	if total > 0 {
		// coste base proporcional a las shares que salen
		m.Invested -= m.Invested * min(shares/total, 1)
	}
	if m.Invested < dust {
		m.Invested = 0
	}

	left := held - shares
	if left < dust {
		left = 0
	}
	if o == OutcomeYes {
		m.TotalSharesYes = left
	} else {
		m.TotalSharesNo = left
	}
	return nil
}
