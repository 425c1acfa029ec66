package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Outcome es el lado de un contrato binario (o de una respuesta).
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Opposite devuelve el otro lado.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Valid devuelve true si el outcome es YES o NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// ParseOutcome acepta "yes"/"no" en cualquier capitalización.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("domain.ParseOutcome: %q: %w", s, ErrValidation)
	}
	return o, nil
}

// OutcomeType es la etiqueta del variant del contrato.
type OutcomeType string

const (
	OutcomeTypeBinary         OutcomeType = "BINARY"
	OutcomeTypeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
)

// Phase es la fase del ciclo de vida de un mercado.
type Phase string

const (
	PhaseSandbox    Phase = "sandbox"
	PhaseGraduating Phase = "graduating"
	PhaseMain       Phase = "main"
	PhaseResolved   Phase = "resolved"
)

// Resolution es el resultado final de un mercado.
type Resolution string

const (
	ResolutionYes    Resolution = "YES"
	ResolutionNo     Resolution = "NO"
	ResolutionMkt    Resolution = "MKT"    // paga según ResolutionProbability
	ResolutionCancel Resolution = "CANCEL" // devuelve lo invertido
)

// MaxPriceHistory es el número de puntos de precio que se conservan por contrato.
const MaxPriceHistory = 500

// Pool son las reservas virtuales YES/NO que respaldan la curva de un outcome.
type Pool struct {
	YES float64 `json:"YES"`
	NO  float64 `json:"NO"`
}

// Get devuelve la reserva del lado dado.
func (p Pool) Get(o Outcome) float64 {
	if o == OutcomeYes {
		return p.YES
	}
	return p.NO
}

// Valid devuelve true si ambas reservas son finitas y estrictamente positivas.
func (p Pool) Valid() bool {
	return p.YES > 0 && p.NO > 0 &&
		!math.IsInf(p.YES, 0) && !math.IsInf(p.NO, 0) &&
		!math.IsNaN(p.YES) && !math.IsNaN(p.NO)
}

// Answer es una de las respuestas de un mercado MULTIPLE_CHOICE.
// Cada respuesta tiene su propio pool binario.
type Answer struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	Index      int         `json:"index"`
	Pool       Pool        `json:"pool"`
	P          float64     `json:"p"`
	Prob       float64     `json:"prob"` // cache; siempre se recalcula desde Pool
	Volume     float64     `json:"volume"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// PricePoint es un punto de la serie de precios para charts.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	ProbYes   float64   `json:"probYes"`
	ProbNo    float64   `json:"probNo"`
}

// Contract es el agregado que el core muta bajo el lock del contrato.
// El variant se decide por OutcomeType: Answers solo tiene sentido en MULTIPLE_CHOICE.
type Contract struct {
	ID                    string       `json:"id"`
	Question              string       `json:"question"`
	CreatorID             string       `json:"creatorId"`
	OutcomeType           OutcomeType  `json:"outcomeType"`
	Pool                  Pool         `json:"pool"`
	P                     float64      `json:"p"`
	Answers               []Answer     `json:"answers,omitempty"`
	ShouldAnswersSumToOne bool         `json:"shouldAnswersSumToOne"`
	Volume                float64      `json:"volume"`
	Phase                 Phase        `json:"phase"`
	GraduationStartTime   *time.Time   `json:"graduationStartTime,omitempty"`
	Resolution            Resolution   `json:"resolution,omitempty"`
	ResolutionProbability *float64     `json:"resolutionProbability,omitempty"`
	ResolutionTime        *time.Time   `json:"resolutionTime,omitempty"`
	CreatedTime           time.Time    `json:"createdTime"`
	LastBetTime           *time.Time   `json:"lastBetTime,omitempty"`
	PriceHistory          []PricePoint `json:"priceHistory"`
}

// IsBinary devuelve true para contratos BINARY.
func (c *Contract) IsBinary() bool { return c.OutcomeType == OutcomeTypeBinary }

// IsMultipleChoice devuelve true para contratos MULTIPLE_CHOICE.
func (c *Contract) IsMultipleChoice() bool { return c.OutcomeType == OutcomeTypeMultipleChoice }

// Dependent devuelve true si las respuestas deben sumar 1 (solver de arbitraje activo).
func (c *Contract) Dependent() bool {
	return c.IsMultipleChoice() && c.ShouldAnswersSumToOne
}

// IsResolved devuelve true si el mercado ya no admite trading.
func (c *Contract) IsResolved() bool {
	return c.Phase == PhaseResolved || c.Resolution != ""
}

// Answer busca una respuesta por ID.
func (c *Contract) Answer(id string) (*Answer, error) {
	for i := range c.Answers {
		if c.Answers[i].ID == id {
			return &c.Answers[i], nil
		}
	}
	return nil, fmt.Errorf("answer %q in contract %s: %w", id, c.ID, ErrNotFound)
}

// Validate comprueba que el contrato respeta su variant.
func (c *Contract) Validate() error {
	if c.P <= 0 || c.P >= 1 {
		return fmt.Errorf("contract %s: weight p=%v outside (0,1): %w", c.ID, c.P, ErrValidation)
	}
	switch c.OutcomeType {
	case OutcomeTypeBinary:
		if len(c.Answers) > 0 {
			return fmt.Errorf("contract %s: binary contract with answers: %w", c.ID, ErrValidation)
		}
		if !c.Pool.Valid() {
			return fmt.Errorf("contract %s: invalid pool %+v: %w", c.ID, c.Pool, ErrValidation)
		}
	case OutcomeTypeMultipleChoice:
		if len(c.Answers) < 2 {
			return fmt.Errorf("contract %s: multiple choice needs at least 2 answers: %w", c.ID, ErrValidation)
		}
		for _, a := range c.Answers {
			if !a.Pool.Valid() || a.P <= 0 || a.P >= 1 {
				return fmt.Errorf("contract %s: invalid answer %s: %w", c.ID, a.ID, ErrValidation)
			}
		}
	default:
		return fmt.Errorf("contract %s: unknown outcome type %q: %w", c.ID, c.OutcomeType, ErrValidation)
	}
	return nil
}

// RecordPrice añade un punto a la serie y conserva solo los últimos MaxPriceHistory.
func (c *Contract) RecordPrice(at time.Time, probYes float64) PricePoint {
	pt := PricePoint{Timestamp: at, ProbYes: probYes, ProbNo: 1 - probYes}
	c.PriceHistory = append(c.PriceHistory, pt)
	if n := len(c.PriceHistory); n > MaxPriceHistory {
		c.PriceHistory = slices.Clone(c.PriceHistory[n-MaxPriceHistory:])
	}
	return pt
}

// SyncAggregatePool recalcula el pool agregado de un multiple choice como la suma
// de los pools de sus respuestas. Es solo informativo.
func (c *Contract) SyncAggregatePool() {
	if !c.IsMultipleChoice() {
		return
	}
	var total Pool
	for _, a := range c.Answers {
		total.YES += a.Pool.YES
		total.NO += a.Pool.NO
	}
	c.Pool = total
}

// Clone hace una copia profunda. Los stores devuelven clones para que el core
// pueda mutar su copia sin exponer estado intermedio.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.Answers = make([]Answer, len(c.Answers))
	for i, a := range c.Answers {
		if a.Resolution != nil {
			r := *a.Resolution
			a.Resolution = &r
		}
		out.Answers[i] = a
	}
	if c.Answers == nil {
		out.Answers = nil
	}
	out.PriceHistory = slices.Clone(c.PriceHistory)
	out.GraduationStartTime = cloneTime(c.GraduationStartTime)
	out.ResolutionTime = cloneTime(c.ResolutionTime)
	out.LastBetTime = cloneTime(c.LastBetTime)
	if c.ResolutionProbability != nil {
		v := *c.ResolutionProbability
		out.ResolutionProbability = &v
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TruncateQuestion devuelve la pregunta truncada a maxLen runas, con "..."
// al final si se cortó. Si la pregunta está vacía usa el ID del contrato.
func TruncateQuestion(question, id string, maxLen int) string {
	q := question
	if q == "" {
		q = id
	}
	r := []rune(q)
	if len(r) <= maxLen {
		return q
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}
