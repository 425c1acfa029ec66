package domain

import (
	"fmt"
	"time"
)

// Valores por defecto de la graduación sandbox → main.
const (
	DefaultGraduationVolumeThreshold = 1000.0
	DefaultGraduationTimer           = 24 * time.Hour
)

// GraduationRules son los umbrales de la máquina de estados.
type GraduationRules struct {
	VolumeThreshold float64
	Timer           time.Duration
}

// DefaultGraduationRules devuelve los umbrales de producción.
func DefaultGraduationRules() GraduationRules {
	return GraduationRules{
		VolumeThreshold: DefaultGraduationVolumeThreshold,
		Timer:           DefaultGraduationTimer,
	}
}

// AdvancePhase aplica las transiciones automáticas:
//
//	sandbox    → graduating  cuando Volume >= VolumeThreshold
//	graduating → main        cuando han pasado Timer desde GraduationStartTime
//
// Devuelve true si la fase cambió. Nunca retrocede ni toca mercados resueltos.
func (c *Contract) AdvancePhase(now time.Time, rules GraduationRules) bool {
	changed := false
	if c.Phase == PhaseSandbox && c.Volume >= rules.VolumeThreshold {
		c.Phase = PhaseGraduating
		t := now
		c.GraduationStartTime = &t
		changed = true
	}
	if c.Phase == PhaseGraduating && c.GraduationStartTime != nil &&
		now.Sub(*c.GraduationStartTime) >= rules.Timer {
		c.Phase = PhaseMain
		changed = true
	}
	return changed
}

// Resolve lleva el contrato a la fase terminal resolved.
//
// Binario: YES, NO, MKT (requiere prob en [0,1]) o CANCEL.
// Multiple choice: winningAnswerID marca esa respuesta YES y el resto NO; CANCEL también vale.
func (c *Contract) Resolve(res Resolution, prob *float64, winningAnswerID string, now time.Time) error {
	if c.IsResolved() {
		return fmt.Errorf("contract %s: %w", c.ID, ErrMarketResolved)
	}

	switch {
	case res == ResolutionCancel:
	case c.IsBinary():
		switch res {
		case ResolutionYes, ResolutionNo:
		case ResolutionMkt:
			if prob == nil || *prob < 0 || *prob > 1 {
				return fmt.Errorf("contract %s: MKT resolution needs probability in [0,1]: %w", c.ID, ErrValidation)
			}
			v := *prob
			c.ResolutionProbability = &v
		default:
			return fmt.Errorf("contract %s: resolution %q: %w", c.ID, res, ErrValidation)
		}
	case c.IsMultipleChoice():
		if winningAnswerID == "" {
			return fmt.Errorf("contract %s: winning answer required: %w", c.ID, ErrValidation)
		}
		if _, err := c.Answer(winningAnswerID); err != nil {
			return err
		}
		for i := range c.Answers {
			r := ResolutionNo
			if c.Answers[i].ID == winningAnswerID {
				r = ResolutionYes
			}
			c.Answers[i].Resolution = &r
		}
		res = ResolutionYes
	}

	c.Resolution = res
	t := now
	c.ResolutionTime = &t
	c.Phase = PhaseResolved
	return nil
}

// Payout calcula lo que recibe una posición al resolverse el contrato.
func (c *Contract) Payout(m *Metric) float64 {
	if c.Resolution == ResolutionCancel {
		return m.Invested
	}

	if c.IsMultipleChoice() {
		a, err := c.Answer(m.AnswerID)
		if err != nil || a.Resolution == nil {
			return 0
		}
		if *a.Resolution == ResolutionYes {
			return m.TotalSharesYes
		}
		return m.TotalSharesNo
	}

	switch c.Resolution {
	case ResolutionYes:
		return m.TotalSharesYes
	case ResolutionNo:
		return m.TotalSharesNo
	case ResolutionMkt:
		if c.ResolutionProbability == nil {
			return 0
		}
		p := *c.ResolutionProbability
		return m.TotalSharesYes*p + m.TotalSharesNo*(1-p)
	}
	return 0
}

// ExpireResult es el resumen del sweep de expiración de órdenes límite.
type ExpireResult struct {
	ExpiredCount  int
	TotalRefunded float64
	Expired       []*Bet
}

// SweepReport resume una pasada de los sweeps periódicos.
type SweepReport struct {
	At        time.Time
	Expire    ExpireResult
	Graduated []string // contratos que pasaron a main
}
