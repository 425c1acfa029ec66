// Package scheduler corre los sweeps periódicos del core: expiración de
// órdenes límite y graduación de mercados.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/ports"
	"golang.org/x/sync/errgroup"
)

const (
	defaultExpireInterval     = time.Minute
	defaultGraduationInterval = 5 * time.Minute
)

// Sweeper es la parte del engine que el scheduler dispara.
type Sweeper interface {
	ExpireLimitOrders(ctx context.Context) (domain.ExpireResult, error)
	CheckAllGraduations(ctx context.Context) ([]string, error)
}

// Config controla cada cuánto corre cada sweep.
type Config struct {
	ExpireInterval     time.Duration
	GraduationInterval time.Duration
	DryRun             bool // una sola pasada y salir
}

// Scheduler corre los dos sweeps en loops independientes.
type Scheduler struct {
	cfg      Config
	sweeper  Sweeper
	notifier ports.Notifier
	now      func() time.Time
}

// New crea un Scheduler. notifier puede ser nil.
func New(cfg Config, sweeper Sweeper, notifier ports.Notifier) *Scheduler {
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = defaultExpireInterval
	}
	if cfg.GraduationInterval <= 0 {
		cfg.GraduationInterval = defaultGraduationInterval
	}
	return &Scheduler{cfg: cfg, sweeper: sweeper, notifier: notifier, now: time.Now}
}

// Run hace una pasada completa y después corre cada sweep en su propio ticker
// hasta que el contexto se cancele. Con DryRun solo hace la primera pasada.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		"expire_interval", s.cfg.ExpireInterval,
		"graduation_interval", s.cfg.GraduationInterval,
		"dry_run", s.cfg.DryRun,
	)

	if _, err := s.RunOnce(ctx); err != nil {
		slog.Error("sweep failed", "err", err)
		if s.cfg.DryRun {
			return err
		}
	}
	if s.cfg.DryRun {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, "expire", s.cfg.ExpireInterval, s.expire)
	})
	g.Go(func() error {
		return s.loop(ctx, "graduation", s.cfg.GraduationInterval, s.graduate)
	})
	err := g.Wait()
	slog.Info("scheduler stopped")
	return err
}

// RunOnce corre ambos sweeps una vez y notifica el resultado.
func (s *Scheduler) RunOnce(ctx context.Context) (domain.SweepReport, error) {
	report := domain.SweepReport{At: s.now().UTC()}

	expired, expireErr := s.sweeper.ExpireLimitOrders(ctx)
	report.Expire = expired
	graduated, gradErr := s.sweeper.CheckAllGraduations(ctx)
	report.Graduated = graduated

	if err := errors.Join(expireErr, gradErr); err != nil {
		return report, fmt.Errorf("scheduler.RunOnce: %w", err)
	}
	s.notify(ctx, report)
	return report, nil
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, run func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := run(ctx); err != nil {
				slog.Error("sweep failed", "sweep", name, "err", err)
				continue
			}
			slog.Debug("sweep complete", "sweep", name, "duration", time.Since(start).Round(time.Millisecond))
		}
	}
}

func (s *Scheduler) expire(ctx context.Context) error {
	res, err := s.sweeper.ExpireLimitOrders(ctx)
	if err != nil {
		return err
	}
	if res.ExpiredCount > 0 {
		s.notify(ctx, domain.SweepReport{At: s.now().UTC(), Expire: res})
	}
	return nil
}

func (s *Scheduler) graduate(ctx context.Context) error {
	ids, err := s.sweeper.CheckAllGraduations(ctx)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.notify(ctx, domain.SweepReport{At: s.now().UTC(), Graduated: ids})
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, report domain.SweepReport) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifySweep(ctx, report); err != nil {
		slog.Warn("notifier error", "err", err)
	}
}
