package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"validation-queue/internal/telemetry"
)

// StaleRecoverer moves items abandoned in processing back into circulation.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Time) (recovered, failed int, err error)
}

// Sweeper recovers items whose worker died between claim and write-back.
type Sweeper struct {
	store  StaleRecoverer
	after  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewSweeper(st StaleRecoverer, staleAfter time.Duration, logger zerolog.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sweeper{
		store:  st,
		after:  staleAfter,
		logger: logger.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	recovered, failed, err := s.store.RecoverStale(ctx, s.now().Add(-s.after))
	if err != nil {
		return err
	}
	if recovered > 0 || failed > 0 {
		telemetry.StaleRecovered.WithLabelValues("pending").Add(float64(recovered))
		telemetry.StaleRecovered.WithLabelValues("failed").Add(float64(failed))
		s.logger.Warn().Int("recovered", recovered).Int("failed", failed).Msg("recovered stale processing items")
	}
	return nil
}

// Refresher updates derived state such as gauges after a cycle.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PollerConfig controls the scheduled worker loop.
type PollerConfig struct {
	Interval      time.Duration
	SweepInterval time.Duration
	Drain         DrainOptions
}

// Poller is the scheduled trigger: one drain cycle per tick plus periodic sweeps.
type Poller struct {
	drainer   *Drainer
	sweeper   *Sweeper
	refresher Refresher
	cfg       PollerConfig
	logger    zerolog.Logger
}

func NewPoller(d *Drainer, s *Sweeper, r Refresher, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Poller{
		drainer:   d,
		sweeper:   s,
		refresher: r,
		cfg:       cfg,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Run drains immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Dur("sweep_interval", p.cfg.SweepInterval).
		Int("max_concurrent", p.cfg.Drain.MaxConcurrent).
		Msg("poller started")

	drainTicker := time.NewTicker(p.cfg.Interval)
	defer drainTicker.Stop()
	sweepTicker := time.NewTicker(p.cfg.SweepInterval)
	defer sweepTicker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopping")
			return ctx.Err()
		case <-drainTicker.C:
			p.cycle(ctx)
		case <-sweepTicker.C:
			if p.sweeper == nil {
				continue
			}
			if err := p.sweeper.Sweep(ctx); err != nil {
				p.logger.Error().Err(err).Msg("stale sweep")
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if _, err := p.drainer.Drain(ctx, p.cfg.Drain); err != nil {
		p.logger.Error().Err(err).Msg("drain cycle")
	}
	if p.refresher != nil {
		if err := p.refresher.Refresh(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("refresh queue gauges")
		}
	}
}
