package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/metrics"
)

// Reaper sweeps the registry on a fixed interval and closes sessions that
// sat idle past their timeout. Sweeps use try-lock acquisition, so a sweep
// never stalls behind a busy session.
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onReap   func(ids []string)
}

// NewReaper creates a reaper for the registry. onReap, if non-nil, runs
// after each sweep that closed at least one session; the rate limiter uses
// it to drop per-session state.
func NewReaper(registry *Registry, interval time.Duration, logger *zap.Logger, m *metrics.Metrics, onReap func(ids []string)) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		logger:   logger,
		metrics:  m,
		onReap:   onReap,
	}
}

// Run sweeps until the context is canceled
func (p *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("idle reaper running", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			reaped := p.registry.Sweep(time.Now())
			if len(reaped) == 0 {
				continue
			}
			p.metrics.SessionsReaped.Add(float64(len(reaped)))
			p.logger.Info("reaped idle sessions",
				zap.Int("count", len(reaped)),
				zap.Strings("session_ids", reaped))
			if p.onReap != nil {
				p.onReap(reaped)
			}
		}
	}
}
