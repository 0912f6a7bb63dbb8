package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/metrics"
)

const pingTimeout = 5 * time.Second

// Options tunes the supervisor's health loop and restart policy
type Options struct {
	HealthInterval time.Duration
	RestartBackoff time.Duration
	BackoffMax     time.Duration
	// MaxRestarts caps consecutive failed restart attempts. Zero means
	// keep trying forever.
	MaxRestarts int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HealthInterval <= 0 {
		out.HealthInterval = 15 * time.Second
	}
	if out.RestartBackoff <= 0 {
		out.RestartBackoff = time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = time.Minute
	}
	return out
}

// Supervisor owns the single shared engine. It launches the engine, watches
// its health, restarts it after crashes with exponential backoff, and hands
// out execution contexts stamped with the current epoch. A crash bumps the
// epoch, which invalidates every context issued before it.
type Supervisor struct {
	runtime Runtime
	connect Connector
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	epoch      uint64
	client     Client
	controlURL string
	stopping   bool
	monitoring bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSupervisor wires a supervisor to a runtime and a connector. Call Start
// before handing it to anything else.
func NewSupervisor(rt Runtime, connect Connector, opts Options, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		runtime: rt,
		connect: connect,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: m,
		state:   StateStarting,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the engine, connects to it, and begins health monitoring
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started (state %s)", s.state)
	}
	s.mu.Unlock()

	url, err := s.runtime.Launch(ctx)
	if err != nil {
		s.forceState(StateStopped)
		return fmt.Errorf("failed to launch engine: %w", err)
	}

	cli, err := s.connect(ctx, url)
	if err != nil {
		_ = s.runtime.Terminate(context.Background())
		s.forceState(StateStopped)
		return fmt.Errorf("failed to connect to engine: %w", err)
	}

	s.mu.Lock()
	s.client = cli
	s.controlURL = url
	s.epoch = 1
	s.state = StateRunning
	s.monitoring = true
	s.mu.Unlock()

	go s.monitor()

	s.logger.Info("engine supervisor running", zap.String("control_url", url))
	return nil
}

// AcquireContext returns a fresh execution context, or ErrEngineUnavailable
// immediately when the engine is not running. It never blocks waiting for a
// restart to finish.
func (s *Supervisor) AcquireContext(ctx context.Context) (*ExecutionContext, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: engine is %s", ErrEngineUnavailable, st)
	}
	cli := s.client
	epoch := s.epoch
	s.mu.Unlock()

	browser, page, err := cli.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	return &ExecutionContext{
		ID:        uuid.New().String(),
		Epoch:     epoch,
		CreatedAt: time.Now(),
		browser:   browser,
		page:      page,
	}, nil
}

// ReleaseContext disposes a context in the engine. Contexts from an older
// epoch died with their engine instance and are skipped.
func (s *Supervisor) ReleaseContext(ec *ExecutionContext) {
	if ec == nil {
		return
	}
	s.mu.Lock()
	stale := s.state != StateRunning || ec.Epoch != s.epoch
	cli := s.client
	s.mu.Unlock()

	if stale || cli == nil {
		s.logger.Debug("skipping release of stale execution context", zap.String("context_id", ec.ID))
		return
	}
	if err := cli.CloseContext(ec); err != nil {
		s.logger.Warn("failed to release execution context",
			zap.String("context_id", ec.ID),
			zap.Error(err))
	}
}

// Valid reports whether a context still belongs to the live engine instance
func (s *Supervisor) Valid(ec *ExecutionContext) bool {
	if ec == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && ec.Epoch == s.epoch
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current engine generation
func (s *Supervisor) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// ControlURL returns where the live engine instance is reachable
func (s *Supervisor) ControlURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlURL
}

// Stop shuts the supervisor down for good. No restart follows.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.state = StateStopped
	cli := s.client
	s.client = nil
	monitoring := s.monitoring
	s.mu.Unlock()

	close(s.stopCh)
	if monitoring {
		<-s.doneCh
	}
	if cli != nil {
		_ = cli.Close()
	}
	return s.runtime.Terminate(ctx)
}

// monitor pings the engine on a fixed interval and drives the
// crash -> restart -> running cycle
func (s *Supervisor) monitor() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != StateRunning {
				s.mu.Unlock()
				continue
			}
			cli := s.client
			s.mu.Unlock()

			pctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := cli.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}

			s.logger.Warn("engine health check failed", zap.Error(err))
			if !s.markCrashed() {
				continue
			}
			if !s.restart() {
				return
			}
		}
	}
}

// markCrashed transitions Running -> Crashed and bumps the epoch so every
// outstanding context is stranded at once
func (s *Supervisor) markCrashed() bool {
	s.mu.Lock()
	if s.stopping || s.state == StateStopped {
		s.mu.Unlock()
		return false
	}
	s.state = StateCrashed
	s.epoch++
	old := s.client
	s.client = nil
	epoch := s.epoch
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.logger.Error("engine crashed, contexts invalidated", zap.Uint64("epoch", epoch))
	return true
}

// restart relaunches the engine until it comes back or the attempt budget
// runs out. Returns false when the supervisor should give up.
func (s *Supervisor) restart() bool {
	backoff := s.opts.RestartBackoff

	for attempt := 1; ; attempt++ {
		s.forceState(StateRestarting)
		s.logger.Info("restarting engine",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-s.stopCh:
			return false
		case <-time.After(backoff):
		}

		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		_ = s.runtime.Terminate(rctx)
		url, err := s.runtime.Launch(rctx)
		var cli Client
		if err == nil {
			cli, err = s.connect(rctx, url)
		}
		cancel()

		if err == nil {
			s.mu.Lock()
			if s.stopping {
				s.mu.Unlock()
				_ = cli.Close()
				return false
			}
			s.client = cli
			s.controlURL = url
			s.state = StateRunning
			epoch := s.epoch
			s.mu.Unlock()

			s.metrics.EngineRestarts.Inc()
			s.logger.Info("engine restarted", zap.Uint64("epoch", epoch))
			return true
		}

		s.logger.Error("engine restart failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if s.opts.MaxRestarts > 0 && attempt >= s.opts.MaxRestarts {
			s.logger.Error("engine restart budget exhausted", zap.Int("attempts", attempt))
			s.forceState(StateStopped)
			return false
		}

		backoff *= 2
		if backoff > s.opts.BackoffMax {
			backoff = s.opts.BackoffMax
		}
	}
}

// forceState sets the state unless a shutdown already won
func (s *Supervisor) forceState(st State) {
	s.mu.Lock()
	if !s.stopping {
		s.state = st
	}
	s.mu.Unlock()
}
