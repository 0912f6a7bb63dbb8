package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/pkg/models"
)

// ErrRegistryClosed is returned once shutdown has begun
var ErrRegistryClosed = errors.New("session registry closed")

// ContextProvider hands out and reclaims engine execution contexts. The
// engine supervisor implements it.
type ContextProvider interface {
	AcquireContext(ctx context.Context) (*engine.ExecutionContext, error)
	ReleaseContext(ec *engine.ExecutionContext)
	Valid(ec *engine.ExecutionContext) bool
}

// Options tunes registry capacity and expiry
type Options struct {
	IdleTimeout time.Duration
	// MaxLifetime caps session age regardless of activity. Zero disables
	// the cap.
	MaxLifetime time.Duration
	Capacity    int64
}

// Registry tracks every live session and owns their lifecycle. Lookups are
// cheap; engine work runs under each session's own operation lock so two
// requests for one session never interleave, while different sessions
// proceed in parallel.
type Registry struct {
	provider    ContextProvider
	idleTimeout time.Duration
	maxLifetime time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	slots *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Session is one caller's private corner of the shared engine: an identity,
// activity timestamps, auth state, and a lazily acquired execution context.
type Session struct {
	ID string

	createdAt time.Time
	reg       *Registry

	// op serializes all operations for this session
	op *semaphore.Weighted

	metaMu        sync.RWMutex
	lastActive    time.Time
	authenticated bool
	account       string

	// guarded by op
	ec     *engine.ExecutionContext
	closed bool
}

// NewRegistry creates a registry backed by the given context provider
func NewRegistry(provider ContextProvider, opts Options, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Minute
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 32
	}
	return &Registry{
		provider:    provider,
		idleTimeout: opts.IdleTimeout,
		maxLifetime: opts.MaxLifetime,
		logger:      logger,
		metrics:     m,
		slots:       semaphore.NewWeighted(opts.Capacity),
		sessions:    make(map[string]*Session),
	}
}

// GetOrCreate returns the session for an ID, creating it on first sight. An
// empty ID mints a new one. Creation waits for a capacity slot, so a full
// registry applies backpressure until the caller's context expires.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		s.Touch()
		return s, nil
	}
	r.mu.Unlock()

	// Wait for capacity outside the map lock so a full registry does not
	// stall lookups of existing sessions
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.slots.Release(1)
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		r.slots.Release(1)
		s.Touch()
		return s, nil
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		createdAt:  now,
		lastActive: now,
		reg:        r,
		op:         semaphore.NewWeighted(1),
	}
	r.sessions[id] = s
	live := len(r.sessions)
	r.mu.Unlock()

	r.metrics.LiveSessions.Inc()
	r.logger.Info("session created", zap.String("session_id", id), zap.Int("live", live))
	return s, nil
}

// WithSession runs fn while holding the session's operation lock. Activity
// is recorded before and after fn, so a long operation does not expire its
// own session. If the session was reaped between lookup and lock, fn runs
// against a fresh session with the same ID.
func (r *Registry) WithSession(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	for {
		s, err := r.GetOrCreate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.op.Acquire(ctx, 1); err != nil {
			return err
		}
		if s.closed {
			s.op.Release(1)
			continue
		}

		s.Touch()
		err = fn(ctx, s)
		if err != nil && ctx.Err() != nil {
			// Canceled mid-operation: the context may hold half-navigated
			// page state, so drop it rather than reuse it
			s.discardContext()
		}
		if err == nil {
			s.Touch()
		}
		s.op.Release(1)
		return err
	}
}

// Expire closes a session immediately, waiting for any in-flight operation
// to finish first. Reports whether a session was found and closed.
func (r *Registry) Expire(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.op.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.op.Release(1)
	if s.closed {
		return false
	}
	r.teardown(s, "expired")
	return true
}

// Sweep closes every session idle past the idle timeout or older than the
// lifetime cap. Busy sessions are skipped, not waited on; the next pass
// reconsiders them. Returns the IDs that were reaped.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		if r.expired(s, now) {
			candidates = append(candidates, s)
		}
	}
	r.mu.Unlock()

	var reaped []string
	for _, s := range candidates {
		if !s.op.TryAcquire(1) {
			continue
		}
		// The operation that just released the lock may have touched it
		if s.closed || !r.expired(s, now) {
			s.op.Release(1)
			continue
		}
		r.teardown(s, "reaped")
		s.op.Release(1)
		reaped = append(reaped, s.ID)
	}
	return reaped
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	s.metaMu.RLock()
	last := s.lastActive
	s.metaMu.RUnlock()
	if now.Sub(last) > r.idleTimeout {
		return true
	}
	if r.maxLifetime > 0 && now.Sub(s.createdAt) > r.maxLifetime {
		return true
	}
	return false
}

// Info returns a point-in-time snapshot for one session
func (r *Registry) Info(id string) (*models.SessionInfo, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	s.metaMu.RLock()
	last, auth, account := s.lastActive, s.authenticated, s.account
	s.metaMu.RUnlock()

	return &models.SessionInfo{
		ID:            s.ID,
		CreatedAt:     s.createdAt,
		LastActive:    last,
		AgeMinutes:    roundMinutes(now.Sub(s.createdAt)),
		IdleMinutes:   roundMinutes(now.Sub(last)),
		Authenticated: auth,
		Account:       account,
	}, true
}

// Len reports the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close expires every session and refuses new ones
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.op.Acquire(ctx, 1); err == nil {
			if !s.closed {
				r.teardown(s, "shutdown")
			}
			s.op.Release(1)
		}
		cancel()
	}
}

// teardown releases the session's context and slot. Callers hold the
// session's operation lock.
func (r *Registry) teardown(s *Session, reason string) {
	s.closed = true
	if s.ec != nil {
		r.provider.ReleaseContext(s.ec)
		s.ec = nil
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	r.slots.Release(1)
	r.metrics.LiveSessions.Dec()
	r.logger.Info("session closed", zap.String("session_id", s.ID), zap.String("reason", reason))
}

// Context returns the session's execution context, acquiring one lazily. A
// context stranded by an engine crash is replaced here, which is what makes
// recovery invisible to the next operation. Callers hold the session's
// operation lock.
func (s *Session) Context(ctx context.Context) (*engine.ExecutionContext, error) {
	if s.ec != nil {
		if s.reg.provider.Valid(s.ec) {
			return s.ec, nil
		}
		stale := s.ec
		s.ec = nil
		s.reg.provider.ReleaseContext(stale)
		s.reg.logger.Info("replacing expired execution context",
			zap.String("session_id", s.ID),
			zap.String("context_id", stale.ID))
	}

	ec, err := s.reg.provider.AcquireContext(ctx)
	if err != nil {
		return nil, err
	}
	s.ec = ec
	return ec, nil
}

// discardContext drops the held context without waiting on the engine.
// Callers hold the session's operation lock.
func (s *Session) discardContext() {
	if s.ec == nil {
		return
	}
	ec := s.ec
	s.ec = nil
	go s.reg.provider.ReleaseContext(ec)
}

// Touch records activity now
func (s *Session) Touch() {
	s.metaMu.Lock()
	s.lastActive = time.Now()
	s.metaMu.Unlock()
}

// LastActive returns the time of the last recorded activity
func (s *Session) LastActive() time.Time {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.lastActive
}

// CreatedAt returns when the session was registered
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Authenticated reports whether a site login succeeded in this session
func (s *Session) Authenticated() bool {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.authenticated
}

// Account returns the label of the authenticated account, if any
func (s *Session) Account() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.account
}

// SetAuthenticated marks the session as logged in as the given account
func (s *Session) SetAuthenticated(account string) {
	s.metaMu.Lock()
	s.authenticated = true
	s.account = account
	s.metaMu.Unlock()
}

// ClearAuthenticated resets the session to anonymous
func (s *Session) ClearAuthenticated() {
	s.metaMu.Lock()
	s.authenticated = false
	s.account = ""
	s.metaMu.Unlock()
}

func roundMinutes(d time.Duration) float64 {
	return math.Round(d.Minutes()*100) / 100
}
