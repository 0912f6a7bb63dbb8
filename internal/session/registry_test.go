package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider hands out numbered contexts and tracks their lifecycle.
// Bumping epoch invalidates everything handed out before the bump.
type fakeProvider struct {
	mu       sync.Mutex
	epoch    uint64
	acquired int
	released int
	fail     bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{epoch: 1}
}

func (p *fakeProvider) AcquireContext(ctx context.Context) (*engine.ExecutionContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, engine.ErrEngineUnavailable
	}
	p.acquired++
	return &engine.ExecutionContext{
		ID:        fmt.Sprintf("ec-%d", p.acquired),
		Epoch:     p.epoch,
		CreatedAt: time.Now(),
	}, nil
}

func (p *fakeProvider) ReleaseContext(ec *engine.ExecutionContext) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakeProvider) Valid(ec *engine.ExecutionContext) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ec != nil && ec.Epoch == p.epoch
}

func (p *fakeProvider) bumpEpoch() {
	p.mu.Lock()
	p.epoch++
	p.mu.Unlock()
}

func (p *fakeProvider) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

func newTestRegistry(t *testing.T, provider ContextProvider, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(provider, opts, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	t.Cleanup(r.Close)
	return r
}

func backdate(s *Session, d time.Duration) {
	s.metaMu.Lock()
	s.lastActive = time.Now().Add(-d)
	s.metaMu.Unlock()
}

func TestGetOrCreateMintsAndReuses(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	minted, err := reg.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, minted.ID)

	a, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	again, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 2, reg.Len())
}

func TestWithSessionSerializesSameSession(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	var inflight, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
				if atomic.AddInt32(&inflight, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inflight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps), "operations on one session must not interleave")
}

func TestWithSessionRunsSessionsInParallel(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	aIn := make(chan struct{})
	bIn := make(chan struct{})
	meet := func(mine chan struct{}, other <-chan struct{}) error {
		close(mine)
		select {
		case <-other:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never entered its operation")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
			return meet(aIn, bIn)
		})
	}()
	go func() {
		defer wg.Done()
		errs[1] = reg.WithSession(context.Background(), "beta", func(ctx context.Context, s *Session) error {
			return meet(bIn, aIn)
		})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestContextAcquiredLazilyAndReused(t *testing.T) {
	provider := newFakeProvider()
	reg := newTestRegistry(t, provider, Options{IdleTimeout: time.Minute})

	var first *engine.ExecutionContext
	err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		ec, err := s.Context(ctx)
		if err != nil {
			return err
		}
		first = ec
		again, err := s.Context(ctx)
		if err != nil {
			return err
		}
		assert.Same(t, ec, again)
		return nil
	})
	require.NoError(t, err)

	err = reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		ec, err := s.Context(ctx)
		if err != nil {
			return err
		}
		assert.Same(t, first, ec)
		return nil
	})
	require.NoError(t, err)

	acquired, _ := provider.counts()
	assert.Equal(t, 1, acquired)
}

func TestContextReplacedAfterEpochBump(t *testing.T) {
	provider := newFakeProvider()
	reg := newTestRegistry(t, provider, Options{IdleTimeout: time.Minute})

	var firstID string
	err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		ec, err := s.Context(ctx)
		firstID = ec.ID
		return err
	})
	require.NoError(t, err)

	provider.bumpEpoch()

	err = reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		ec, err := s.Context(ctx)
		if err != nil {
			return err
		}
		assert.NotEqual(t, firstID, ec.ID)
		return nil
	})
	require.NoError(t, err)

	acquired, released := provider.counts()
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 1, released)
}

func TestContextAcquireFailureSurfaces(t *testing.T) {
	provider := newFakeProvider()
	provider.fail = true
	reg := newTestRegistry(t, provider, Options{IdleTimeout: time.Minute})

	err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		_, err := s.Context(ctx)
		return err
	})
	require.ErrorIs(t, err, engine.ErrEngineUnavailable)
}

func TestExpireReleasesContext(t *testing.T) {
	provider := newFakeProvider()
	reg := newTestRegistry(t, provider, Options{IdleTimeout: time.Minute})

	err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		_, err := s.Context(ctx)
		return err
	})
	require.NoError(t, err)

	assert.True(t, reg.Expire(context.Background(), "alpha"))
	assert.Equal(t, 0, reg.Len())
	_, released := provider.counts()
	assert.Equal(t, 1, released)

	assert.False(t, reg.Expire(context.Background(), "alpha"))
}

func TestSweepReapsIdleOnly(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	fresh, err := reg.GetOrCreate(context.Background(), "fresh")
	require.NoError(t, err)
	stale, err := reg.GetOrCreate(context.Background(), "stale")
	require.NoError(t, err)
	backdate(stale, 2*time.Minute)

	reaped := reg.Sweep(time.Now())
	assert.Equal(t, []string{"stale"}, reaped)
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Info(fresh.ID)
	assert.True(t, ok)
}

func TestSweepEnforcesMaxLifetime(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Hour, MaxLifetime: 30 * time.Minute})

	_, err := reg.GetOrCreate(context.Background(), "old")
	require.NoError(t, err)

	// Recently active, but past the lifetime cap
	reaped := reg.Sweep(time.Now().Add(31 * time.Minute))
	require.Len(t, reaped, 1)
	assert.Equal(t, "old", reaped[0])
}

func TestSweepSkipsBusySessions(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- reg.WithSession(context.Background(), "busy", func(ctx context.Context, s *Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	reg.mu.Lock()
	busy := reg.sessions["busy"]
	reg.mu.Unlock()
	backdate(busy, 2*time.Minute)

	reaped := reg.Sweep(time.Now())
	assert.Empty(t, reaped)
	assert.Equal(t, 1, reg.Len())

	close(release)
	require.NoError(t, <-done)
}

func TestCapacityBlocksUntilSlotFrees(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute, Capacity: 1})

	_, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = reg.GetOrCreate(ctx, "beta")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// An existing session is still reachable while the registry is full
	_, err = reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)

	require.True(t, reg.Expire(context.Background(), "alpha"))
	_, err = reg.GetOrCreate(context.Background(), "beta")
	require.NoError(t, err)
}

func TestWithSessionDiscardsContextOnCancel(t *testing.T) {
	provider := newFakeProvider()
	reg := newTestRegistry(t, provider, Options{IdleTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := reg.WithSession(ctx, "alpha", func(ctx context.Context, s *Session) error {
		if _, err := s.Context(ctx); err != nil {
			return err
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		_, released := provider.counts()
		return released == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInfoSnapshot(t *testing.T) {
	reg := newTestRegistry(t, newFakeProvider(), Options{IdleTimeout: time.Minute})

	s, err := reg.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	s.SetAuthenticated("work")

	info, ok := reg.Info("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", info.ID)
	assert.True(t, info.Authenticated)
	assert.Equal(t, "work", info.Account)
	assert.GreaterOrEqual(t, info.AgeMinutes, 0.0)

	s.ClearAuthenticated()
	info, _ = reg.Info("alpha")
	assert.False(t, info.Authenticated)
	assert.Empty(t, info.Account)

	_, ok = reg.Info("missing")
	assert.False(t, ok)
}

func TestCloseRefusesNewSessions(t *testing.T) {
	provider := newFakeProvider()
	reg := NewRegistry(provider, Options{IdleTimeout: time.Minute}, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	err := reg.WithSession(context.Background(), "alpha", func(ctx context.Context, s *Session) error {
		_, err := s.Context(ctx)
		return err
	})
	require.NoError(t, err)

	reg.Close()
	assert.Equal(t, 0, reg.Len())
	_, released := provider.counts()
	assert.Equal(t, 1, released)

	_, err = reg.GetOrCreate(context.Background(), "beta")
	require.ErrorIs(t, err, ErrRegistryClosed)
	err = reg.WithSession(context.Background(), "beta", func(ctx context.Context, s *Session) error { return nil })
	require.ErrorIs(t, err, ErrRegistryClosed)
}
