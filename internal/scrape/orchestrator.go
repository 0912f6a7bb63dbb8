package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/cache"
	"github.com/skybridge-io/skybridge/internal/creds"
	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/fallback"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/internal/session"
	"github.com/skybridge-io/skybridge/pkg/models"
)

// favoritesCap mirrors the site's saved-locations limit
const favoritesCap = 10

// Driver performs site operations inside an execution context
type Driver interface {
	Search(ctx context.Context, ec *engine.ExecutionContext, query string) ([]models.Location, error)
	Current(ctx context.Context, ec *engine.ExecutionContext, subject string) (*models.Conditions, error)
	Login(ctx context.Context, ec *engine.ExecutionContext, email, password string) error
	Favorites(ctx context.Context, ec *engine.ExecutionContext) ([]models.Favorite, error)
	SetFavorite(ctx context.Context, ec *engine.ExecutionContext, subject string, add bool) error
}

// FallbackSource produces conditions when primary extraction is exhausted
type FallbackSource interface {
	Enabled() bool
	Fetch(ctx context.Context, subject string) (*models.Conditions, error)
}

// CredentialSource resolves and stores saved account refs
type CredentialSource interface {
	Get(ref string) (models.Credentials, error)
	Put(ref string, c models.Credentials) error
}

// ContextValidator reports whether an execution context survived the
// operation that just used it
type ContextValidator interface {
	Valid(ec *engine.ExecutionContext) bool
}

// Options tunes retry policy for transient failures
type Options struct {
	// Retries is the extra-attempt budget after the first try
	Retries int
	Backoff time.Duration
}

// Orchestrator routes tasks through their session's execution context and
// applies the failure policy: retry what is transient, fall back for data
// fetches, and surface everything else as a typed result.
type Orchestrator struct {
	registry  *session.Registry
	cache     *cache.Cache
	driver    Driver
	fallback  FallbackSource
	creds     CredentialSource
	validator ContextValidator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	retries int
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the dispatch pipeline. creds may be nil when no
// credential store is configured.
func NewOrchestrator(reg *session.Registry, c *cache.Cache, d Driver, fb FallbackSource, cs CredentialSource, v ContextValidator, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Orchestrator{
		registry:  reg,
		cache:     c,
		driver:    d,
		fallback:  fb,
		creds:     cs,
		validator: v,
		logger:    logger,
		metrics:   m,
		retries:   opts.Retries,
		backoff:   opts.Backoff,
		sleep:     sleepCtx,
	}
}

// Dispatch runs a task on behalf of a session and captures the outcome as a
// Result. All engine work for one session is serialized by the registry, so
// concurrent requests against the same session queue up here.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionID string, task Task) *Result {
	start := time.Now()
	res := o.dispatch(ctx, sessionID, task)

	o.metrics.ScrapeAttempts.WithLabelValues(task.Name(), string(res.Status)).Inc()
	if res.Status == StatusDegraded {
		o.metrics.DegradedResults.Inc()
	}
	o.logger.Debug("task dispatched",
		zap.String("task", task.Name()),
		zap.String("session_id", sessionID),
		zap.String("status", string(res.Status)),
		zap.Duration("took", time.Since(start)))
	return res
}

func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, task Task) *Result {
	switch t := task.(type) {
	case FetchCurrentData:
		return o.fetchCurrent(ctx, sessionID, t)
	case SearchSubject:
		return o.search(ctx, sessionID, t)
	case Authenticate:
		return o.authenticate(ctx, sessionID, t)
	case Logout:
		return o.logout(ctx, sessionID)
	case ListFavorites:
		return o.listFavorites(ctx, sessionID, t)
	case AddFavorite:
		return o.setFavorite(ctx, sessionID, t, t.Subject, true)
	case RemoveFavorite:
		return o.setFavorite(ctx, sessionID, t, t.Subject, false)
	default:
		return o.errorResult(fmt.Errorf("%w: unknown task %q", ErrBadRequest, task.Name()))
	}
}

// fetchCurrent serves conditions from the cache, the primary site, the
// fallback source, or a stale entry, in that order
func (o *Orchestrator) fetchCurrent(ctx context.Context, sessionID string, t FetchCurrentData) *Result {
	if strings.TrimSpace(t.Subject) == "" {
		return o.errorResult(fmt.Errorf("%w: subject is required", ErrBadRequest))
	}

	return o.run(ctx, sessionID, t, func(ctx context.Context, s *session.Session) (*Result, error) {
		payload, fresh, err := o.cache.GetOrFetch(ctx, t.Subject, func(ctx context.Context) (*models.Conditions, error) {
			var out *models.Conditions
			rerr := o.withRetry(ctx, s, t, func(ctx context.Context, ec *engine.ExecutionContext) error {
				c, derr := o.driver.Current(ctx, ec, t.Subject)
				if derr != nil {
					return derr
				}
				out = c
				return nil
			})
			if rerr != nil {
				return nil, rerr
			}
			return out, nil
		})
		if err == nil {
			status := StatusSuccess
			if payload.Source == models.SourceFallback {
				// A cached fallback payload keeps its degraded label
				status = StatusDegraded
			}
			return &Result{Status: status, Payload: payload, Cached: !fresh}, nil
		}

		// Engine-level failures are not a data-source problem, and an
		// unknown subject stays unknown, so the fallback ladder does not
		// apply to either
		if errors.Is(err, engine.ErrEngineUnavailable) || errors.Is(err, engine.ErrContextExpired) ||
			errors.Is(err, ErrSubjectNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		o.noteMarkup(t, err)

		o.logger.Warn("primary source exhausted, trying fallback",
			zap.String("subject", t.Subject),
			zap.Error(err))
		fbPayload, ferr := o.fallback.Fetch(ctx, t.Subject)
		if ferr == nil {
			o.cache.Put(t.Subject, fbPayload)
			return &Result{Status: StatusDegraded, Payload: fbPayload}, nil
		}
		o.logger.Warn("fallback source failed",
			zap.String("subject", t.Subject),
			zap.Error(ferr))

		if stale, at, ok := o.cache.Stale(t.Subject); ok {
			o.logger.Warn("serving stale cache entry",
				zap.String("subject", t.Subject),
				zap.Time("fetched_at", at))
			return &Result{Status: StatusDegraded, Payload: stale, Cached: true}, nil
		}

		return nil, fmt.Errorf("%w: primary and secondary sources failed: %v", fallback.ErrUnavailable, err)
	})
}

func (o *Orchestrator) search(ctx context.Context, sessionID string, t SearchSubject) *Result {
	if strings.TrimSpace(t.Query) == "" {
		return o.errorResult(fmt.Errorf("%w: query is required", ErrBadRequest))
	}

	return o.run(ctx, sessionID, t, func(ctx context.Context, s *session.Session) (*Result, error) {
		var found []models.Location
		err := o.withRetry(ctx, s, t, func(ctx context.Context, ec *engine.ExecutionContext) error {
			out, serr := o.driver.Search(ctx, ec, t.Query)
			if serr != nil {
				return serr
			}
			found = out
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusSuccess, Payload: found}, nil
	})
}

func (o *Orchestrator) authenticate(ctx context.Context, sessionID string, t Authenticate) *Result {
	email, password := t.Email, t.Password
	account := email
	if t.AccountRef != "" {
		if o.creds == nil {
			return o.errorResult(fmt.Errorf("%w: no credential store configured", creds.ErrUnknownAccount))
		}
		c, err := o.creds.Get(t.AccountRef)
		if err != nil {
			return o.errorResult(err)
		}
		email, password = c.Email, c.Password
		account = t.AccountRef
	}
	if email == "" || password == "" {
		return o.errorResult(fmt.Errorf("%w: email and password are required", ErrBadRequest))
	}

	return o.run(ctx, sessionID, t, func(ctx context.Context, s *session.Session) (*Result, error) {
		// Safe to retry on transient failures: an attempt that actually
		// signed in is detected as already-authenticated on the next try
		err := o.withRetry(ctx, s, t, func(ctx context.Context, ec *engine.ExecutionContext) error {
			return o.driver.Login(ctx, ec, email, password)
		})
		if err != nil {
			return nil, err
		}

		s.SetAuthenticated(account)
		if t.SaveAs != "" && o.creds != nil {
			if cerr := o.creds.Put(t.SaveAs, models.Credentials{Email: email, Password: password}); cerr != nil {
				o.logger.Warn("failed to save credentials",
					zap.String("ref", t.SaveAs),
					zap.Error(cerr))
			}
		}
		return &Result{Status: StatusSuccess, Payload: map[string]string{"account": account, "email": email}}, nil
	})
}

// logout expires the whole session. Cookies live in the execution context,
// so dropping the session is what actually signs the account out.
func (o *Orchestrator) logout(ctx context.Context, sessionID string) *Result {
	expired := o.registry.Expire(ctx, sessionID)
	return &Result{Status: StatusSuccess, Payload: map[string]bool{"expired": expired}}
}

func (o *Orchestrator) listFavorites(ctx context.Context, sessionID string, t ListFavorites) *Result {
	return o.run(ctx, sessionID, t, func(ctx context.Context, s *session.Session) (*Result, error) {
		var favs []models.Favorite
		err := o.withRetry(ctx, s, t, func(ctx context.Context, ec *engine.ExecutionContext) error {
			out, ferr := o.driver.Favorites(ctx, ec)
			if ferr != nil {
				return ferr
			}
			favs = out
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusSuccess, Payload: models.FavoritesList{Favorites: favs, Count: len(favs)}}, nil
	})
}

// setFavorite drives the site toward the desired state and verifies the
// outcome by re-reading the list. Requests already in the desired state
// succeed without touching anything.
func (o *Orchestrator) setFavorite(ctx context.Context, sessionID string, task Task, subject string, add bool) *Result {
	if strings.TrimSpace(subject) == "" {
		return o.errorResult(fmt.Errorf("%w: subject is required", ErrBadRequest))
	}

	return o.run(ctx, sessionID, task, func(ctx context.Context, s *session.Session) (*Result, error) {
		var action models.FavoriteAction
		err := o.withRetry(ctx, s, task, func(ctx context.Context, ec *engine.ExecutionContext) error {
			favs, ferr := o.driver.Favorites(ctx, ec)
			if ferr != nil {
				return ferr
			}
			if hasFavorite(favs, subject) == add {
				action = models.FavoriteAction{Subject: subject, Added: add, ActionTaken: false}
				return nil
			}
			if add && len(favs) >= favoritesCap {
				return fmt.Errorf("%w: %d locations saved", ErrFavoritesLimit, len(favs))
			}
			if serr := o.driver.SetFavorite(ctx, ec, subject, add); serr != nil {
				return serr
			}
			favs, ferr = o.driver.Favorites(ctx, ec)
			if ferr != nil {
				return ferr
			}
			if hasFavorite(favs, subject) != add {
				return fmt.Errorf("%w: favorite change did not take effect", ErrTransientFetch)
			}
			action = models.FavoriteAction{Subject: subject, Added: add, ActionTaken: true}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusSuccess, Payload: action}, nil
	})
}

// run executes fn under the session's operation lock, with the auth gate
// applied before any engine work
func (o *Orchestrator) run(ctx context.Context, sessionID string, task Task, fn func(ctx context.Context, s *session.Session) (*Result, error)) *Result {
	var res *Result
	err := o.registry.WithSession(ctx, sessionID, func(ctx context.Context, s *session.Session) error {
		if task.RequiresAuth() && !s.Authenticated() {
			return fmt.Errorf("%w: log in first", ErrAuthenticationRequired)
		}
		var ferr error
		res, ferr = fn(ctx, s)
		return ferr
	})
	if err != nil {
		o.noteMarkup(task, err)
		return o.errorResult(err)
	}
	return res
}

// withRetry runs op with the session's execution context, retrying transient
// failures with a growing backoff. An operation that outlived its engine
// instance fails with an expired context instead of retrying, and failures
// to acquire a context are returned as-is.
func (o *Orchestrator) withRetry(ctx context.Context, s *session.Session, task Task, op func(ctx context.Context, ec *engine.ExecutionContext) error) error {
	attempts := o.retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		ec, err := s.Context(ctx)
		if err != nil {
			return err
		}

		err = op(ctx, ec)
		if err == nil {
			return nil
		}
		if !o.validator.Valid(ec) {
			return fmt.Errorf("%w: %v", engine.ErrContextExpired, err)
		}
		if !errors.Is(err, ErrTransientFetch) {
			return err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		delay := o.backoff * time.Duration(attempt)
		o.logger.Warn("transient failure, retrying",
			zap.String("task", task.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := o.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return lastErr
}

func (o *Orchestrator) errorResult(err error) *Result {
	return &Result{
		Status:    StatusError,
		ErrorKind: Classify(err),
		Message:   err.Error(),
		Err:       err,
	}
}

// noteMarkup alerts on markup mismatches. These mean the site changed and
// the selectors need a human, so they get their own counter and an error
// log regardless of how the task ultimately resolved.
func (o *Orchestrator) noteMarkup(task Task, err error) {
	if errors.Is(err, ErrMarkupMismatch) {
		o.metrics.MarkupMismatches.Inc()
		o.logger.Error("markup mismatch, selectors need review",
			zap.String("task", task.Name()),
			zap.Error(err))
	}
}

// hasFavorite matches a subject against saved names. The site shows full
// names like "Paris, France" while callers say "Paris", so the check is
// case-insensitive containment in either direction.
func hasFavorite(favs []models.Favorite, subject string) bool {
	needle := strings.ToLower(strings.TrimSpace(subject))
	if needle == "" {
		return false
	}
	for _, f := range favs {
		name := strings.ToLower(strings.TrimSpace(f.Name))
		if name == "" {
			continue
		}
		if strings.Contains(name, needle) || strings.Contains(needle, name) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
