package scrape

import (
	"context"
	"errors"

	"github.com/skybridge-io/skybridge/internal/creds"
	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/fallback"
)

var (
	// ErrAuthenticationRequired rejects an account-scoped task on an
	// anonymous session before any engine work happens
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthenticationFailed means the site rejected the credentials, or
	// the login outcome could not be confirmed
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTransientFetch marks failures worth retrying: slow loads, missed
	// waits, navigation hiccups
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrMarkupMismatch means the page loaded but expected structure was
	// absent. Retrying cannot help; the selectors need review.
	ErrMarkupMismatch = errors.New("markup mismatch")

	// ErrSubjectNotFound means the site's search had no match for the
	// requested subject
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrFavoritesLimit rejects additions past the saved-locations cap
	ErrFavoritesLimit = errors.New("favorites limit reached")

	// ErrBadRequest covers malformed task input
	ErrBadRequest = errors.New("bad request")
)

// Kind classifies a failure for API status mapping and metrics
type Kind string

const (
	KindEngineUnavailable      Kind = "engine_unavailable"
	KindContextExpired         Kind = "context_expired"
	KindAuthenticationRequired Kind = "authentication_required"
	KindAuthenticationFailed   Kind = "authentication_failed"
	KindTransientFetch         Kind = "transient_fetch"
	KindMarkupMismatch         Kind = "markup_mismatch"
	KindFallbackUnavailable    Kind = "fallback_unavailable"
	KindFavoritesLimit         Kind = "favorites_limit"
	KindSubjectNotFound        Kind = "subject_not_found"
	KindUnknownAccount         Kind = "unknown_account"
	KindBadRequest             Kind = "bad_request"
	KindInternal               Kind = "internal"
)

// Classify maps an error chain to its kind
func Classify(err error) Kind {
	switch {
	case errors.Is(err, engine.ErrEngineUnavailable):
		return KindEngineUnavailable
	case errors.Is(err, engine.ErrContextExpired):
		return KindContextExpired
	case errors.Is(err, ErrAuthenticationRequired):
		return KindAuthenticationRequired
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrMarkupMismatch):
		return KindMarkupMismatch
	case errors.Is(err, fallback.ErrUnavailable):
		return KindFallbackUnavailable
	case errors.Is(err, ErrFavoritesLimit):
		return KindFavoritesLimit
	case errors.Is(err, ErrSubjectNotFound):
		return KindSubjectNotFound
	case errors.Is(err, creds.ErrUnknownAccount):
		return KindUnknownAccount
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrTransientFetch), errors.Is(err, context.DeadlineExceeded):
		return KindTransientFetch
	default:
		return KindInternal
	}
}
