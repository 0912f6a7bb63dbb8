package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/creds"
	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/scrape"
	"github.com/skybridge-io/skybridge/internal/session"
)

// Dispatcher runs tasks on behalf of sessions. The orchestrator implements
// it; handler tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, task scrape.Task) *scrape.Result
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	dispatcher     Dispatcher
	registry       *session.Registry
	supervisor     *engine.Supervisor
	accounts       *creds.Store
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler creates the HTTP handler set. accounts may be nil when no
// credential store is configured.
func NewHandler(d Dispatcher, reg *session.Registry, sup *engine.Supervisor, accounts *creds.Store, requestTimeout time.Duration, logger *zap.Logger) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 75 * time.Second
	}
	return &Handler{
		dispatcher:     d,
		registry:       reg,
		supervisor:     sup,
		accounts:       accounts,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.supervisor.State()
	status := "ok"
	if st != engine.StateRunning {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"engine":   st,
		"epoch":    h.supervisor.Epoch(),
		"sessions": h.registry.Len(),
	})
}

// CurrentConditions handles GET /v1/weather/current?city=
func (h *Handler) CurrentConditions(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if city == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "query parameter city is required"})
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.FetchCurrentData{Subject: city})
	h.writeResult(w, res)
}

// SearchLocations handles GET /v1/locations/search?q=
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "query parameter q is required"})
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.SearchSubject{Query: query})
	h.writeResult(w, res)
}

// opContext bounds one dispatched operation, retries and all
func (h *Handler) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

// writeResult renders a task result with the status code its error kind
// maps to
func (h *Handler) writeResult(w http.ResponseWriter, res *scrape.Result) {
	status := http.StatusOK
	if res.Status == scrape.StatusError {
		status = statusFor(res.ErrorKind)
	}
	respondJSON(w, status, res)
}

// statusFor maps failure kinds to HTTP status codes
func statusFor(kind scrape.Kind) int {
	switch kind {
	case scrape.KindEngineUnavailable, scrape.KindContextExpired:
		return http.StatusServiceUnavailable
	case scrape.KindAuthenticationRequired, scrape.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case scrape.KindMarkupMismatch, scrape.KindFallbackUnavailable:
		return http.StatusBadGateway
	case scrape.KindTransientFetch:
		return http.StatusGatewayTimeout
	case scrape.KindFavoritesLimit:
		return http.StatusConflict
	case scrape.KindSubjectNotFound, scrape.KindUnknownAccount:
		return http.StatusNotFound
	case scrape.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
