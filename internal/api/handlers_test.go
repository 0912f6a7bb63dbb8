package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/creds"
	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/internal/proxy"
	"github.com/skybridge-io/skybridge/internal/ratelimit"
	"github.com/skybridge-io/skybridge/internal/scrape"
	"github.com/skybridge-io/skybridge/internal/session"
	"github.com/skybridge-io/skybridge/pkg/models"
)

type stubProvider struct{}

func (stubProvider) AcquireContext(ctx context.Context) (*engine.ExecutionContext, error) {
	return &engine.ExecutionContext{ID: "ec-1", Epoch: 1, CreatedAt: time.Now()}, nil
}

func (stubProvider) ReleaseContext(ec *engine.ExecutionContext) {}

func (stubProvider) Valid(ec *engine.ExecutionContext) bool { return true }

type fakeDispatcher struct {
	mu          sync.Mutex
	calls       int
	lastSession string
	lastTask    scrape.Task
	res         *scrape.Result
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sessionID string, task scrape.Task) *scrape.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSession = sessionID
	f.lastTask = task
	if f.res != nil {
		return f.res
	}
	return &scrape.Result{Status: scrape.StatusSuccess, Payload: map[string]string{"ok": "true"}}
}

func (f *fakeDispatcher) last() (int, string, scrape.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.lastSession, f.lastTask
}

type apiHarness struct {
	router     *mux.Router
	dispatcher *fakeDispatcher
	registry   *session.Registry
	supervisor *engine.Supervisor
}

func newAPIHarness(t *testing.T, accounts *creds.Store) *apiHarness {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	reg := session.NewRegistry(stubProvider{}, session.Options{IdleTimeout: time.Minute, Capacity: 8}, zap.NewNop(), m)
	t.Cleanup(reg.Close)

	// Never started: health reports the engine as still starting
	sup := engine.NewSupervisor(engine.NewAttachRuntime("http://127.0.0.1:9222"), engine.Dial, engine.Options{}, zap.NewNop(), m)

	d := &fakeDispatcher{}
	h := NewHandler(d, reg, sup, accounts, 5*time.Second, zap.NewNop())
	router := h.SetupRoutes(proxy.NewServer(sup, zap.NewNop()), ratelimit.NewLimiter(1000000), m.Handler())
	return &apiHarness{router: router, dispatcher: d, registry: reg, supervisor: sup}
}

func (a *apiHarness) do(t *testing.T, method, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthReportsEngineState(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "STARTING", body["engine"])
	assert.Equal(t, float64(0), body["sessions"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCurrentConditionsDispatchesTask(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/weather/current?city=Paris", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	calls, sessionID, task := a.dispatcher.last()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, scrape.FetchCurrentData{Subject: "Paris"}, task)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestCurrentConditionsRequiresCity(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/weather/current", "s1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	calls, _, _ := a.dispatcher.last()
	assert.Zero(t, calls)
}

func TestSearchLocationsDispatchesTask(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/locations/search?q=spring", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, _, task := a.dispatcher.last()
	assert.Equal(t, scrape.SearchSubject{Query: "spring"}, task)
}

func TestSearchLocationsRequiresQuery(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/locations/search", "s1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginParsesBody(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "POST", "/v1/auth/login", "s1",
		`{"email": "user@example.com", "password": "secret", "saveAs": "home"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, sessionID, task := a.dispatcher.last()
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, scrape.Authenticate{Email: "user@example.com", Password: "secret", SaveAs: "home"}, task)
}

func TestLoginWithAccountRef(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "POST", "/v1/auth/login", "s1", `{"accountRef": "work"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, _, task := a.dispatcher.last()
	assert.Equal(t, scrape.Authenticate{AccountRef: "work"}, task)
}

func TestLoginRejectsBadJSON(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "POST", "/v1/auth/login", "s1", `{"email": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	calls, _, _ := a.dispatcher.last()
	assert.Zero(t, calls)
}

func TestLogoutDispatchesTask(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "POST", "/v1/auth/logout", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, _, task := a.dispatcher.last()
	assert.Equal(t, scrape.Logout{}, task)
}

func TestAccountsWithoutStore(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/auth/accounts", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	accounts := body["accounts"].([]interface{})
	assert.Empty(t, accounts)
}

func TestAccountsListsSavedRefs(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	store, err := creds.NewStore(filepath.Join(t.TempDir(), "credentials.enc"), key)
	require.NoError(t, err)
	require.NoError(t, store.Put("home", models.Credentials{Email: "h@example.com", Password: "x"}))
	require.NoError(t, store.Put("work", models.Credentials{Email: "w@example.com", Password: "y"}))

	a := newAPIHarness(t, store)
	rec := a.do(t, "GET", "/v1/auth/accounts", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	accounts := body["accounts"].([]interface{})
	require.Len(t, accounts, 2)
	first := accounts[0].(map[string]interface{})
	assert.Equal(t, "home", first["ref"])
	assert.Equal(t, "h@example.com", first["email"])
	_, hasPassword := first["password"]
	assert.False(t, hasPassword, "account listings must not leak passwords")
}

func TestFavoritesRoutes(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/favorites", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, task := a.dispatcher.last()
	assert.Equal(t, scrape.ListFavorites{}, task)

	rec = a.do(t, "POST", "/v1/favorites", "s1", `{"city": "Oslo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, task = a.dispatcher.last()
	assert.Equal(t, scrape.AddFavorite{Subject: "Oslo"}, task)

	rec = a.do(t, "DELETE", "/v1/favorites/Oslo", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, task = a.dispatcher.last()
	assert.Equal(t, scrape.RemoveFavorite{Subject: "Oslo"}, task)
}

func TestSessionInfoCreatesSession(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/session", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "s1", body["id"])
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, 1, a.registry.Len())
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		kind scrape.Kind
		want int
	}{
		{scrape.KindEngineUnavailable, http.StatusServiceUnavailable},
		{scrape.KindContextExpired, http.StatusServiceUnavailable},
		{scrape.KindAuthenticationRequired, http.StatusUnauthorized},
		{scrape.KindAuthenticationFailed, http.StatusUnauthorized},
		{scrape.KindMarkupMismatch, http.StatusBadGateway},
		{scrape.KindFallbackUnavailable, http.StatusBadGateway},
		{scrape.KindTransientFetch, http.StatusGatewayTimeout},
		{scrape.KindFavoritesLimit, http.StatusConflict},
		{scrape.KindSubjectNotFound, http.StatusNotFound},
		{scrape.KindUnknownAccount, http.StatusNotFound},
		{scrape.KindBadRequest, http.StatusBadRequest},
		{scrape.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			a := newAPIHarness(t, nil)
			a.dispatcher.res = &scrape.Result{
				Status:    scrape.StatusError,
				ErrorKind: tc.kind,
				Message:   fmt.Sprintf("forced %s", tc.kind),
			}

			rec := a.do(t, "GET", "/v1/weather/current?city=Paris", "s1", "")
			assert.Equal(t, tc.want, rec.Code)

			body := decodeBody(t, rec)
			assert.Equal(t, string(tc.kind), body["error"])
		})
	}
}

func TestDegradedResultStaysOK(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.dispatcher.res = &scrape.Result{
		Status:  scrape.StatusDegraded,
		Payload: &models.Conditions{City: "Paris", Source: models.SourceFallback},
		Cached:  true,
	}

	rec := a.do(t, "GET", "/v1/weather/current?city=Paris", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["cached"])
}

func TestErrorResponsesDoNotSetCookie(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.dispatcher.res = &scrape.Result{
		Status:    scrape.StatusError,
		ErrorKind: scrape.KindEngineUnavailable,
		Message:   "engine is RESTARTING",
	}

	rec := a.do(t, "GET", "/v1/weather/current?city=Paris", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, sessionCookie(t, rec))
}

func TestSuccessResponsesSetCookie(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, "GET", "/v1/weather/current?city=Paris", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	c := sessionCookie(t, rec)
	require.NotNil(t, c)

	_, sessionID, _ := a.dispatcher.last()
	assert.Equal(t, sessionID, c.Value)
}
