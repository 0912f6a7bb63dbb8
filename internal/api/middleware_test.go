package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/ratelimit"
)

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestSessionMiddlewareMintsIdentity(t *testing.T) {
	var seen string
	h := SessionMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionID(r)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))

	require.NotEmpty(t, seen)
	require.NoError(t, uuid.Validate(seen))

	c := sessionCookie(t, rec)
	require.NotNil(t, c, "a success response must carry the session cookie")
	assert.Equal(t, seen, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, "/", c.Path)
}

func TestSessionMiddlewarePrefersCookieOverHeader(t *testing.T) {
	var seen string
	h := SessionMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionID(r)
	}))

	req := httptest.NewRequest("GET", "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-id"})
	req.Header.Set(SessionHeader, "header-id")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "cookie-id", seen)
}

func TestSessionMiddlewareHeaderFallback(t *testing.T) {
	var seen string
	h := SessionMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionID(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/session", nil)
	req.Header.Set(SessionHeader, "header-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "header-id", seen)
	c := sessionCookie(t, rec)
	require.NotNil(t, c)
	assert.Equal(t, "header-id", c.Value)
}

func TestSessionMiddlewareNoCookieOnFailure(t *testing.T) {
	h := SessionMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))

	assert.Nil(t, sessionCookie(t, rec), "a failed request must not pin an identity on the client")
}

func TestSessionMiddlewareCookieOnImplicitOK(t *testing.T) {
	h := SessionMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))

	assert.NotNil(t, sessionCookie(t, rec))
}

func TestRateLimitMiddlewareEnforcesBudget(t *testing.T) {
	limiter := ratelimit.NewLimiter(10)
	chain := SessionMiddleware(zap.NewNop())(RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest("GET", "/v1/weather/current", nil)
	req.Header.Set(SessionHeader, "alpha")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	req = httptest.NewRequest("GET", "/v1/weather/current", nil)
	req.Header.Set(SessionHeader, "alpha")
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// A different session still has its own budget
	req = httptest.NewRequest("GET", "/v1/weather/current", nil)
	req.Header.Set(SessionHeader, "beta")
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareSkipsAnonymousRequests(t *testing.T) {
	limiter := ratelimit.NewLimiter(10)
	h := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Without the session middleware there is no identity to key on
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestLoggingMiddlewarePreservesStatus(t *testing.T) {
	h := LoggingMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/weather/current", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
