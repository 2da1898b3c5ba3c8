package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBearerTokenPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.Header.Set("Sec-WebSocket-Protocol", "Bearer.proto-token")
	q := r.URL.Query()
	q.Set("token", "query-token")
	r.URL.RawQuery = q.Encode()

	require.Equal(t, "header-token", bearerToken(r))
}

func TestBearerTokenFallsBackToWebSocketSubprotocol(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "Bearer.proto-token")
	require.Equal(t, "proto-token", bearerToken(r))
}

func TestBearerTokenFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	require.Equal(t, "query-token", bearerToken(r))
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	wrapped := rl.wrap(next)

	r1 := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	w1 := httptest.NewRecorder()
	wrapped.ServeHTTP(w1, r1)
	require.Equal(t, http.StatusOK, w1.Code)

	r2 := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	w2 := httptest.NewRecorder()
	wrapped.ServeHTTP(w2, r2)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
	require.NotEmpty(t, w2.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimiterExemptsHealthPaths(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	wrapped := rl.wrap(next)

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}
}
