package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stormstack/engine/internal/app/core"
	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
	"github.com/stormstack/engine/pkg/metrics"
)

type ctxKey string

const ctxTokenKey ctxKey = "httpapi.matchtoken"

// bearerToken extracts a bearer credential from the Authorization header,
// the `Bearer.<token>` WebSocket sub-protocol, or the `token` query
// parameter, in that preference order; the upgrade sub-protocol is
// preferred over the query string for streaming connections.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, "Bearer.") {
			return strings.TrimPrefix(proto, "Bearer.")
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return ""
}

// listLimit resolves a GET list endpoint's ?limit= query parameter,
// clamped to core's standard page-size bounds.
func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return core.DefaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return core.DefaultListLimit
	}
	return core.ClampLimit(n, core.DefaultListLimit, core.MaxListLimit)
}

// healthPaths never require a token; every other endpoint does.
var healthPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// withMatchTokenAuth validates the bearer MatchToken on every request
// through g, attaching the validated token to the request context for
// handlers to scope-check.
func withMatchTokenAuth(next http.Handler, g *gate.Gate, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := healthPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			writeErr(w, r, apierrors.InvalidCredentials("missing bearer token"))
			return
		}
		token, err := g.Validate(raw, time.Now())
		if err != nil {
			if log != nil {
				log.WithError(err).Warn("rejected request with invalid token")
			}
			writeErr(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromContext returns the MatchToken validated by withMatchTokenAuth.
func tokenFromContext(ctx context.Context) (model.MatchToken, bool) {
	t, ok := ctx.Value(ctxTokenKey).(model.MatchToken)
	return t, ok
}

// requireScope fails the request with ScopeDenied when the context's
// token lacks scope, returning false so the caller can stop handling.
func requireScope(w http.ResponseWriter, r *http.Request, scope model.Scope) bool {
	token, ok := tokenFromContext(r.Context())
	if !ok {
		writeErr(w, r, apierrors.InvalidCredentials("missing bearer token"))
		return false
	}
	if err := gate.RequireScope(token, scope); err != nil {
		writeErr(w, r, err)
		return false
	}
	return true
}

// tokenMatches verifies match/container/player against the token:
// the context's MatchToken must have been scoped to the
// same match and player as the request, and to the same container when
// the token carries one (a token issued before its container was known
// carries ContainerID 0, per MatchToken's "optional containerId"). Writes
// a PermissionDenied response and returns false on mismatch.
func tokenMatches(w http.ResponseWriter, r *http.Request, containerID, matchID, playerID uint64) bool {
	token, ok := tokenFromContext(r.Context())
	if !ok {
		writeErr(w, r, apierrors.InvalidCredentials("missing bearer token"))
		return false
	}
	if token.MatchID != matchID || token.PlayerID != playerID ||
		(token.ContainerID != 0 && token.ContainerID != containerID) {
		writeErr(w, r, apierrors.PermissionDenied("token is not scoped to this match/container/player"))
		return false
	}
	return true
}

// withOperatorAuth validates a static operator bearer token against the
// configured set, used by the control plane's node-registration and
// routing surface rather than per-match MatchTokens.
func withOperatorAuth(next http.Handler, tokens []string) http.Handler {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := healthPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			writeErr(w, r, apierrors.InvalidCredentials("missing bearer token"))
			return
		}
		if _, ok := set[raw]; !ok {
			writeErr(w, r, apierrors.InvalidCredentials("unrecognized operator token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS allows cross-origin requests from a dashboard collaborator and
// short-circuits preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code a handler wrote, for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMetrics records request counts and latency into pkg/metrics'
// HTTP series, shared by both the node and control-plane surfaces.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

// RateLimiter enforces the per-principal generic request budget:
// one token bucket per principal key, lazily created.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	window   time.Duration
	rate     rate.Limit
	burst    int
}

// DefaultRequestsPerMinute is the generic per-principal request budget.
const DefaultRequestsPerMinute = 1000

// NewRateLimiter creates a limiter allowing limit requests per window,
// bursting up to burst.
func NewRateLimiter(limit int, window time.Duration, burst int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = limit
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		window:   window,
		rate:     rate.Limit(float64(limit) / window.Seconds()),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func principalKey(r *http.Request) string {
	if token, ok := tokenFromContext(r.Context()); ok {
		return token.ID
	}
	if raw := bearerToken(r); raw != "" {
		return raw
	}
	return r.RemoteAddr
}

// wrap enforces the limiter and sets X-RateLimit-* headers on every
// response.
func (rl *RateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := healthPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		limiter := rl.limiterFor(principalKey(r))
		reservation := limiter.Reserve()
		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rl.window).Unix(), 10))
		if !reservation.OK() || reservation.Delay() > 0 {
			reservation.Cancel()
			writeErr(w, r, apierrors.New(apierrors.CodeBackpressure, "rate limit exceeded", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}
