package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// agentHeader carries the caller's agent identifier.
const agentHeader = "X-Agent-ID"

// apiKeyHeader carries the caller's API key.
const apiKeyHeader = "X-API-Key"

// Observability wraps routes with an otel span and per-route Prometheus
// counters and histograms.
type Observability struct {
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewObservability builds the gateway metrics registry and tracer.
func NewObservability(serviceName string) *Observability {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay_gateway",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentpay_gateway",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	return &Observability{
		tracer:    otel.Tracer(serviceName),
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

// Middleware instruments the route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			o.requests.WithLabelValues(route, r.Method, fmt.Sprintf("%d", recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the gateway registry alongside the default registry
// carrying the pipeline collectors.
func (o *Observability) MetricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{o.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RateLimiter applies a per-caller token bucket. Payment routes key on the
// agent id; admin routes key on the client address.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter constructs a limiter allowing perSecond sustained requests
// with the given burst per caller.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.visitors[key]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors[key] = limiter
	}
	return limiter
}

// Middleware rejects callers over their budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(agentHeader))
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth checks the caller's key against the configured per-agent keys
// in constant time.
type APIKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewAPIKeyAuth constructs the authenticator. keys maps agent id → API key.
func NewAPIKeyAuth(keys map[string]string) *APIKeyAuth {
	normalised := make(map[string]string, len(keys))
	for agent, key := range keys {
		normalised[strings.TrimSpace(agent)] = strings.TrimSpace(key)
	}
	return &APIKeyAuth{keys: normalised}
}

// SetKey installs or rotates an agent's API key.
func (a *APIKeyAuth) SetKey(agentID, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[strings.TrimSpace(agentID)] = strings.TrimSpace(key)
}

// Middleware rejects requests without a valid (agent, key) pair.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := strings.TrimSpace(r.Header.Get(agentHeader))
		presented := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if agent == "" || presented == "" {
			writeError(w, http.StatusUnauthorized, "missing_credentials")
			return
		}
		a.mu.RLock()
		expected, ok := a.keys[agent]
		a.mu.RUnlock()
		if !ok || !hmac.Equal([]byte(expected), []byte(presented)) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminAuth guards operator endpoints with HS256 bearer tokens carrying an
// admin scope claim.
type AdminAuth struct {
	secret []byte
}

// NewAdminAuth constructs the authenticator over the shared signing secret.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret)}
}

type adminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueToken mints an operator token. Used by tests and provisioning tooling.
func (a *AdminAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := adminClaims{
		Scope: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid admin-scoped bearer token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_bearer_token")
			return
		}
		claims := &adminClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid_bearer_token")
			return
		}
		if claims.Scope != "admin" {
			writeError(w, http.StatusForbidden, "admin_scope_required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// VerifyWebhookSignature compares hex(HMAC-SHA256(secret, body)) against the
// presented signature in constant time.
func VerifyWebhookSignature(secret, body []byte, presented string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	presented = strings.TrimPrefix(strings.TrimSpace(presented), "sha256=")
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(presented)))
}
