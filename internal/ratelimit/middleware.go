package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"certchain/pkg/platform/httputil"
	request "certchain/pkg/platform/middleware/request"
	"certchain/pkg/requestcontext"
)

// Middleware enforces policies per route class. Store errors fail open:
// a limiter outage must not take the public page down with it.
type Middleware struct {
	store    Store
	logger   *slog.Logger
	metrics  *Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns every check into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) { m.disabled = disabled }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Middleware) { m.metrics = metrics }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{store: store, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled && logger != nil {
		logger.Info("rate limiting disabled")
	}
	return m
}

// PerIP limits anonymous callers by client address.
func (m *Middleware) PerIP(class string, p Policy) func(http.Handler) http.Handler {
	return m.limit(class, p, func(r *http.Request) string {
		return "ip:" + class + ":" + request.ClientIP(r)
	})
}

// PerUser limits authenticated callers by user id and falls back to the
// client address when no user is on the context.
func (m *Middleware) PerUser(class string, p Policy) func(http.Handler) http.Handler {
	return m.limit(class, p, func(r *http.Request) string {
		if userID := requestcontext.UserID(r.Context()); !userID.IsNil() {
			return "user:" + class + ":" + userID.String()
		}
		return "ip:" + class + ":" + request.ClientIP(r)
	})
}

func (m *Middleware) limit(class string, p Policy, keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled || p.Limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			result, err := m.store.Allow(ctx, keyOf(r), p)
			if err != nil {
				m.metrics.storeError(class)
				if m.logger != nil {
					m.logger.ErrorContext(ctx, "rate limit check failed", "class", class, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			addHeaders(w, result)
			if !result.Allowed {
				m.metrics.rejected(class)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Too many requests. Please try again later.",
					RetryAfter: result.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type exceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}

func addHeaders(w http.ResponseWriter, result *Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
