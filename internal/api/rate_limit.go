package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/docqa/internal/ratelimit"
	"github.com/rs/zerolog/hlog"
)

// withRateLimit charges a write against the caller's budget for scope.
// Scopes without a policy are unlimited and limiter errors fail open.
func (s *Server) withRateLimit(scope ratelimit.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.rateLimiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.rateLimited(w, r, scope, next)
		})
	}
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request, scope ratelimit.Scope, next http.Handler) {
	subject := strings.TrimSpace(r.Header.Get(s.cfg.RateLimitHeader))
	if subject == "" {
		subject = clientIP(r)
	}

	decision, err := s.rateLimiter.Allow(r.Context(), scope, subject)
	if errors.Is(err, ratelimit.ErrUnknownScope) {
		next.ServeHTTP(w, r)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("scope", string(scope)).Str("subject", subject).Msg("rate limiter check failed")
		next.ServeHTTP(w, r)
		return
	}

	w.Header().Set("X-RateLimit-Scope", string(scope))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		next.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	s.metrics.rateLimitRejected.WithLabelValues(string(scope)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return host
}
