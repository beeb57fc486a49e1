// Package ratelimit throttles write requests per client subject. Each write
// endpoint has its own scope so uploads and job creation draw from separate
// budgets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultKeyPrefix = "docqa:ratelimit"

type Scope string

const (
	ScopeUpload Scope = "upload"
	ScopeJobs   Scope = "jobs"
)

var ErrUnknownScope = errors.New("no rate limit policy for scope")

// Policy allows Capacity requests per Window, refilled continuously.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

func (p Policy) perSecond() float64 {
	return float64(p.Capacity) / p.Window.Seconds()
}

type Policies map[Scope]Policy

// Validate rejects empty policy sets and any scope with a non-positive
// budget. Every limiter constructor calls it.
func (ps Policies) Validate() error {
	if len(ps) == 0 {
		return fmt.Errorf("at least one scope policy is required")
	}
	var errs []error
	for scope, p := range ps {
		if strings.TrimSpace(string(scope)) == "" {
			errs = append(errs, fmt.Errorf("scope name is required"))
			continue
		}
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scope, err))
		}
	}
	return errors.Join(errs...)
}

func (ps Policies) lookup(scope Scope) (Policy, error) {
	p, ok := ps[scope]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	return p, nil
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds is the Retry-After header value for a denied request:
// the wait rounded up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(d.RetryAfter.Seconds())))
}

func allowed(remaining float64) Decision {
	return Decision{Allowed: true, Remaining: int64(math.Max(0, math.Floor(remaining)))}
}

func denied(retryAfter time.Duration) Decision {
	return Decision{Allowed: false, RetryAfter: max(retryAfter, 0)}
}

type Limiter interface {
	Allow(ctx context.Context, scope Scope, subject string) (Decision, error)
}

// MemoryLimiter is a per-process token bucket for single-instance
// deployments where no Redis is configured.
type MemoryLimiter struct {
	policies Policies

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiter(policies Policies) (*MemoryLimiter, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{
		policies: policies,
		buckets:  make(map[string]*rate.Limiter),
	}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, scope Scope, subject string) (Decision, error) {
	policy, err := l.policies.lookup(scope)
	if err != nil {
		return Decision{}, err
	}
	key := bucketKey("", scope, subject)

	l.mu.Lock()
	limiter, ok := l.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.Capacity)
		l.buckets[key] = limiter
	}
	l.mu.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return denied(policy.Window), nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return denied(delay), nil
	}
	return allowed(limiter.TokensAt(now)), nil
}

// bucketKey names one bucket. Both limiters key by scope and subject so the
// same client holds separate upload and job budgets.
func bucketKey(prefix string, scope Scope, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	key := string(scope) + ":" + subject
	if prefix != "" {
		key = prefix + ":" + key
	}
	return key
}
