package runner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces successive generator calls within one job. It combines a
// steady interval with pauses requested by a rate-limited generator.
type Pacer struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	notBefore time.Time
}

// NewPacer allows one call immediately and then one per interval. A
// non-positive interval disables steady pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Pause holds back the next Wait for at least d.
func (p *Pacer) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.notBefore) {
		p.notBefore = until
	}
}

func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	until := p.notBefore
	p.mu.Unlock()

	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return p.limiter.Wait(ctx)
}
