package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrPoolClosed = errors.New("worker pool is shutting down")
	ErrPoolFull   = errors.New("worker pool queue is full")
)

// Pool runs jobs on a fixed set of goroutines inside the API process.
type Pool struct {
	handler Handler
	logger  zerolog.Logger
	workers int
	timeout time.Duration

	ch   chan GeneratePayload
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan GeneratePayload, n)
		}
	}
}

func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(handler Handler, logger zerolog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		handler: handler,
		logger:  logger,
		workers: 4,
		timeout: time.Hour,
		ch:      make(chan GeneratePayload, 256),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				for payload := range p.ch {
					p.run(workerID, payload)
				}
			}(i + 1)
		}
	})
}

func (p *Pool) run(workerID int, payload GeneratePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	logger := p.logger.With().Int("worker_id", workerID).Str("job_id", payload.JobID).Logger()
	if err := p.handler(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("job run failed")
		return
	}
	logger.Debug().Msg("job run finished")
}

// Dispatch queues payload without blocking the caller.
func (p *Pool) Dispatch(_ context.Context, payload GeneratePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.ch <- payload:
		return nil
	default:
		p.logger.Warn().Str("job_id", payload.JobID).Int("capacity", cap(p.ch)).Msg("worker pool queue full")
		return ErrPoolFull
	}
}

// Shutdown stops accepting work and waits for queued jobs to drain or ctx to
// end, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn().Msg("worker pool shutdown interrupted")
		return ctx.Err()
	case <-done:
		p.logger.Info().Msg("worker pool drained")
		return nil
	}
}
