package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/wayfarer/internal/observability"
)

// Pool caps concurrent browser sessions process-wide. Both the synchronous
// one-shot path and the orchestrator lease through the same pool, so the
// limit holds across execution modes.
type Pool struct {
	driver  Driver
	sem     chan struct{}
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

// NewPool wraps driver with a semaphore of maxSessions slots.
func NewPool(driver Driver, maxSessions int, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if maxSessions < 1 {
		maxSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		driver:  driver,
		sem:     make(chan struct{}, maxSessions),
		logger:  logger.With("component", "browser-pool"),
		metrics: metrics,
	}
}

// Acquire blocks until a slot frees up, then opens a session. The returned
// release func closes the session and frees the slot; it is safe to call
// exactly once.
func (p *Pool) Acquire(ctx context.Context) (Session, func(), error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, nil, fmt.Errorf("browser pool is closed")
	}
	p.mu.Unlock()

	sess, err := p.driver.NewSession(ctx)
	if err != nil {
		<-p.sem
		return nil, nil, err
	}

	if p.metrics != nil {
		p.metrics.BrowserSessionsActive.Inc()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := sess.Close(); err != nil {
				p.logger.Warn("close browser session", "error", err)
			}
			if p.metrics != nil {
				p.metrics.BrowserSessionsActive.Dec()
			}
			<-p.sem
		})
	}
	return sess, release, nil
}

// InUse reports the number of leased sessions.
func (p *Pool) InUse() int {
	return len(p.sem)
}

// Close marks the pool closed and shuts the driver down. Outstanding
// sessions die with the driver.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.driver.Close()
}
