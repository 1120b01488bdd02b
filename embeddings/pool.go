package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize bounds concurrent inference when the caller does not
	// size the pool explicitly.
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// Pool hands out Embedders to concurrent callers. Every Embedder owns its
// own execution context, so pooled inferences run in parallel without
// sharing mutable graph state.
type Pool struct {
	embedders chan *Embedder
	size      int
	factory   func() (*Embedder, error)

	mu         sync.Mutex
	closed     bool
	lastErrors []error

	metrics poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool's counters.
type PoolStats struct {
	Size            int
	Available       int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// NewPool builds size Embedders up front using factory. On any construction
// failure the partially built pool is torn down and the error returned.
func NewPool(size int, factory func() (*Embedder, error)) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool{
		embedders: make(chan *Embedder, size),
		size:      size,
		factory:   factory,
	}

	// Initialize embedders
	for i := 0; i < size; i++ {
		e, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize embedder %d: %w", i, err)
		}
		pool.embedders <- e
	}

	// Start health check routine
	go pool.healthCheck()

	return pool, nil
}

// Size returns the configured pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire checks an Embedder out of the pool, waiting until one is free, the
// context is done or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Embedder, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case e, ok := <-p.embedders:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return e, nil
	case <-time.After(AcquireTimeout):
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available embedder")
	case <-ctx.Done():
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns an Embedder to the pool. Embedders released after Destroy
// are torn down instead of pooled.
func (p *Pool) Release(e *Embedder) {
	if e == nil {
		return
	}

	// The caller gave the embedder back either way; count it before deciding
	// whether it gets pooled or torn down.
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		e.Destroy()
		return
	}
	select {
	case p.embedders <- e:
	default:
		// The health check refilled this slot already; drop the extra.
		p.mu.Unlock()
		e.Destroy()
		return
	}
	p.mu.Unlock()
}

// Destroy closes the pool and tears down every pooled Embedder. Embedders
// still checked out are destroyed when released.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.embedders)
	p.mu.Unlock()

	// Destroy all pooled embedders
	for e := range p.embedders {
		e.Destroy()
	}
}

func (p *Pool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		p.metrics.mu.RLock()
		inUse := p.metrics.inUse
		p.metrics.mu.RUnlock()

		// Checked-out embedders come back on their own; only ones lost to
		// factory failures or dropped releases count as missing.
		if missing := p.size - len(p.embedders) - inUse; missing > 0 {
			p.replenish(missing)
		}
	}
}

func (p *Pool) replenish(count int) {
	for i := 0; i < count; i++ {
		e, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			e.Destroy()
			return
		}
		select {
		case p.embedders <- e:
		default:
			// Full again; the deficit was transient.
			p.mu.Unlock()
			e.Destroy()
			return
		}
		p.mu.Unlock()
	}
}

func (p *Pool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Available:       len(p.embedders),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
