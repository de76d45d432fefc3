package detections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionFactory creates one ready-to-run model session.
type SessionFactory func() (*ModelSession, error)

type ModelSessionPool struct {
	name       string
	sessions   chan *ModelSession
	size       int
	factory    SessionFactory
	log        logrus.FieldLogger
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	metrics    *poolMetrics
	lastErrors []error
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolMetrics is a point-in-time copy of a pool's counters.
type PoolMetrics struct {
	Name            string        `json:"name"`
	PoolSize        int           `json:"pool_size"`
	Available       int           `json:"available"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewModelSessionPool(name string, size int, factory SessionFactory, log logrus.FieldLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	pool := &ModelSessionPool{
		name:     name,
		sessions: make(chan *ModelSession, size),
		size:     size,
		factory:  factory,
		log:      log.WithField("pool", name),
		done:     make(chan struct{}),
		metrics:  &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, &ProcessingError{Message: "waiting for available session", Cause: ErrTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns session to the pool. A session that failed to run should
// be released with broken set; it is destroyed and replaced by the next
// health check.
func (p *ModelSessionPool) Release(session *ModelSession, broken bool) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || broken {
		session.Destroy()
		return
	}
	p.sessions <- session
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions lost to failures. Sessions currently held
// by callers count as present.
func (p *ModelSessionPool) replenish() {
	p.metrics.mu.RLock()
	inUse := p.metrics.inUse
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	missing := p.size - len(p.sessions) - inUse
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.log.WithError(err).Warn("failed to replenish session")

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	m := PoolMetrics{
		Name:            p.name,
		PoolSize:        p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	m.Available = len(p.sessions)
	for _, err := range p.lastErrors {
		m.LastErrors = append(m.LastErrors, err.Error())
	}
	return m
}
