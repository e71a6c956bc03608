package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/metrics"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
	maxRecordedErrors = 10
)

// sessionFactory creates one session for the pool's model.
type sessionFactory func() (*detections.ModelSession, error)

type ModelSessionPool struct {
	task       detections.Task
	sessions   chan *detections.ModelSession
	size       int
	newSession sessionFactory
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	lent       int
	lastErrors []error
	stop       chan struct{}
	wg         sync.WaitGroup

	metrics *PoolMetrics
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

func NewModelSessionPool(task detections.Task, size int, newSession sessionFactory, logger *zap.SugaredLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &ModelSessionPool{
		task:       task,
		sessions:   make(chan *detections.ModelSession, size),
		size:       size,
		newSession: newSession,
		logger:     logger,
		stop:       make(chan struct{}),
		metrics:    &PoolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize %s session %d: %w", task, i, err)
		}
		pool.sessions <- session
	}

	// Start health check routine
	pool.wg.Add(1)
	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) Task() detections.Task { return p.task }

func (p *ModelSessionPool) Acquire(ctx context.Context) (*detections.ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
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
		p.mu.Lock()
		p.lent++
		p.mu.Unlock()
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session. Sessions released after Destroy are destroyed.
func (p *ModelSessionPool) Release(session *detections.ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lent--
	if p.closed {
		if err := session.Destroy(); err != nil {
			p.logger.Warnw("destroy released session", "task", p.task, "error", err)
		}
		return
	}
	p.sessions <- session
}

// Discard destroys a lent session that can no longer run. The health check
// builds its replacement.
func (p *ModelSessionPool) Discard(session *detections.ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.lent--
	p.mu.Unlock()

	p.logger.Warnw("discarding broken session", "task", p.task)
	if err := session.Destroy(); err != nil {
		p.logger.Warnw("destroy discarded session", "task", p.task, "error", err)
	}
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	close(p.sessions)

	// Destroy all idle sessions
	var err error
	for session := range p.sessions {
		err = multierr.Append(err, session.Destroy())
	}
	p.mu.Unlock()

	p.wg.Wait()
	if err != nil {
		p.logger.Warnw("destroy pool", "task", p.task, "error", err)
	}
}

func (p *ModelSessionPool) healthCheck() {
	defer p.wg.Done()
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		p.replenish()
	}
}

// replenish rebuilds sessions that were discarded since the last check.
func (p *ModelSessionPool) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	missing := p.size - len(p.sessions) - p.lent
	p.mu.Unlock()

	if missing > 0 {
		p.replenishSessions(missing)
	}
}

func (p *ModelSessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.newSession()
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
	p.logger.Warnw("replenish session", "task", p.task, "error", err)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *ModelSessionPool) Stats() metrics.PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return metrics.PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
	}
}
