package biz

import (
	"context"
	"io"
	"sync"
	"time"

	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// ConnectionFactory creates a new pooled connection.
type ConnectionFactory func(ctx context.Context) (interface{}, error)

// pooledConn pairs a connection with its idle-since timestamp.
type pooledConn struct {
	conn     interface{}
	idleFrom time.Time
}

// ConnectionPool hands out connections for one logical external
// dependency: serve an idle one, create under max size, otherwise wait or
// reject.
type ConnectionPool struct {
	name    string
	maxSize int
	factory ConnectionFactory
	clock   Clock
	logger  *log.Helper

	mu           sync.Mutex
	idle         []pooledConn
	currentSize  int
	inUse        int
	createdCount int64
	failedCount  int64
	lastCleanup  time.Time
	waiters      []chan interface{}
}

// PoolStatus is a copied-out snapshot of pool counters.
type PoolStatus struct {
	Name         string
	MaxSize      int
	CurrentSize  int
	Available    int
	InUse        int
	CreatedCount int64
	FailedCount  int64
	LastCleanup  time.Time
}

// newConnectionPool builds an empty pool; connections are created on
// demand.
func newConnectionPool(name string, maxSize int, factory ConnectionFactory, clock Clock, logger log.Logger) *ConnectionPool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ConnectionPool{
		name:        name,
		maxSize:     maxSize,
		factory:     factory,
		clock:       clock,
		logger:      log.NewHelper(logger),
		lastCleanup: clock.Now(),
	}
}

// newPoolExhaustedError builds the typed rejection for a saturated pool.
func newPoolExhaustedError(name string) error {
	return model.NewError(model.CategoryResourceLimit, model.SeverityWarning, model.ReasonPoolExhausted,
		"connection pool %s is exhausted", name)
}

// CreateConnectionPool registers a pool under name. Repeat calls return
// the existing pool.
func (uc *ResourceGovernorUsecase) CreateConnectionPool(name string, maxSize int, factory ConnectionFactory) *ConnectionPool {
	uc.poolMu.Lock()
	defer uc.poolMu.Unlock()

	if pool, ok := uc.pools[name]; ok {
		return pool
	}
	pool := newConnectionPool(name, maxSize, factory, uc.clock, uc.rawLogger)
	uc.pools[name] = pool
	return pool
}

// Pool looks up a registered pool by name.
func (uc *ResourceGovernorUsecase) Pool(name string) (*ConnectionPool, bool) {
	uc.poolMu.Lock()
	defer uc.poolMu.Unlock()
	pool, ok := uc.pools[name]
	return pool, ok
}

// GetConnection obtains a connection from the named pool. The returned
// release func must run on every exit path.
func (uc *ResourceGovernorUsecase) GetConnection(ctx context.Context, poolName string, timeout time.Duration) (interface{}, ReleaseFunc, error) {
	uc.poolMu.Lock()
	pool, ok := uc.pools[poolName]
	uc.poolMu.Unlock()
	if !ok {
		return nil, nil, model.NewError(model.CategoryValidation, model.SeverityError, "",
			"connection pool %q does not exist", poolName)
	}
	return pool.Get(ctx, timeout)
}

// Get serves an idle connection, creates one under max size, or waits up
// to timeout (rejects immediately when timeout is negative). Failures
// increment failed_count.
func (p *ConnectionPool) Get(ctx context.Context, timeout time.Duration) (interface{}, ReleaseFunc, error) {
	p.mu.Lock()

	// Serve an idle connection when available.
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle[n-1] = pooledConn{}
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return pc.conn, p.releaseFunc(pc.conn), nil
	}

	// Grow under max size.
	if p.currentSize < p.maxSize {
		p.currentSize++
		p.inUse++
		p.mu.Unlock()

		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.currentSize--
			p.inUse--
			p.failedCount++
			p.mu.Unlock()
			return nil, nil, model.WrapError(err, model.CategoryResourceLimit, model.SeverityError,
				"failed to create connection for pool "+p.name)
		}

		p.mu.Lock()
		p.createdCount++
		p.mu.Unlock()
		return conn, p.releaseFunc(conn), nil
	}

	// At capacity: reject when no wait budget, otherwise queue.
	if timeout < 0 {
		p.failedCount++
		p.mu.Unlock()
		return nil, nil, newPoolExhaustedError(p.name)
	}

	waiter := make(chan interface{}, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case conn := <-waiter:
		return conn, p.releaseFunc(conn), nil
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		return nil, nil, ctx.Err()
	case <-timeoutC:
		p.abandonWaiter(waiter)
		p.mu.Lock()
		p.failedCount++
		p.mu.Unlock()
		return nil, nil, newPoolExhaustedError(p.name)
	}
}

// abandonWaiter drops a waiter that gave up, re-homing a connection that
// raced the abandonment.
func (p *ConnectionPool) abandonWaiter(waiter chan interface{}) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// The waiter already got a connection; put it back.
	select {
	case conn := <-waiter:
		p.put(conn)
	default:
	}
}

// releaseFunc hands the connection back to the pool, exactly once.
func (p *ConnectionPool) releaseFunc(conn interface{}) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
			p.put(conn)
		})
	}
}

// put returns a connection to an idle slot or hands it to a waiter.
func (p *ConnectionPool) put(conn interface{}) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		p.mu.Unlock()
		waiter <- conn
		return
	}
	p.idle = append(p.idle, pooledConn{conn: conn, idleFrom: p.clock.Now()})
	p.mu.Unlock()
}

// Cleanup closes idle connections down to half of max size. Connections
// implementing io.Closer are closed.
func (p *ConnectionPool) Cleanup() int {
	target := p.maxSize / 2

	p.mu.Lock()
	var victims []interface{}
	for len(p.idle) > 0 && p.currentSize > target {
		pc := p.idle[0]
		p.idle = p.idle[1:]
		p.currentSize--
		victims = append(victims, pc.conn)
	}
	p.lastCleanup = p.clock.Now()
	p.mu.Unlock()

	for _, conn := range victims {
		if closer, ok := conn.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				p.logger.Warnw("msg", "failed to close idle connection",
					"pool", p.name,
					"error", err.Error(),
					"type", "resource")
			}
		}
	}
	return len(victims)
}

// Status snapshots pool counters.
func (p *ConnectionPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{
		Name:         p.name,
		MaxSize:      p.maxSize,
		CurrentSize:  p.currentSize,
		Available:    len(p.idle),
		InUse:        p.inUse,
		CreatedCount: p.createdCount,
		FailedCount:  p.failedCount,
		LastCleanup:  p.lastCleanup,
	}
}

// CleanupPools runs Cleanup on every registered pool.
func (uc *ResourceGovernorUsecase) CleanupPools() {
	uc.poolMu.Lock()
	pools := make([]*ConnectionPool, 0, len(uc.pools))
	for _, p := range uc.pools {
		pools = append(pools, p)
	}
	uc.poolMu.Unlock()

	for _, p := range pools {
		if closed := p.Cleanup(); closed > 0 {
			uc.logger.Infow("msg", "pool cleanup reclaimed idle connections",
				"pool", p.name,
				"closed", closed,
				"type", "resource")
		}
	}
}

// PoolStatuses snapshots every registered pool.
func (uc *ResourceGovernorUsecase) PoolStatuses() map[string]PoolStatus {
	uc.poolMu.Lock()
	pools := make(map[string]*ConnectionPool, len(uc.pools))
	for name, p := range uc.pools {
		pools[name] = p
	}
	uc.poolMu.Unlock()

	statuses := make(map[string]PoolStatus, len(pools))
	for name, p := range pools {
		statuses[name] = p.Status()
	}
	return statuses
}
