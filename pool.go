package cachepool

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pooler defines the public interface for a cache connection pool.
//
// All implementations must be safe for concurrent use.
type Pooler interface {
	// Close shuts down the pool and closes all managed connections.
	//
	// After Close is called, all subsequent calls to Get return
	// ErrPoolClosed. Close is idempotent.
	Close()

	// Get returns a pooled connection using a background context.
	//
	// The returned connection goes back to the pool when Close() is
	// called on it.
	Get() (net.Conn, error)

	// GetWithContext returns a pooled connection. When the pool is
	// exhausted and configured to block, it waits up to MaxWait or until
	// the context is canceled, whichever comes first.
	GetWithContext(ctx context.Context) (net.Conn, error)

	// Len returns the number of currently idle connections in the pool.
	Len() int

	// Put returns a raw connection to the pool.
	//
	// If err is non-nil, the connection is considered broken and is
	// closed instead of being kept idle.
	Put(conn net.Conn, err error)

	// Stats returns a snapshot of the current pool state.
	Stats() PoolStats
}

// DialFunc opens a new connection to the cache server.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool is a thread-safe pool of connections to a cache server.
type Pool struct {
	// cond coordinates callers waiting for a connection when the pool
	// is exhausted.
	cond *sync.Cond

	// idle holds idle connections in FIFO order.
	idle *list.List

	// conns tracks every connection managed by the pool, idle and
	// checked-out.
	conns map[net.Conn]*connEntry

	// dialing counts capacity reserved by dials in flight. Dials run
	// without holding mu.
	dialing int

	// waiters counts callers blocked in GetWithContext.
	waiters int

	fn DialFunc

	// mu protects all fields above.
	mu *sync.Mutex

	config Config
	log    logrus.FieldLogger

	closed atomic.Bool

	// stop signals the maintainer to exit.
	stop chan struct{}
}

// connEntry is a single connection managed by the pool.
type connEntry struct {
	conn net.Conn

	// lastUsed records when the connection last entered the idle list.
	lastUsed time.Time

	// returned reports whether the connection is currently idle.
	returned atomic.Bool
}

// PoolStats is a snapshot of the pool's counters.
//
// Values may change immediately after Stats returns.
type PoolStats struct {
	// Active is the number of connections checked out by callers.
	Active int

	// Idle is the number of connections available for immediate use.
	Idle int

	// Waiters is the number of callers blocked waiting for a connection.
	Waiters int

	// Total is Active plus Idle.
	Total int

	MaxTotal int32
	MinIdle  int32
	MaxIdle  int32
}

var _ Pooler = (*Pool)(nil)

// New creates a pool from functional options on top of a small default
// policy. MaxIdle left at zero follows MaxTotal. Use NewWithConfig to pass
// a full Config such as the one returned by BuildPoolConfig.
func New(fn DialFunc, opts ...Opt) (*Pool, error) {
	config := Config{
		MaxTotal:           8,
		BlockWhenExhausted: true,
		MaxWait:            defaultMaxWait,
	}

	for _, opt := range opts {
		opt(&config)
	}

	if config.MaxIdle == 0 {
		config.MaxIdle = config.MaxTotal
	}

	return NewWithConfig(fn, config)
}

// NewWithConfig creates a pool and dials MinIdle connections up front.
// If any of them fails the pool is closed and the dial error returned.
func NewWithConfig(fn DialFunc, config Config) (*Pool, error) {
	if fn == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	pool := &Pool{
		fn:     fn,
		mu:     new(sync.Mutex),
		idle:   list.New(),
		conns:  make(map[net.Conn]*connEntry),
		config: config,
		log:    config.Logger,
		stop:   make(chan struct{}),
	}
	pool.cond = sync.NewCond(pool.mu)

	ctx := context.Background()
	for i := int32(0); i < config.MinIdle; i++ {
		conn, err := pool.createConnection(ctx)
		if err != nil {
			pool.Close()
			return nil, err
		}

		pool.mu.Lock()
		pool.register(conn, true)
		pool.mu.Unlock()
	}

	if config.MinIdle > 0 || config.MaxIdleTime > 0 {
		pool.startMaintainer()
	}

	return pool, nil
}

func (pool *Pool) createConnection(ctx context.Context) (net.Conn, error) {
	conn, err := pool.fn(ctx)
	if err != nil {
		return nil, err
	}

	for _, hook := range pool.config.DialHooks {
		if err = hook(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// register adds conn to the managed set. Callers must hold mu.
func (pool *Pool) register(conn net.Conn, idle bool) {
	entry := &connEntry{
		conn:     conn,
		lastUsed: time.Now(),
	}
	entry.returned.Store(idle)
	pool.conns[conn] = entry
	if idle {
		pool.idle.PushBack(entry)
	}
}

// discard closes conn and frees its slot. Callers must hold mu.
func (pool *Pool) discard(conn net.Conn) {
	_ = conn.Close()
	delete(pool.conns, conn)
	pool.cond.Signal()
}

// open is the number of managed connections plus dials in flight.
// Callers must hold mu.
func (pool *Pool) open() int {
	return len(pool.conns) + pool.dialing
}

func (pool *Pool) Get() (net.Conn, error) {
	return pool.GetWithContext(context.Background())
}

func (pool *Pool) GetWithContext(ctx context.Context) (net.Conn, error) {
	conn, err := pool.getWithContext(ctx)
	if err != nil {
		return nil, err
	}

	return newPooledConn(conn, pool), nil
}

func (pool *Pool) getWithContext(ctx context.Context) (net.Conn, error) {
	if pool.closed.Load() {
		return nil, ErrPoolClosed
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	var (
		waitCtx context.Context
		cancel  context.CancelFunc = func() {}
	)
	// waitCtx spans every wake-up of this call, so MaxWait bounds the
	// whole wait and not each round.
	defer func() { cancel() }()

	for {
		if pool.closed.Load() {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if front := pool.idle.Front(); front != nil {
			entry := pool.idle.Remove(front).(*connEntry)
			entry.returned.Store(false)
			entry.lastUsed = time.Now()
			if pool.config.TestOnBorrow && probeConn(entry.conn) != nil {
				pool.discard(entry.conn)
				continue
			}
			return entry.conn, nil
		}

		if pool.open() < int(pool.config.MaxTotal) {
			return pool.dialLocked(ctx)
		}

		if !pool.config.BlockWhenExhausted || pool.config.MaxWait <= 0 {
			return nil, ErrPoolExhausted
		}

		if waitCtx == nil {
			waitCtx, cancel = context.WithTimeout(ctx, pool.config.MaxWait)
		}

		pool.wait(waitCtx)

		if waitCtx.Err() != nil && !pool.closed.Load() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: no connection available within %s", ErrPoolExhausted, pool.config.MaxWait)
		}
	}
}

// dialLocked reserves a slot, dials without holding mu, and registers the
// result as checked out. Callers must hold mu; it is held again on return.
func (pool *Pool) dialLocked(ctx context.Context) (net.Conn, error) {
	pool.dialing++
	pool.mu.Unlock()

	conn, err := pool.createConnection(ctx)

	pool.mu.Lock()
	pool.dialing--

	if err != nil {
		pool.cond.Signal()
		return nil, err
	}
	if pool.closed.Load() {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}

	pool.register(conn, false)
	return conn, nil
}

// wait blocks on cond until woken or ctx is done. Callers must hold mu.
func (pool *Pool) wait(ctx context.Context) {
	pool.waiters++
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			pool.mu.Lock()
			pool.cond.Broadcast()
			pool.mu.Unlock()
		case <-done:
		}
	}()

	pool.cond.Wait()
	close(done)
	pool.waiters--
}

func (pool *Pool) Put(conn net.Conn, err error) {
	if conn == nil {
		return
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	entry, exists := pool.conns[conn]
	if !exists {
		_ = conn.Close()
		return
	}

	if !entry.returned.CompareAndSwap(false, true) {
		// Already idle. A late error still means the socket is bad.
		if err != nil {
			for e := pool.idle.Front(); e != nil; e = e.Next() {
				if e.Value.(*connEntry) == entry {
					pool.idle.Remove(e)
					break
				}
			}
			pool.discard(conn)
		}
		return
	}

	if pool.closed.Load() {
		_ = conn.Close()
		delete(pool.conns, conn)
		pool.cond.Broadcast()
		return
	}

	if err != nil || pool.idle.Len() >= int(pool.config.MaxIdle) {
		pool.discard(conn)
		return
	}

	entry.lastUsed = time.Now()
	pool.idle.PushBack(entry)
	pool.cond.Signal()
}

func (pool *Pool) Close() {
	if !pool.closed.CompareAndSwap(false, true) {
		return
	}

	close(pool.stop)

	pool.mu.Lock()
	defer pool.mu.Unlock()

	pool.idle.Init()
	for conn, entry := range pool.conns {
		_ = entry.conn.Close()
		delete(pool.conns, conn)
	}

	pool.cond.Broadcast()
}

func (pool *Pool) Stats() PoolStats {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	idle := pool.idle.Len()
	total := len(pool.conns)

	return PoolStats{
		Active:   total - idle,
		Idle:     idle,
		Waiters:  pool.waiters,
		Total:    total,
		MaxTotal: pool.config.MaxTotal,
		MinIdle:  pool.config.MinIdle,
		MaxIdle:  pool.config.MaxIdle,
	}
}

func (pool *Pool) Len() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.idle.Len()
}

// Config returns the policy the pool was built with.
func (pool *Pool) Config() Config {
	return pool.config
}
