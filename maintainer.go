package cachepool

import (
	"container/list"
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

func (pool *Pool) startMaintainer() {
	go func() {
		ticker := time.NewTicker(pool.maintainerInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pool.evictIdle()
				pool.ensureMinIdle()
			case <-pool.stop:
				return
			}
		}
	}()
}

// maintainerInterval is MaintainerInterval when set. Otherwise the run is
// paced at half of MaxIdleTime, so an expired connection never sits idle
// more than 1.5x MaxIdleTime, capped at the default period.
func (pool *Pool) maintainerInterval() time.Duration {
	if pool.config.MaintainerInterval > 0 {
		return pool.config.MaintainerInterval
	}

	idleFor := pool.config.MaxIdleTime
	if idleFor <= 0 || idleFor/2 >= defaultMaintainerInterval {
		return defaultMaintainerInterval
	}
	return max(idleFor/2, minMaintainerInterval)
}

// evictIdle drops idle connections that outlived MaxIdleTime, never going
// below MinIdle, and any idle connection whose peer has gone away.
func (pool *Pool) evictIdle() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.closed.Load() {
		return
	}

	now := time.Now()
	var toRemove []*list.Element

	for e := pool.idle.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*connEntry)

		expired := pool.config.MaxIdleTime > 0 && now.Sub(entry.lastUsed) > pool.config.MaxIdleTime
		if expired && pool.idle.Len()-len(toRemove) > int(pool.config.MinIdle) {
			toRemove = append(toRemove, e)
			continue
		}

		if err := probeConn(entry.conn); err != nil {
			pool.log.WithError(err).WithField("remote", entry.conn.RemoteAddr()).Debug("dropping dead idle connection")
			toRemove = append(toRemove, e)
		}
	}

	for _, e := range toRemove {
		entry := e.Value.(*connEntry)
		pool.idle.Remove(e)
		_ = entry.conn.Close()
		delete(pool.conns, entry.conn)
	}

	if len(toRemove) > 0 {
		pool.cond.Broadcast()
	}
}

// ensureMinIdle tops the idle list up to MinIdle, bounded by MaxTotal.
// Dials run without holding mu.
func (pool *Pool) ensureMinIdle() {
	pool.mu.Lock()
	if pool.closed.Load() {
		pool.mu.Unlock()
		return
	}

	needed := int(pool.config.MinIdle) - pool.idle.Len()
	if remaining := int(pool.config.MaxTotal) - pool.open(); needed > remaining {
		needed = remaining
	}
	if needed <= 0 {
		pool.mu.Unlock()
		return
	}
	pool.dialing += needed
	pool.mu.Unlock()

	dialed := make([]net.Conn, 0, needed)
	var lastErr error
	for i := 0; i < needed; i++ {
		conn, err := pool.createConnection(context.Background())
		if err != nil {
			lastErr = err
			continue
		}
		dialed = append(dialed, conn)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	pool.dialing -= needed

	if lastErr != nil {
		pool.log.WithError(lastErr).WithFields(logrus.Fields{
			"wanted": needed,
			"dialed": len(dialed),
		}).Debug("could not refill idle connections")
	}

	for _, conn := range dialed {
		if pool.closed.Load() {
			_ = conn.Close()
			continue
		}
		pool.register(conn, true)
	}

	pool.cond.Broadcast()
}
