package cachepool

import "fmt"

// FormatUsage renders a snapshot in the one-line diagnostic format.
func FormatUsage(stats PoolStats) string {
	return fmt.Sprintf(
		"JedisPool: Active=%d, Idle=%d, Waiters=%d, total=%d, maxTotal=%d, minIdle=%d, maxIdle=%d",
		stats.Active,
		stats.Idle,
		stats.Waiters,
		stats.Active+stats.Idle,
		stats.MaxTotal,
		stats.MinIdle,
		stats.MaxIdle,
	)
}

// PoolCurrentUsage reads the live counters of the pool, building it first
// if needed.
func (r *Registry) PoolCurrentUsage() (string, error) {
	pool, err := r.GetPoolInstance()
	if err != nil {
		return "", err
	}

	stats := pool.Stats()
	config := r.PoolConfig()
	stats.MaxTotal = config.MaxTotal
	stats.MinIdle = config.MinIdle
	stats.MaxIdle = config.MaxIdle

	return FormatUsage(stats), nil
}
