package cachepool

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxTotal           = 200
	defaultMaxIdle            = 200
	defaultMinIdle            = 50
	defaultMaxIdleTime        = 60 * time.Second
	defaultMaintainerInterval = 30 * time.Second
	minMaintainerInterval     = 100 * time.Millisecond

	// defaultMaxWait applies to pools built with New.
	defaultMaxWait = 5 * time.Second
)

// DialHook runs against every freshly dialed connection before the pool
// hands it out. A non-nil error closes the connection and fails the dial.
type DialHook func(c net.Conn) error

// Config holds the capacity and backpressure policy of a Pool.
type Config struct {
	// MaxTotal is the ceiling on connections the pool manages,
	// checked-out and idle together.
	MaxTotal int32

	// MaxIdle is the most idle connections kept between bursts. Returned
	// connections above it are closed.
	MaxIdle int32

	// MinIdle is the number of idle connections the maintainer keeps warm.
	MinIdle int32

	// BlockWhenExhausted makes Get wait for a free connection instead of
	// failing with ErrPoolExhausted.
	BlockWhenExhausted bool

	// MaxWait bounds how long a blocked Get waits. Zero does not wait at
	// all: an exhausted pool fails with ErrPoolExhausted at once.
	MaxWait time.Duration

	// MaxIdleTime evicts idle connections above MinIdle after this long.
	// Zero disables eviction.
	MaxIdleTime time.Duration

	// MaintainerInterval is the period of the eviction and refill run.
	MaintainerInterval time.Duration

	// TestOnBorrow probes idle connections before handing them out.
	TestOnBorrow bool

	DialHooks []DialHook

	Logger logrus.FieldLogger
}

// BuildPoolConfig returns the fixed cache pool policy. Blocked callers wait
// at most operationTimeout for a connection.
func BuildPoolConfig(operationTimeout time.Duration) Config {
	return Config{
		MaxTotal:           defaultMaxTotal,
		MaxIdle:            defaultMaxIdle,
		MinIdle:            defaultMinIdle,
		BlockWhenExhausted: true,
		MaxWait:            operationTimeout,
		MaxIdleTime:        defaultMaxIdleTime,
		MaintainerInterval: defaultMaintainerInterval,
	}
}

func (c Config) validate() error {
	if c.MaxTotal <= 0 || c.MinIdle < 0 {
		return ErrInvalidConfig
	}
	if c.MinIdle > c.MaxIdle || c.MaxIdle > c.MaxTotal {
		return ErrInvalidConfig
	}
	if c.MaxWait < 0 {
		return ErrInvalidConfig
	}
	return nil
}

type Opt func(c *Config)

func WithMaxTotal(max int32) Opt {
	return func(c *Config) {
		c.MaxTotal = max
	}
}

func WithMaxIdle(max int32) Opt {
	return func(c *Config) {
		c.MaxIdle = max
	}
}

func WithMinIdle(min int32) Opt {
	return func(c *Config) {
		c.MinIdle = min
	}
}

func WithBlockWhenExhausted(block bool) Opt {
	return func(c *Config) {
		c.BlockWhenExhausted = block
	}
}

func WithMaxWait(d time.Duration) Opt {
	return func(c *Config) {
		c.MaxWait = d
	}
}

func WithMaxIdleTime(d time.Duration) Opt {
	return func(c *Config) {
		c.MaxIdleTime = d
	}
}

func WithMaintainerInterval(d time.Duration) Opt {
	return func(c *Config) {
		c.MaintainerInterval = d
	}
}

func WithTestOnBorrow(test bool) Opt {
	return func(c *Config) {
		c.TestOnBorrow = test
	}
}

func WithDialHooks(hooks ...DialHook) Opt {
	return func(c *Config) {
		c.DialHooks = append(c.DialHooks, hooks...)
	}
}

func WithLogger(l logrus.FieldLogger) Opt {
	return func(c *Config) {
		c.Logger = l
	}
}
