package cachepool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyPool builds a pool that never dials.
func emptyPool(t testing.TB) *Pool {
	pool, err := New(func(context.Context) (net.Conn, error) {
		return nil, errors.New("not dialed in this test")
	}, WithMaxTotal(1))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type constructCall struct {
	dialer *Dialer
	config Config
}

// countingConstructor records every construction and returns one empty
// pool per call.
type countingConstructor struct {
	t     testing.TB
	delay time.Duration
	fail  error

	calls atomic.Int32
	mu    sync.Mutex
	seen  []constructCall
}

func (c *countingConstructor) construct(dialer *Dialer, config Config) (*Pool, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)

	c.mu.Lock()
	c.seen = append(c.seen, constructCall{dialer: dialer, config: config})
	c.mu.Unlock()

	if c.fail != nil {
		err := c.fail
		c.fail = nil
		return nil, err
	}
	return emptyPool(c.t), nil
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func getConcurrently(t *testing.T, r *Registry, n int) []*Pool {
	t.Helper()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		pools = make([]*Pool, n)
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			pools[i], errs[i] = r.GetPoolInstance()
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return pools
}

func TestGetPoolInstanceWithoutSettings(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(quietLogger()))

	pool, err := r.GetPoolInstance()
	require.ErrorIs(t, err, ErrSettingsMissing)
	assert.Nil(t, pool)

	_, err = r.PoolCurrentUsage()
	assert.ErrorIs(t, err, ErrSettingsMissing)
}

func TestGetPoolInstanceConstructsOnce(t *testing.T) {
	for _, n := range []int{1, 2, 50} {
		ctor := &countingConstructor{t: t, delay: 10 * time.Millisecond}
		r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))
		r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: time.Second})

		pools := getConcurrently(t, r, n)

		assert.EqualValues(t, 1, ctor.calls.Load(), "construction ran more than once for n=%d", n)
		for _, p := range pools {
			assert.Same(t, pools[0], p)
		}

		again, err := r.GetPoolInstance()
		require.NoError(t, err)
		assert.Same(t, pools[0], again)
	}
}

func TestGetPoolInstanceEncryptedScenario(t *testing.T) {
	ctor := &countingConstructor{t: t}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))
	r.InitializeSettings(Settings{
		Host:             "cache.example.com",
		Port:             6380,
		Password:         "secret",
		ConnectTimeout:   5000 * time.Millisecond,
		OperationTimeout: 3000 * time.Millisecond,
	})

	getConcurrently(t, r, 50)

	require.EqualValues(t, 1, ctor.calls.Load())
	call := ctor.seen[0]

	assert.True(t, call.dialer.Encrypted())
	assert.Equal(t, "cache.example.com:6380", call.dialer.Address)
	assert.Equal(t, "cache.example.com", call.dialer.TLSConfig.ServerName)
	assert.NotNil(t, call.dialer.TLSConfig.VerifyConnection)
	assert.Equal(t, 5*time.Second, call.dialer.ConnectTimeout)

	assert.Equal(t, 3*time.Second, call.config.MaxWait)
	assert.True(t, call.config.BlockWhenExhausted)
	assert.Len(t, call.config.DialHooks, 1)
}

func TestTransportSelection(t *testing.T) {
	tests := []struct {
		port      int
		encrypted bool
	}{
		{port: 6380, encrypted: true},
		{port: 6379, encrypted: false},
		{port: 16379, encrypted: false},
	}

	for _, tt := range tests {
		dialer, err := newDialer(Settings{Host: "cache.example.com", Port: tt.port})
		require.NoError(t, err)
		assert.Equal(t, tt.encrypted, dialer.Encrypted(), "port %d", tt.port)
	}
}

func TestBareHostRejectedOnlyForTLS(t *testing.T) {
	_, err := newDialer(Settings{Host: "localhost", Port: EncryptedPort})
	require.ErrorIs(t, err, ErrInvalidHost)

	dialer, err := newDialer(Settings{Host: "localhost", Port: PlaintextPort})
	require.NoError(t, err)
	assert.False(t, dialer.Encrypted())

	r := NewRegistry(WithRegistryLogger(quietLogger()))
	r.InitializeSettings(Settings{Host: "localhost", Port: EncryptedPort, OperationTimeout: time.Second})
	_, err = r.GetPoolInstance()
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestFailedConstructionIsRetried(t *testing.T) {
	dialErr := errors.New("connection refused")
	ctor := &countingConstructor{t: t, fail: dialErr}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))
	r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: time.Second})

	_, err := r.GetPoolInstance()
	require.ErrorIs(t, err, dialErr)

	pool, err := r.GetPoolInstance()
	require.NoError(t, err)
	assert.NotNil(t, pool)
	assert.EqualValues(t, 2, ctor.calls.Load())
}

func TestInitializeSettingsIgnoredAfterBuild(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctor := &countingConstructor{t: t}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(logger))

	r.InitializeSettings(Settings{Host: "first.example.com", Port: PlaintextPort, OperationTimeout: time.Second})
	_, err := r.GetPoolInstance()
	require.NoError(t, err)

	r.InitializeSettings(Settings{Host: "second.example.com", Port: PlaintextPort, OperationTimeout: time.Second})

	assert.Equal(t, "first.example.com", r.settings.Load().Host)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestPoolConfigIsStable(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(quietLogger()))
	r.InitializeSettings(Settings{Host: "cache.example.com", Port: PlaintextPort, OperationTimeout: time.Second})

	first := r.PoolConfig()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.PoolConfig())
	}
	assert.Equal(t, BuildPoolConfig(time.Second), first)
}

func TestPoolConfigReadBeforeSettingsDoesNotStick(t *testing.T) {
	ctor := &countingConstructor{t: t}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))

	assert.Zero(t, r.PoolConfig().MaxWait)

	r.InitializeSettings(Settings{Host: "cache.example.com", Port: PlaintextPort, OperationTimeout: 3 * time.Second})
	assert.Equal(t, 3*time.Second, r.PoolConfig().MaxWait)

	_, err := r.GetPoolInstance()
	require.NoError(t, err)

	require.EqualValues(t, 1, ctor.calls.Load())
	assert.Equal(t, 3*time.Second, ctor.seen[0].config.MaxWait)
	assert.Equal(t, BuildPoolConfig(3*time.Second), r.PoolConfig())
}

func TestSettingsReplacedAfterFailedConstruction(t *testing.T) {
	dialErr := errors.New("connection refused")
	ctor := &countingConstructor{t: t, fail: dialErr}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))

	r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: time.Second})
	_, err := r.GetPoolInstance()
	require.ErrorIs(t, err, dialErr)

	r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: 4 * time.Second})
	_, err = r.GetPoolInstance()
	require.NoError(t, err)

	require.Len(t, ctor.seen, 2)
	assert.Equal(t, time.Second, ctor.seen[0].config.MaxWait)
	assert.Equal(t, 4*time.Second, ctor.seen[1].config.MaxWait)
	assert.Equal(t, 4*time.Second, r.PoolConfig().MaxWait)

	r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: 9 * time.Second})
	assert.Equal(t, 4*time.Second, r.PoolConfig().MaxWait)
}

func TestNonPositiveOperationTimeoutRejected(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		ctor := &countingConstructor{t: t}
		r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))
		r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: timeout})

		_, err := r.GetPoolInstance()
		assert.ErrorIs(t, err, ErrInvalidConfig, "timeout %s", timeout)
		assert.Zero(t, ctor.calls.Load())
	}
}

func TestRegistryLogsConstruction(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctor := &countingConstructor{t: t}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(logger))
	r.InitializeSettings(Settings{Host: "cache.example.com", Port: EncryptedPort, OperationTimeout: time.Second})

	_, err := r.GetPoolInstance()
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "cache pool initialized", entry.Message)
	assert.Equal(t, true, entry.Data["tls"])
	assert.Equal(t, "cache.example.com", entry.Data["host"])
}

func TestRegistryClose(t *testing.T) {
	ctor := &countingConstructor{t: t}
	r := NewRegistry(WithPoolConstructor(ctor.construct), WithRegistryLogger(quietLogger()))
	r.InitializeSettings(Settings{Host: "127.0.0.1", Port: PlaintextPort, OperationTimeout: time.Second})

	pool, err := r.GetPoolInstance()
	require.NoError(t, err)

	r.Close()

	_, err = pool.Get()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
