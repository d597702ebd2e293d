package cachepool

import (
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PoolConstructor builds the pool once the registry has resolved its
// dialer and policy. NewRegistry uses a constructor backed by
// NewWithConfig.
type PoolConstructor func(dialer *Dialer, config Config) (*Pool, error)

// Registry owns at most one Pool and builds it lazily on first use.
//
// The pool is published through an atomic pointer. The store happens
// after construction completes and inside mu, and every fast-path load is
// an acquire, so a goroutine that observes a non-nil pointer also observes
// the fully built pool behind it.
type Registry struct {
	settings atomic.Pointer[Settings]
	pool     atomic.Pointer[Pool]

	// mu serializes construction and settings updates. The fast path of
	// GetPoolInstance never takes it.
	mu sync.Mutex

	// config is the policy the published pool was built with. It is
	// stored before pool, so a non-nil pool implies a non-nil config.
	config atomic.Pointer[Config]

	construct PoolConstructor
	log       logrus.FieldLogger
}

// RegistryOpt customizes a Registry.
type RegistryOpt func(r *Registry)

// WithPoolConstructor replaces the pool constructor.
func WithPoolConstructor(fn PoolConstructor) RegistryOpt {
	return func(r *Registry) {
		r.construct = fn
	}
}

// WithRegistryLogger sets the logger used by the registry and its pool.
func WithRegistryLogger(l logrus.FieldLogger) RegistryOpt {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry returns an empty registry. The pool is built on the first
// GetPoolInstance after InitializeSettings.
func NewRegistry(opts ...RegistryOpt) *Registry {
	r := &Registry{
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.construct == nil {
		r.construct = func(dialer *Dialer, config Config) (*Pool, error) {
			return NewWithConfig(dialer.Dial, config)
		}
	}
	return r
}

// InitializeSettings records the connection parameters. It must be called
// before the first GetPoolInstance; calls made after the pool exists are
// ignored.
func (r *Registry) InitializeSettings(settings Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pool.Load() != nil {
		r.log.WithField("host", settings.Host).Warn("cache pool already built, ignoring new settings")
		return
	}
	r.settings.Store(&settings)
}

// GetPoolInstance returns the shared pool, building it on the first call.
// Concurrent first callers block until the single construction finishes
// and then all receive the same pool. A failed construction is not cached.
func (r *Registry) GetPoolInstance() (*Pool, error) {
	if pool := r.pool.Load(); pool != nil {
		return pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have finished while we waited for mu.
	if pool := r.pool.Load(); pool != nil {
		return pool, nil
	}

	settings := r.settings.Load()
	if settings == nil {
		return nil, ErrSettingsMissing
	}
	if settings.OperationTimeout <= 0 {
		return nil, fmt.Errorf("%w: operation timeout must be positive, got %s", ErrInvalidConfig, settings.OperationTimeout)
	}

	dialer, err := newDialer(*settings)
	if err != nil {
		return nil, err
	}

	// Built from the settings seen under mu, so a PoolConfig call made
	// before InitializeSettings cannot leak into the pool.
	policy := BuildPoolConfig(settings.OperationTimeout)
	config := policy
	config.DialHooks = bootstrapHooks(*settings)
	config.Logger = r.log

	pool, err := r.construct(dialer, config)
	if err != nil {
		return nil, fmt.Errorf("failed to build cache pool for %s: %w", dialer.Address, err)
	}

	r.config.Store(&policy)
	r.pool.Store(pool)

	r.log.WithFields(logrus.Fields{
		"host":      settings.Host,
		"port":      settings.Port,
		"tls":       dialer.Encrypted(),
		"max_total": config.MaxTotal,
		"min_idle":  config.MinIdle,
		"max_wait":  config.MaxWait,
	}).Info("cache pool initialized")

	return pool, nil
}

// PoolConfig returns the policy of the built pool. Before the pool exists
// it previews the policy the current settings would produce, without
// fixing it.
func (r *Registry) PoolConfig() Config {
	if config := r.config.Load(); config != nil {
		return *config
	}
	var timeout time.Duration
	if s := r.settings.Load(); s != nil {
		timeout = s.OperationTimeout
	}
	return BuildPoolConfig(timeout)
}

// Close closes the pool if it was built. The registry cannot build a new
// one afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool := r.pool.Load(); pool != nil {
		pool.Close()
	}
}

func newDialer(s Settings) (*Dialer, error) {
	dialer := &Dialer{
		Address:          s.Address(),
		ConnectTimeout:   s.ConnectTimeout,
		OperationTimeout: s.OperationTimeout,
	}

	if !EncryptedTransport(s.Port) {
		return dialer, nil
	}

	var roots *x509.CertPool
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA file %s", s.CAFile)
		}
	}

	verifier, err := NewPeerIdentityVerifier(s.Host, roots)
	if err != nil {
		return nil, err
	}
	dialer.TLSConfig = verifier.TLSConfig(s.Host)

	return dialer, nil
}

var defaultRegistry = NewRegistry()

// InitializeSettings records the settings of the process-wide pool. Call
// it exactly once during startup.
func InitializeSettings(settings Settings) {
	defaultRegistry.InitializeSettings(settings)
}

// GetPoolInstance returns the process-wide pool, building it on first use.
func GetPoolInstance() (*Pool, error) {
	return defaultRegistry.GetPoolInstance()
}

// GetPoolCurrentUsage describes the live counters of the process-wide pool.
func GetPoolCurrentUsage() (string, error) {
	return defaultRegistry.PoolCurrentUsage()
}
