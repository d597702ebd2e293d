package cachepool

import "errors"

var (
	// ErrPoolClosed is returned when attempting to use a closed pool
	ErrPoolClosed = errors.New("cachepool: pool is closed")

	// ErrPoolExhausted is returned when no connection became available
	// within the configured wait time, or immediately when blocking is off
	ErrPoolExhausted = errors.New("cachepool: pool exhausted")

	// ErrInvalidConn is returned when a connection is marked unusable
	ErrInvalidConn = errors.New("cachepool: invalid connection")

	// ErrInvalidConfig is returned when pool configuration is invalid
	ErrInvalidConfig = errors.New("cachepool: invalid configuration")

	// ErrConnReturned is returned when connection already returned
	ErrConnReturned = errors.New("cachepool: connection already returned")

	// ErrSettingsMissing is returned when the pool is requested before
	// InitializeSettings was called
	ErrSettingsMissing = errors.New("cachepool: connection settings not initialized")

	// ErrInvalidHost is returned when no wildcard identity can be derived
	// from the configured host
	ErrInvalidHost = errors.New("cachepool: host has no domain part")

	// ErrPeerIdentityMismatch is returned by the TLS handshake when the
	// server certificate names neither the host nor its wildcard
	ErrPeerIdentityMismatch = errors.New("cachepool: peer identity mismatch")

	// ErrServerReply is returned when the server answers a bootstrap
	// command with an error reply
	ErrServerReply = errors.New("cachepool: server error reply")
)
