package cachepool

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mediocregopher/radix/v3/resp/resp2"
)

// Dialer opens plaintext or TLS connections to one cache endpoint.
type Dialer struct {
	Address          string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// TLSConfig enables the encrypted transport when non-nil.
	TLSConfig *tls.Config
}

// Dial connects and, for TLS, completes the handshake within
// ConnectTimeout.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}

	if d.TLSConfig == nil {
		return conn, nil
	}

	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	tc := tls.Client(conn, d.TLSConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", d.Address, err)
	}
	return tc, nil
}

// Encrypted reports whether the dialer uses TLS.
func (d *Dialer) Encrypted() bool {
	return d.TLSConfig != nil
}

// AuthHook authenticates a new connection with AUTH.
func AuthHook(password string, timeout time.Duration) DialHook {
	return func(c net.Conn) error {
		return roundTrip(c, timeout, "AUTH", password)
	}
}

// ClientNameHook names a new connection with CLIENT SETNAME.
func ClientNameHook(name string, timeout time.Duration) DialHook {
	return func(c net.Conn) error {
		return roundTrip(c, timeout, "CLIENT", "SETNAME", name)
	}
}

// SelectHook switches a new connection to database db.
func SelectHook(db int, timeout time.Duration) DialHook {
	return func(c net.Conn) error {
		return roundTrip(c, timeout, "SELECT", strconv.Itoa(db))
	}
}

// bootstrapHooks returns the hooks every connection built from settings
// runs, in order.
func bootstrapHooks(s Settings) []DialHook {
	var hooks []DialHook
	if s.Password != "" {
		hooks = append(hooks, AuthHook(s.Password, s.OperationTimeout))
	}
	if s.ClientName != "" {
		hooks = append(hooks, ClientNameHook(s.ClientName, s.OperationTimeout))
	}
	if s.Database != 0 {
		hooks = append(hooks, SelectHook(s.Database, s.OperationTimeout))
	}
	return hooks
}

// roundTrip sends one command as an array of bulk strings and consumes
// a single reply. An error reply is returned as ErrServerReply.
func roundTrip(c net.Conn, timeout time.Duration, args ...string) error {
	if timeout > 0 {
		if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer c.SetDeadline(time.Time{})
	}

	w := bufio.NewWriter(c)
	if err := (resp2.ArrayHeader{N: len(args)}).MarshalRESP(w); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	for _, arg := range args {
		if err := (resp2.BulkString{S: arg}).MarshalRESP(w); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	err := resp2.Any{}.UnmarshalRESP(bufio.NewReader(c))

	var reply resp2.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%w: %s: %v", ErrServerReply, args[0], reply.E)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
