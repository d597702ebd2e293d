package cachepool

import (
	"net"
	"sync/atomic"
	"time"
)

// pooledConn is the caller's handle on one checkout. A fresh handle is
// allocated per Get, so a late Close on an old handle can never release a
// connection that has since been lent to someone else.
type pooledConn struct {
	// conn and pool are fixed for the life of the handle.
	conn net.Conn
	pool *Pool

	// released flips once, on Close or MarkUnusable.
	released atomic.Bool

	// brokenBy is the first I/O error seen during the checkout.
	brokenBy atomic.Pointer[error]
}

func newPooledConn(c net.Conn, p *Pool) *pooledConn {
	return &pooledConn{conn: c, pool: p}
}

func (pc *pooledConn) checkedOut() (net.Conn, error) {
	if pc.released.Load() {
		return nil, ErrConnReturned
	}
	return pc.conn, nil
}

func (pc *pooledConn) noteErr(err error) {
	if err != nil {
		pc.brokenBy.CompareAndSwap(nil, &err)
	}
}

// Close hands the connection back to the pool. A connection that saw an
// I/O error is dropped instead. Only the first call has an effect.
func (pc *pooledConn) Close() error {
	if !pc.released.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if broken := pc.brokenBy.Load(); broken != nil {
		err = *broken
	} else {
		// Deadlines set by this borrower must not leak to the next one.
		_ = pc.conn.SetDeadline(time.Time{})
	}

	pc.pool.Put(pc.conn, err)
	return nil
}

// MarkUnusable drops the connection and frees its pool slot.
func (pc *pooledConn) MarkUnusable() error {
	if !pc.released.CompareAndSwap(false, true) {
		return nil
	}
	pc.pool.Put(pc.conn, ErrInvalidConn)
	return nil
}

func (pc *pooledConn) Read(b []byte) (int, error) {
	conn, err := pc.checkedOut()
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(b)
	pc.noteErr(err)
	return n, err
}

func (pc *pooledConn) Write(b []byte) (int, error) {
	conn, err := pc.checkedOut()
	if err != nil {
		return 0, err
	}
	n, err := conn.Write(b)
	pc.noteErr(err)
	return n, err
}

func (pc *pooledConn) SetDeadline(t time.Time) error {
	conn, err := pc.checkedOut()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

func (pc *pooledConn) SetReadDeadline(t time.Time) error {
	conn, err := pc.checkedOut()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

func (pc *pooledConn) SetWriteDeadline(t time.Time) error {
	conn, err := pc.checkedOut()
	if err != nil {
		return err
	}
	return conn.SetWriteDeadline(t)
}

func (pc *pooledConn) LocalAddr() net.Addr {
	if conn, err := pc.checkedOut(); err == nil {
		return conn.LocalAddr()
	}
	return nil
}

func (pc *pooledConn) RemoteAddr() net.Addr {
	if conn, err := pc.checkedOut(); err == nil {
		return conn.RemoteAddr()
	}
	return nil
}
