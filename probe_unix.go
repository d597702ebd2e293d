//go:build linux || darwin

package cachepool

import (
	"crypto/tls"
	"io"
	"net"
	"syscall"
)

// probeConn peeks at the socket without blocking. io.EOF means the server
// closed the connection; nothing to read means it is still usable.
func probeConn(conn net.Conn) error {
	if pc, ok := conn.(*pooledConn); ok {
		conn = pc.conn
	}
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}

	var sysErr error
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	err = rc.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, err := syscall.Recvfrom(int(fd), buf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case n == 0 && err == nil:
			sysErr = io.EOF
		case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
			// no-op
		default:
			sysErr = err
		}
		return true
	})
	if err != nil {
		return err
	}

	return sysErr
}
