package cachepool

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediocregopher/radix/v3/resp"
	"github.com/mediocregopher/radix/v3/resp/resp2"
)

func createTestServer(t testing.TB) (net.Listener, string) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	// Echo server: read and write back
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(buf[:n])
				}
			}(conn)
		}
	}()

	return listener, listener.Addr().String()
}

// respServer speaks just enough RESP to answer connection bootstrap
// commands and PING.
type respServer struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	commands [][]string
}

func newRESPServer(t testing.TB, password string) *respServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	return startRESPServer(t, listener, password)
}

func newTLSRESPServer(t testing.TB, cert tls.Certificate) *respServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	return startRESPServer(t, listener, "")
}

func startRESPServer(t testing.TB, listener net.Listener, password string) *respServer {
	s := &respServer{listener: listener, password: password}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return s
}

func (s *respServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *respServer) Port(t testing.TB) int {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatalf("bad listener address: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad listener port: %v", err)
	}
	return p
}

// Count returns how many times the server received command name.
func (s *respServer) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cmd := range s.commands {
		if strings.EqualFold(cmd[0], name) {
			n++
		}
	}
	return n
}

func (s *respServer) Commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.commands...)
}

func (s *respServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		args, err := readRESPCommand(r)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, args)
		s.mu.Unlock()

		var reply resp.Marshaler
		switch strings.ToUpper(args[0]) {
		case "AUTH":
			if len(args) == 2 && args[1] == s.password {
				reply = resp2.SimpleString{S: "OK"}
			} else {
				reply = resp2.Error{E: errors.New("WRONGPASS invalid username-password pair")}
			}
		case "CLIENT", "SELECT":
			reply = resp2.SimpleString{S: "OK"}
		case "PING":
			reply = resp2.SimpleString{S: "PONG"}
		default:
			reply = resp2.Error{E: errors.New("ERR unknown command")}
		}

		if err := reply.MarshalRESP(conn); err != nil {
			return
		}
	}
}

func readRESPCommand(r *bufio.Reader) ([]string, error) {
	var args []string
	if err := (resp2.Any{I: &args}).UnmarshalRESP(r); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}
