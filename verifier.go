package cachepool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// PeerIdentityVerifier accepts a TLS peer whose certificate subject is
// either "CN=<host>" or the single-level wildcard "CN=*.<domain>" of the
// configured host. Matching ignores case.
type PeerIdentityVerifier struct {
	exact    string
	wildcard string

	// roots validates the certificate chain. Nil uses the system pool.
	roots *x509.CertPool
}

// NewPeerIdentityVerifier binds a verifier to host. A host without a
// domain part has no wildcard form and returns ErrInvalidHost.
func NewPeerIdentityVerifier(host string, roots *x509.CertPool) (*PeerIdentityVerifier, error) {
	dot := strings.IndexByte(host, '.')
	if dot < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}

	return &PeerIdentityVerifier{
		exact:    "CN=" + host,
		wildcard: "CN=*" + host[dot:],
		roots:    roots,
	}, nil
}

// Verify reports whether the peer of state presents an acceptable
// identity. presentedName is the name the client dialed; it is not used
// for matching. A handshake without a peer certificate is rejected.
func (v *PeerIdentityVerifier) Verify(presentedName string, state tls.ConnectionState) bool {
	if len(state.PeerCertificates) == 0 {
		return false
	}
	return v.matches(state.PeerCertificates[0].Subject.String())
}

func (v *PeerIdentityVerifier) matches(principal string) bool {
	return strings.EqualFold(principal, v.wildcard) || strings.EqualFold(principal, v.exact)
}

// VerifyConnection is installed as tls.Config.VerifyConnection. It checks
// the chain against the verifier's roots and then the peer identity, in
// place of the standard hostname check.
func (v *PeerIdentityVerifier) VerifyConnection(state tls.ConnectionState) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no peer certificate", ErrPeerIdentityMismatch)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := state.PeerCertificates[0].Verify(opts); err != nil {
		return err
	}

	if !v.Verify(state.ServerName, state) {
		return fmt.Errorf("%w: got %q, want %q or %q",
			ErrPeerIdentityMismatch, state.PeerCertificates[0].Subject.String(), v.exact, v.wildcard)
	}
	return nil
}

// TLSConfig returns a client config that delegates server identity checks
// to the verifier.
func (v *PeerIdentityVerifier) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		// Chain and identity are checked in VerifyConnection.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection:   v.VerifyConnection,
	}
}
