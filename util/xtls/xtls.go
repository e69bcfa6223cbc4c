// Package xtls wraps net.Conn with TLS and classifies handshake failures
// into the compact error taxonomy spec §7 asks for, the Go-idiomatic
// stand-in for the manual memory-BIO/SSL loop spec §4.8 describes: Go's
// crypto/tls already adapts a plaintext net.Conn into an encrypted one
// without a callback-driven event loop, so the "wrapper adapts a
// plaintext stream into the same interface" requirement is met by
// crypto/tls.Conn itself rather than a hand-rolled BIO pump (see
// DESIGN.md for the redesign rationale spec §9 invites).
package xtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/rotisserie/eris"
)

// FailureKind is the compact classification spec §7 maps the OpenSSL
// X509_V_* table onto.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureHandshake         FailureKind = "handshake"
	FailureCAUnknown         FailureKind = "ca-unknown"
	FailureCertExpired       FailureKind = "cert-expired"
	FailureHostnameMismatch  FailureKind = "hostname-mismatch"
	FailureNoCertPresented   FailureKind = "no-certificate-presented"
	FailureOther             FailureKind = "other"
)

// HandshakeError wraps a failed TLS handshake with its classified Kind,
// per spec §7's "Crypto / TLS — sub-classified into handshake,
// certificate-authority-unknown, certificate-expired, hostname-mismatch,
// no-certificate-presented, etc." taxonomy.
type HandshakeError struct {
	Kind FailureKind
	Err  error
}

func (e *HandshakeError) Error() string {
	return "xtls: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Classify maps a TLS handshake error to the compact FailureKind taxonomy,
// walking the same certificate-validation failure modes the OpenSSL
// X509_V_* table enumerates.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	switch {
	case errors.As(err, &unknownAuthority):
		return FailureCAUnknown
	case errors.As(err, &hostnameErr):
		return FailureHostnameMismatch
	case errors.As(err, &certInvalid):
		if certInvalid.Reason == x509.Expired {
			return FailureCertExpired
		}
		return FailureHandshake
	case errors.Is(err, tls.ErrNoCertificate):
		return FailureNoCertPresented
	default:
		return FailureOther
	}
}

// Server wraps conn as a TLS server using cfg, performing the handshake
// eagerly (rather than lazily on first Read/Write) so a misconfigured
// certificate or a client that never completes the handshake fails loudly
// at accept time instead of surfacing later as a generic read error.
func Server(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tconn := tls.Server(conn, cfg)
	if err := tconn.Handshake(); err != nil {
		return nil, &HandshakeError{Kind: Classify(err), Err: eris.Wrap(err, "xtls: server handshake")}
	}
	return tconn, nil
}

// Client wraps conn as a TLS client using cfg, performing the handshake
// eagerly for the same reason Server does.
func Client(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tconn := tls.Client(conn, cfg)
	if err := tconn.Handshake(); err != nil {
		return nil, &HandshakeError{Kind: Classify(err), Err: eris.Wrap(err, "xtls: client handshake")}
	}
	return tconn, nil
}
