// Package apierr classifies the failures the session can run into so
// that callers decide between retrying, reauthenticating, backing off
// or surfacing the error.
package apierr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind is the recovery class of an error.
type Kind int

const (
	// Unknown is an unclassified failure.
	Unknown Kind = iota
	// AuthInvalid means the credential was rejected; a human has to act.
	AuthInvalid
	// AuthRateLimited means the auth service refused for now; wait long.
	AuthRateLimited
	// TransportTransient covers network failures and 5xx responses.
	TransportTransient
	// DecodeError is a per-frame or per-trait decode failure.
	DecodeError
	// StreamInternalError is stream status 13.
	StreamInternalError
	// StreamAuthExpired is stream status 7.
	StreamAuthExpired
	// DeviceDerivationError is a per-device model build failure.
	DeviceDerivationError
)

func (k Kind) String() string {
	switch k {
	case AuthInvalid:
		return "auth_invalid"
	case AuthRateLimited:
		return "auth_rate_limited"
	case TransportTransient:
		return "transport_transient"
	case DecodeError:
		return "decode_error"
	case StreamInternalError:
		return "stream_internal_error"
	case StreamAuthExpired:
		return "stream_auth_expired"
	case DeviceDerivationError:
		return "device_derivation_error"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or Unknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// IsTerminal reports whether err must be surfaced instead of retried.
func IsTerminal(err error) bool {
	k := KindOf(err)
	return k == AuthInvalid || k == AuthRateLimited
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(op string, status int) *Error {
	e := &Error{Op: op, Status: status, Err: errors.New(http.StatusText(status))}
	switch {
	case status == http.StatusBadRequest:
		e.Kind = AuthInvalid
	case status == http.StatusTooManyRequests:
		e.Kind = AuthRateLimited
	case status >= 500:
		e.Kind = TransportTransient
	default:
		e.Kind = Unknown
	}
	return e
}

// FromTransport classifies an error returned by an HTTP client before
// any response was read.
func FromTransport(op string, err error) *Error {
	if IsTransient(err) {
		return &Error{Kind: TransportTransient, Op: op, Err: err}
	}
	return &Error{Kind: Unknown, Op: op, Err: err}
}

// IsTransient reports whether err is a network-level failure worth
// retrying: connection refused, unreachable network, DNS failure, TLS
// verification failure or timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, TransportTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
