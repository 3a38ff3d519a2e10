// Package classify maps low-level network and TLS errors onto the small,
// stable set of tags the rest of the proxy acts on, replacing the
// scattered magic-substring checks spec.md §9 calls out as an
// anti-pattern. It is grounded on the shape of the teacher's Classifier
// interface (classifier.go), narrowed here from a general AND/OR/NOT
// predicate engine to a single pure function over net/TLS errors.
package classify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Tag is the outcome of classifying an error.
type Tag int

const (
	BenignDrop Tag = iota
	Report
	SSLVersionMismatch
	SSLUnknownCA
	Timeout
	Fatal
)

func (t Tag) String() string {
	switch t {
	case BenignDrop:
		return "benign-drop"
	case Report:
		return "report"
	case SSLVersionMismatch:
		return "ssl-version-mismatch"
	case SSLUnknownCA:
		return "ssl-unknown-ca"
	case Timeout:
		return "timeout"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify inspects err and returns the tag the rest of the proxy should
// act on. A nil err classifies as BenignDrop (nothing to report).
func Classify(err error) Tag {
	if err == nil {
		return BenignDrop
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return SSLVersionMismatch
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return SSLUnknownCA
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return SSLUnknownCA
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return SSLUnknownCA
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	if isBenignDrop(err) {
		return BenignDrop
	}

	if isFatalDial(err) {
		return Fatal
	}

	return Report
}

// isBenignDrop reports the connection-reset / broken-pipe / not-connected
// / EOF family that happens constantly under normal browser traffic (tab
// closed, request cancelled) and is not worth logging at Report level.
func isBenignDrop(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// isFatalDial reports dial-time failures severe enough that retrying the
// same upstream is pointless for this request: DNS resolution failure or
// connection refused.
func isFatalDial(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Hinter throttles the operator-facing SSL misdirection hint to at most
// once per minute, per spec.md §4.1's "surface it, but not constantly"
// requirement.
type Hinter struct {
	limiter *rate.Limiter
}

// NewHinter builds a Hinter allowing one hint per minute with a burst of 1.
func NewHinter() *Hinter {
	return &Hinter{limiter: rate.NewLimiter(rate.Every(time.Minute), 1)}
}

// Allow reports whether a hint may be emitted right now.
func (h *Hinter) Allow() bool {
	return h.limiter.Allow()
}
