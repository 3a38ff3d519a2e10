package classify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, BenignDrop, Classify(nil))
}

func TestClassifySSLVersionMismatch(t *testing.T) {
	assert.Equal(t, SSLVersionMismatch, Classify(tls.RecordHeaderError{Msg: "bad record"}))
}

func TestClassifySSLUnknownCA(t *testing.T) {
	assert.Equal(t, SSLUnknownCA, Classify(x509.UnknownAuthorityError{}))
	assert.Equal(t, SSLUnknownCA, Classify(x509.HostnameError{Host: "example.test"}))
}

func TestClassifyTimeout(t *testing.T) {
	assert.Equal(t, Timeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, Timeout, Classify(&net.DNSError{IsTimeout: true}))
}

func TestClassifyBenignDrop(t *testing.T) {
	assert.Equal(t, BenignDrop, Classify(io.EOF))
	assert.Equal(t, BenignDrop, Classify(net.ErrClosed))
	assert.Equal(t, BenignDrop, Classify(errors.New("read: connection reset by peer")))
}

func TestClassifyFatalDial(t *testing.T) {
	assert.Equal(t, Fatal, Classify(&net.DNSError{Err: "no such host", Name: "nowhere.invalid"}))
}

func TestClassifyReportFallback(t *testing.T) {
	assert.Equal(t, Report, Classify(errors.New("something unexpected")))
}

func TestHinterAllowsOncePerWindow(t *testing.T) {
	h := NewHinter()
	assert.True(t, h.Allow())
	assert.False(t, h.Allow())
}

func TestMatchesIdlePattern(t *testing.T) {
	assert.True(t, MatchesIdlePattern("chat.example.test"))
	assert.True(t, MatchesIdlePattern("WS.EXAMPLE.TEST"))
	assert.False(t, MatchesIdlePattern("api.example.test"))
}
