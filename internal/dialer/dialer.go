// Package dialer resolves the net.Conn used to reach a target authority,
// either directly or through an upstream forward proxy. It is grounded
// on the teacher's createForwardTCPClient/dialSocks5/dialHttpProxy
// (msgtausch-srv/proxy/client.go), narrowed from a classifier-selected
// forward list to the single upstream resolved once at startup.
package dialer

import (
	"context"
	"net"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
)

// Usage distinguishes how the resulting connection will be used. Only
// the HTTP/HTTPS upstream dialer acts on it: for ForwardHTTP it returns
// the raw upstream connection without a CONNECT handshake.
type Usage int

const (
	ConnectTunnel Usage = iota
	ForwardHTTP
	ForwardHTTPS
)

// Dialer resolves a net.Conn to addr ("host:port") according to the
// configured upstream.
type Dialer interface {
	Dial(ctx context.Context, usage Usage, addr string) (net.Conn, error)
}

// New builds the Dialer implementation matching cfg.Upstream.Kind.
func New(cfg *config.ServerConfig) Dialer {
	switch cfg.Upstream.Kind {
	case config.HTTPProxy, config.HTTPSProxy:
		return &httpProxyDialer{upstream: cfg.Upstream, dialTimeout: cfg.DialTimeout}
	case config.SOCKS5Proxy:
		return &socks5Dialer{upstream: cfg.Upstream, dialTimeout: cfg.DialTimeout}
	case config.SOCKS4Proxy:
		return &socks4Dialer{upstream: cfg.Upstream, dialTimeout: cfg.DialTimeout}
	default:
		return &directDialer{dialTimeout: cfg.DialTimeout}
	}
}

// directDialer dials addr directly with no upstream proxy.
type directDialer struct {
	dialTimeout time.Duration
}

func (d *directDialer) Dial(ctx context.Context, _ Usage, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.dialTimeout}
	return nd.DialContext(ctx, "tcp", addr)
}
