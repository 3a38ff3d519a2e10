package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/proxyerr"
	"golang.org/x/net/proxy"
)

// socks5Dialer reaches the target through a SOCKS5 upstream using
// golang.org/x/net/proxy, the same package the teacher uses in
// dialSocks5.
type socks5Dialer struct {
	upstream    config.Upstream
	dialTimeout time.Duration
}

func (d *socks5Dialer) Dial(ctx context.Context, _ Usage, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.upstream.User != "" {
		auth = &proxy.Auth{User: d.upstream.User, Password: d.upstream.Pass}
	}

	proxyAddr := net.JoinHostPort(d.upstream.Host, d.upstream.Port)
	contextDialer := &net.Dialer{Timeout: d.dialTimeout}

	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, contextDialer)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS5DialerFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", proxyAddr, err))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		type ctxDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}
		var conn net.Conn
		var err error
		if cd, ok := socksDialer.(ctxDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = socksDialer.Dial("tcp", addr)
		}
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodeSOCKS5ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via %s: %w", addr, proxyAddr, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS5ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via %s: %w", addr, proxyAddr, ctx.Err()))
	}
}
