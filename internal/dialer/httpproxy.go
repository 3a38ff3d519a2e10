package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/proxyerr"
)

// httpProxyDialer reaches the target by issuing CONNECT to an upstream
// HTTP or HTTPS proxy, grounded on the teacher's dialHttpProxy.
type httpProxyDialer struct {
	upstream    config.Upstream
	dialTimeout time.Duration
}

func (d *httpProxyDialer) Dial(ctx context.Context, usage Usage, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(d.upstream.Host, d.upstream.Port)
	nd := &net.Dialer{Timeout: d.dialTimeout}

	var proxyConn net.Conn
	var err error
	if d.upstream.Kind == config.HTTPSProxy {
		proxyConn, err = tls.DialWithDialer(nd, "tcp", proxyAddr, &tls.Config{})
	} else {
		proxyConn, err = nd.DialContext(ctx, "tcp", proxyAddr)
	}
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeHTTPProxyDialFailed, proxyerr.Description(proxyerr.ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy %s: %w", proxyAddr, err))
	}

	if usage == ForwardHTTP {
		// A plain-HTTP forward-fetch reaches the target by writing a
		// proxy-form request straight to the upstream; there is no
		// tunnel to negotiate, so the caller gets the raw connection.
		return proxyConn, nil
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		proxyConn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeHTTPProxyConnectFailed, proxyerr.Description(proxyerr.ErrCodeHTTPProxyConnectFailed), err)
	}
	connectReq.Host = addr
	connectReq.Header.Set("User-Agent", "https-proxy-server/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if d.upstream.User != "" {
		creds := d.upstream.User + ":" + d.upstream.Pass
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeHTTPProxyConnectFailed, proxyerr.Description(proxyerr.ErrCodeHTTPProxyConnectFailed), fmt.Errorf("sending CONNECT to %s: %w", proxyAddr, err))
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeHTTPProxyConnectFailed, proxyerr.Description(proxyerr.ErrCodeHTTPProxyConnectFailed), fmt.Errorf("reading CONNECT response from %s: %w", proxyAddr, err))
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		proxyConn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeProxyDenied, fmt.Sprintf("upstream proxy %s returned %s for CONNECT %s", proxyAddr, resp.Status, addr), nil)
	}

	if br.Buffered() > 0 {
		proxyConn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeHTTPProxyConnectFailed, "upstream proxy sent data before CONNECT completed", nil)
	}

	return proxyConn, nil
}
