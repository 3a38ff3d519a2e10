// Package tunnel implements the CONNECT tunnel model: once a target
// authority is validated and dialed, the client and target connections
// are spliced together as opaque TCP. Grounded on the teacher's
// handleConnect (msgtausch-srv/proxy/proxy.go): hijack, write the
// "200 Connection Established" status line by hand, flush any bytes the
// client buffered ahead of the handshake, then pump bytes both ways.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/authority"
	"github.com/AlanGuo/https-proxy-server/internal/classify"
	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/dialer"
	"github.com/AlanGuo/https-proxy-server/internal/logger"
	"github.com/AlanGuo/https-proxy-server/internal/proxyerr"
	"github.com/AlanGuo/https-proxy-server/internal/splice"
)

const defaultTLSPort = 443

// proxyAgent identifies this proxy in the CONNECT success response,
// matching the User-Agent internal/dialer's httpProxyDialer sends when
// it is itself the client of an upstream proxy.
const proxyAgent = "https-proxy-server/1.0"

const connectSuccessHeaders = "HTTP/1.1 200 Connection Established\r\n" +
	"Proxy-agent: " + proxyAgent + "\r\n" +
	"Connection: keep-alive\r\n" +
	"Keep-Alive: timeout=60, max=1000\r\n" +
	"Proxy-Connection: keep-alive\r\n\r\n"

// Handle services one CONNECT request read from br off of clientConn.
// It writes the tunnel's response line directly to clientConn and, on
// success, blocks until the spliced session ends.
func Handle(ctx context.Context, cfg *config.ServerConfig, d dialer.Dialer, clientConn net.Conn, br *bufio.Reader, req *http.Request) error {
	log := logger.ForConn(clientConn.RemoteAddr().String())

	target, err := authority.Parse(req.Host, defaultTLSPort)
	if err != nil {
		writeStatusLine(clientConn, http.StatusBadRequest, "Bad Request")
		return proxyerr.New(proxyerr.ErrCodeInvalidAuthority, proxyerr.Description(proxyerr.ErrCodeInvalidAuthority), err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	targetConn, err := d.Dial(dialCtx, dialer.ConnectTunnel, target.String())
	cancel()
	if err != nil {
		tag := classify.Classify(err)
		log.Warn("CONNECT %s: dial failed (%s): %v", target, tag, err)
		if tag == classify.Timeout {
			writeStatusLine(clientConn, http.StatusGatewayTimeout, "Gateway Timeout")
		} else {
			writeStatusLine(clientConn, http.StatusBadGateway, "Bad Gateway")
		}
		return proxyerr.New(proxyerr.ErrCodeUpstreamConnectFailed, proxyerr.Description(proxyerr.ErrCodeUpstreamConnectFailed), err)
	}
	defer targetConn.Close()

	if _, err := fmt.Fprint(clientConn, connectSuccessHeaders); err != nil {
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "failed writing CONNECT success response", err)
	}

	if br.Buffered() > 0 {
		if _, err := br.WriteTo(targetConn); err != nil {
			return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "failed flushing buffered client bytes to target", err)
		}
	}

	idleTimeout := cfg.IdleTimeout
	if classify.MatchesIdlePattern(target.Host) {
		idleTimeout = cfg.WebSocketIdle
	}

	log.Debug("CONNECT %s: tunnel established, idle timeout %s", target, idleTimeout)
	result := splice.Splice(ctx, clientConn, targetConn, idleTimeout)
	log.Debug("CONNECT %s: tunnel closed (%d/%d bytes)", target, result.BytesAToB, result.BytesBToA)
	if result.Err != nil {
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "tunnel copy error", result.Err)
	}
	return nil
}

func writeStatusLine(conn net.Conn, code int, text string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", code, text)
	conn.SetWriteDeadline(time.Time{})
}
