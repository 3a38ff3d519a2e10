// Package forward implements the absolute-URI forward-fetch model: a
// plain HTTP request whose request line carries a full URL rather than
// just a path. Grounded on the teacher's forwardRequest and
// handleWebSocketTunnel (msgtausch-srv/proxy/proxy.go): the same
// hop-by-hop header skip-set, the same WebSocket-upgrade detection, and
// the same "dial raw and splice" fallback for upgraded connections that
// an http.Client cannot carry through unmodified.
package forward

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/classify"
	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/dialer"
	"github.com/AlanGuo/https-proxy-server/internal/logger"
	"github.com/AlanGuo/https-proxy-server/internal/proxyerr"
	"github.com/AlanGuo/https-proxy-server/internal/splice"
	"golang.org/x/net/http/httpguts"
)

// hopByHop headers that are specific to this single proxy-to-client hop
// and must never be forwarded verbatim to the next hop.
var hopByHop = map[string]struct{}{
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
}

// allowedMethods is the set of methods the forward-fetch path services;
// anything else is rejected with 405 before a connection is ever dialed.
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodPatch:   {},
}

// Handle services one absolute-URI request read off clientConn.
func Handle(ctx context.Context, cfg *config.ServerConfig, d dialer.Dialer, clientConn net.Conn, br *bufio.Reader, req *http.Request) error {
	if _, ok := allowedMethods[req.Method]; !ok {
		writeSimpleResponse(clientConn, http.StatusMethodNotAllowed, "method not allowed")
		return proxyerr.New(proxyerr.ErrCodeHTTPMethodNotAllowed, proxyerr.Description(proxyerr.ErrCodeHTTPMethodNotAllowed), nil)
	}
	if !req.URL.IsAbs() || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		writeSimpleResponse(clientConn, http.StatusBadRequest, "absolute http(s) URI required")
		return proxyerr.New(proxyerr.ErrCodeInvalidAuthority, "forward-fetch request line was not an absolute http(s) URI", nil)
	}
	if req.Host == "" || len(req.Host) > 255 || !httpguts.ValidHostHeader(req.Host) {
		writeSimpleResponse(clientConn, http.StatusBadRequest, "invalid Host header; TLS traffic must use CONNECT")
		return proxyerr.New(proxyerr.ErrCodeInvalidAuthority, "invalid Host header", nil)
	}

	isUpgrade := strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")

	if isUpgrade {
		return handleUpgrade(ctx, cfg, d, clientConn, br, req)
	}
	return handlePlain(ctx, cfg, d, clientConn, req)
}

func handlePlain(ctx context.Context, cfg *config.ServerConfig, d dialer.Dialer, clientConn net.Conn, req *http.Request) error {
	log := logger.ForConn(clientConn.RemoteAddr().String())

	transport := &http.Transport{
		DialContext: func(dialCtx context.Context, _, addr string) (net.Conn, error) {
			return d.Dial(dialCtx, usageForScheme(req.URL.Scheme), addr)
		},
	}
	if req.URL.Scheme == "http" && (cfg.Upstream.Kind == config.HTTPProxy || cfg.Upstream.Kind == config.HTTPSProxy) {
		// Proxy mode makes the Transport write the request line in
		// absolute-URI form; the dialer connects to (and for an https
		// upstream TLS-wraps) the upstream whatever addr it is given.
		proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(cfg.Upstream.Host, cfg.Upstream.Port)}
		if cfg.Upstream.User != "" {
			proxyURL.User = url.UserPassword(cfg.Upstream.User, cfg.Upstream.Pass)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		writeSimpleResponse(clientConn, http.StatusInternalServerError, "failed to build outbound request")
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "building outbound request", err)
	}
	if p := req.URL.Port(); (req.URL.Scheme == "http" && p == "80") || (req.URL.Scheme == "https" && p == "443") {
		outbound.Host = strings.TrimSuffix(req.URL.Host, ":"+p)
	}
	outbound.ContentLength = req.ContentLength
	copyHeaders(req.Header, outbound.Header, false)

	resp, err := client.Do(outbound)
	if err != nil {
		tag := classify.Classify(err)
		log.Warn("forward %s: request failed (%s): %v", req.URL, tag, err)
		if tag == classify.Timeout {
			writeSimpleResponse(clientConn, http.StatusGatewayTimeout, "upstream request timed out")
		} else {
			writeSimpleResponse(clientConn, http.StatusBadGateway, "upstream request failed: "+err.Error())
		}
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, proxyerr.Description(proxyerr.ErrCodeHTTPForwardFailed), err)
	}
	defer resp.Body.Close()

	return writeResponse(clientConn, resp)
}

func handleUpgrade(ctx context.Context, cfg *config.ServerConfig, d dialer.Dialer, clientConn net.Conn, br *bufio.Reader, req *http.Request) error {
	log := logger.ForConn(clientConn.RemoteAddr().String())

	targetHost := req.Host
	if targetHost == "" {
		targetHost = req.URL.Host
	}
	if req.URL.Port() == "" {
		port := "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
		targetHost = net.JoinHostPort(targetHost, port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	targetConn, err := d.Dial(dialCtx, usageForScheme(req.URL.Scheme), targetHost)
	cancel()
	if err != nil {
		log.Warn("forward upgrade %s: dial failed: %v", targetHost, err)
		writeSimpleResponse(clientConn, http.StatusBadGateway, "upstream dial failed")
		return proxyerr.New(proxyerr.ErrCodeUpstreamConnectFailed, proxyerr.Description(proxyerr.ErrCodeUpstreamConnectFailed), err)
	}

	outbound := req.Clone(ctx)
	outbound.RequestURI = ""
	copyHeaders(req.Header, outbound.Header, true)
	outbound.Header.Set("Connection", "Upgrade")
	outbound.Header.Set("Upgrade", "websocket")

	if err := outbound.Write(targetConn); err != nil {
		targetConn.Close()
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "writing upgrade request to upstream", err)
	}

	upstreamBr := bufio.NewReader(targetConn)
	resp, err := http.ReadResponse(upstreamBr, outbound)
	if err != nil {
		targetConn.Close()
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "reading upgrade response from upstream", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		targetConn.Close()
		return writeResponse(clientConn, resp)
	}

	if err := writeUpgradeResponse(clientConn, resp); err != nil {
		targetConn.Close()
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "writing upgrade response to client", err)
	}

	if upstreamBr.Buffered() > 0 {
		if _, err := io.CopyN(clientConn, upstreamBr, int64(upstreamBr.Buffered())); err != nil {
			targetConn.Close()
			return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "flushing upstream buffered bytes", err)
		}
	}
	if br.Buffered() > 0 {
		if _, err := br.WriteTo(targetConn); err != nil {
			targetConn.Close()
			return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "flushing client buffered bytes", err)
		}
	}

	log.Debug("forward upgrade %s: WebSocket tunnel established", targetHost)
	result := splice.Splice(ctx, clientConn, targetConn, cfg.WebSocketIdle)
	if result.Err != nil {
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "upgrade tunnel copy error", result.Err)
	}
	return nil
}

func usageForScheme(scheme string) dialer.Usage {
	if scheme == "https" {
		return dialer.ForwardHTTPS
	}
	return dialer.ForwardHTTP
}

func copyHeaders(src, dst http.Header, upgrading bool) {
	for name, values := range src {
		if _, hop := hopByHop[name]; hop {
			continue
		}
		if !upgrading && (name == "Upgrade" || name == "Connection" || strings.HasPrefix(name, "Sec-Websocket-")) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeResponse(clientConn net.Conn, resp *http.Response) error {
	resp.Close = false
	if err := resp.Write(clientConn); err != nil {
		return proxyerr.New(proxyerr.ErrCodeHTTPForwardFailed, "writing response to client", err)
	}
	return nil
}

func writeUpgradeResponse(clientConn net.Conn, resp *http.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for name, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(clientConn, b.String())
	return err
}

func writeSimpleResponse(conn net.Conn, code int, message string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(message), message)
	conn.SetWriteDeadline(time.Time{})
}
