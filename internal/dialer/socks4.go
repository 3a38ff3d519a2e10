package dialer

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/proxyerr"
)

// SOCKS4 wire constants. No SOCKS4 client library exists in the Go
// ecosystem's usual places (golang.org/x/net/proxy only speaks SOCKS5),
// so this speaks the protocol directly; the byte layout below follows
// the version/command/port/address ordering common to SOCKS
// implementations.
const (
	socks4Version     = 0x04
	socks4CmdConnect  = 0x01
	socks4ReplyOK     = 0x5a
)

// socks4Dialer reaches the target through a SOCKS4 upstream.
type socks4Dialer struct {
	upstream    config.Upstream
	dialTimeout time.Duration
}

func (d *socks4Dialer) Dial(ctx context.Context, _ Usage, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(d.upstream.Host, d.upstream.Port)
	nd := &net.Dialer{Timeout: d.dialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS4ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS4ConnectFailed), fmt.Errorf("proxy %s: %w", proxyAddr, err))
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeInvalidAddress, proxyerr.Description(proxyerr.ErrCodeInvalidAddress), err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeInvalidPort, proxyerr.Description(proxyerr.ErrCodeInvalidPort), err)
	}

	ip4, useHostname, err := resolveSocks4Target(host)
	if err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS4ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS4ConnectFailed), err)
	}

	req := make([]byte, 0, 32)
	req = append(req, socks4Version, socks4CmdConnect, byte(port>>8), byte(port))
	if useHostname {
		req = append(req, 0, 0, 0, 1) // 0.0.0.1 signals SOCKS4A hostname extension
	} else {
		req = append(req, ip4...)
	}
	if d.upstream.User != "" {
		req = append(req, []byte(d.upstream.User)...)
	}
	req = append(req, 0) // NUL-terminated userid
	if useHostname {
		req = append(req, []byte(host)...)
		req = append(req, 0)
	}

	if deadline, ok := ctxDeadline(ctx); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS4ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS4ConnectFailed), err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS4ConnectFailed, proxyerr.Description(proxyerr.ErrCodeSOCKS4ConnectFailed), err)
	}
	if reply[0] != 0 || reply[1] != socks4ReplyOK {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSOCKS4ConnectFailed, fmt.Sprintf("SOCKS4 proxy rejected connect, code 0x%02x", reply[1]), nil)
	}

	return conn, nil
}

// resolveSocks4Target returns the 4-byte address when host is an IPv4
// literal, signals the SOCKS4A hostname-passthrough form when host is not
// an IP literal (no local DNS lookup is made), and rejects IPv6 literals.
func resolveSocks4Target(host string) (ip4 []byte, useHostname bool, err error) {
	ip := net.ParseIP(host)
	if ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, false, nil
		}
		return nil, false, fmt.Errorf("SOCKS4 does not support IPv6 target %s", host)
	}
	return nil, true, nil
}

func ctxDeadline(ctx context.Context) (time.Time, bool) {
	return ctx.Deadline()
}
