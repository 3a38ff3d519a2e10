package dialer

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsDirectByDefault(t *testing.T) {
	cfg := &config.ServerConfig{Upstream: config.Upstream{Kind: config.Direct}, DialTimeout: time.Second}
	d := New(cfg)
	_, ok := d.(*directDialer)
	assert.True(t, ok)
}

func TestNewSelectsSOCKS5(t *testing.T) {
	cfg := &config.ServerConfig{Upstream: config.Upstream{Kind: config.SOCKS5Proxy}, DialTimeout: time.Second}
	d := New(cfg)
	_, ok := d.(*socks5Dialer)
	assert.True(t, ok)
}

func TestNewSelectsSOCKS4(t *testing.T) {
	cfg := &config.ServerConfig{Upstream: config.Upstream{Kind: config.SOCKS4Proxy}, DialTimeout: time.Second}
	d := New(cfg)
	_, ok := d.(*socks4Dialer)
	assert.True(t, ok)
}

func TestDirectDialerConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	d := &directDialer{dialTimeout: time.Second}
	conn, err := d.Dial(context.Background(), ConnectTunnel, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	require.NotNil(t, server)
	server.Close()
}

func TestHTTPProxyDialerSendsConnectForTunnelUsage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reqCh := make(chan *http.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		reqCh <- req
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	d := &httpProxyDialer{
		upstream:    config.Upstream{Kind: config.HTTPProxy, Host: host, Port: port},
		dialTimeout: time.Second,
	}

	conn, err := d.Dial(context.Background(), ConnectTunnel, "example.test:443")
	require.NoError(t, err)
	defer conn.Close()

	select {
	case req := <-reqCh:
		assert.Equal(t, http.MethodConnect, req.Method)
		assert.Equal(t, "example.test:443", req.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream proxy did not receive a CONNECT request")
	}
}

func TestHTTPProxyDialerSkipsConnectForForwardHTTPUsage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	d := &httpProxyDialer{
		upstream:    config.Upstream{Kind: config.HTTPProxy, Host: host, Port: port},
		dialTimeout: time.Second,
	}

	conn, err := d.Dial(context.Background(), ForwardHTTP, "origin.test:80")
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	// No CONNECT handshake should have been written; the caller is free
	// to write a proxy-form request directly.
	_, err = conn.Write([]byte("GET http://origin.test/ HTTP/1.1\r\nHost: origin.test\r\n\r\n"))
	require.NoError(t, err)

	req, err := http.ReadRequest(bufio.NewReader(server))
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "http://origin.test/", req.RequestURI)
}

func TestResolveSocks4Target(t *testing.T) {
	ip, useHostname, err := resolveSocks4Target("93.184.216.34")
	require.NoError(t, err)
	assert.False(t, useHostname)
	assert.Len(t, ip, 4)

	_, useHostname, err = resolveSocks4Target("example.test")
	require.NoError(t, err)
	assert.True(t, useHostname)

	_, _, err = resolveSocks4Target("::1")
	assert.Error(t, err)
}
