package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/dialer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	conn net.Conn
	err  error
}

func (f *fakeDialer) Dial(ctx context.Context, usage dialer.Usage, addr string) (net.Conn, error) {
	return f.conn, f.err
}

func testCfg() *config.ServerConfig {
	return &config.ServerConfig{
		DialTimeout:   time.Second,
		IdleTimeout:   50 * time.Millisecond,
		WebSocketIdle: 50 * time.Millisecond,
	}
}

func clientServerPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	return client, server
}

func TestHandleSuccessWritesConnectionEstablished(t *testing.T) {
	clientConn, proxySideOfClient := clientServerPipe(t)
	defer clientConn.Close()
	defer proxySideOfClient.Close()

	targetA, targetB := clientServerPipe(t)
	defer targetA.Close()
	defer targetB.Close()

	req, err := http.NewRequest(http.MethodConnect, "", nil)
	require.NoError(t, err)
	req.Host = "example.test:443"

	d := &fakeDialer{conn: targetA}

	done := make(chan error, 1)
	go func() {
		done <- Handle(context.Background(), testCfg(), d, proxySideOfClient, bufio.NewReader(proxySideOfClient), req)
	}()

	resp := make([]byte, len(connectSuccessHeaders))
	_, err = io.ReadFull(clientConn, resp)
	require.NoError(t, err)
	assert.Equal(t, connectSuccessHeaders, string(resp))

	clientConn.Close()
	targetB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}
}

func TestHandleInvalidAuthorityReturns400(t *testing.T) {
	clientConn, proxySideOfClient := clientServerPipe(t)
	defer clientConn.Close()
	defer proxySideOfClient.Close()

	req, err := http.NewRequest(http.MethodConnect, "", nil)
	require.NoError(t, err)
	req.Host = "bad|host:443"

	d := &fakeDialer{}
	err = Handle(context.Background(), testCfg(), d, proxySideOfClient, bufio.NewReader(proxySideOfClient), req)
	assert.Error(t, err)

	buf := make([]byte, 4096)
	n, _ := clientConn.Read(buf)
	assert.Contains(t, string(buf[:n]), "400")
}

func TestHandleDialFailureReturns502(t *testing.T) {
	clientConn, proxySideOfClient := clientServerPipe(t)
	defer clientConn.Close()
	defer proxySideOfClient.Close()

	req, err := http.NewRequest(http.MethodConnect, "", nil)
	require.NoError(t, err)
	req.Host = "example.test:443"

	d := &fakeDialer{err: errors.New("connection refused")}
	err = Handle(context.Background(), testCfg(), d, proxySideOfClient, bufio.NewReader(proxySideOfClient), req)
	assert.Error(t, err)

	buf := make([]byte, 4096)
	n, _ := clientConn.Read(buf)
	assert.Contains(t, string(buf[:n]), "502")
}
