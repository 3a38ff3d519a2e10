// Package server implements the TLS-terminating listener and per-
// connection request dispatch: accept a TLS connection, parse one HTTP
// request off it with bufio+http.ReadRequest, and hand it to the
// tunnel, forward, or status-page handler depending on its shape.
// Grounded on the teacher's Server.Start/StartWithListener
// (msgtausch-srv/proxy/proxy.go), adapted from net/http.Server's
// Handler model to a raw tls.Listener accept loop since this proxy owns
// its own HTTP/1.1 framing rather than delegating to net/http's server.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/classify"
	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/dialer"
	"github.com/AlanGuo/https-proxy-server/internal/forward"
	"github.com/AlanGuo/https-proxy-server/internal/logger"
	"github.com/AlanGuo/https-proxy-server/internal/statuspage"
	"github.com/AlanGuo/https-proxy-server/internal/tunnel"
)

// Server is the TLS-terminating forward proxy listener.
type Server struct {
	cfg    *config.ServerConfig
	dialer dialer.Dialer
	hinter *classify.Hinter

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	closing  bool
}

// New builds a Server bound to cfg but not yet listening.
func New(cfg *config.ServerConfig) *Server {
	return &Server{
		cfg:    cfg,
		dialer: dialer.New(cfg),
		hinter: classify.NewHinter(),
	}
}

// Run binds the TLS listener and serves connections until ctx is
// cancelled or a fatal listener error occurs.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.ListenPort)
	ln, err := tls.Listen("tcp", addr, s.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("listening on %s", addr)

	go func() {
		<-ctx.Done()
		s.closeListener()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
}

// Wait blocks until all in-flight connections have finished, or the
// grace period elapses.
func (s *Server) Wait(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("grace period elapsed with connections still open")
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic handling connection from %s: %v\n%s", conn.RemoteAddr(), r, debug.Stack())
		}
	}()
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if ok {
		hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			s.reportHandshakeError(err)
			return
		}
	}

	br := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if classify.Classify(err) != classify.BenignDrop {
				logger.Debug("reading request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		switch {
		case req.Method == http.MethodConnect:
			if err := tunnel.Handle(ctx, s.cfg, s.dialer, conn, br, req); err != nil {
				logger.Warn("tunnel %s: %v", req.Host, err)
			}
			return
		case req.URL.IsAbs():
			if err := forward.Handle(ctx, s.cfg, s.dialer, conn, br, req); err != nil {
				logger.Warn("forward %s: %v", req.URL, err)
				return
			}
			if !keepAlive(req) {
				return
			}
		default:
			statuspage.Handle(conn, req)
			return
		}
	}
}

func keepAlive(req *http.Request) bool {
	return !strings.EqualFold(req.Header.Get("Connection"), "close")
}

// reportHandshakeError classifies a failed TLS handshake and, for the
// SSL-version-mismatch and unknown-CA cases, emits the rate-limited
// operator hint that the client is very likely pointed at this proxy by
// mistake rather than deliberately connecting to it.
func (s *Server) reportHandshakeError(err error) {
	tag := classify.Classify(err)
	switch tag {
	case classify.SSLVersionMismatch, classify.SSLUnknownCA:
		if s.hinter.Allow() {
			logger.Warn("TLS handshake failed (%s): %v — this usually means a client is sending plain HTTP, or doesn't trust this proxy's certificate", tag, err)
		}
	case classify.BenignDrop:
		// client hung up mid-handshake; not worth logging
	default:
		logger.Debug("TLS handshake failed (%s): %v", tag, err)
	}
}
