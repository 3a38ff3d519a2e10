// Package config holds the proxy's immutable startup configuration: the
// listen port and timeouts, the loaded TLS identity, and the resolved
// upstream-proxy descriptor. It is built once in main and never mutated
// afterward, so concurrent readers need no synchronization — mirroring
// the teacher's env-driven, read-once-at-startup convention.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/logger"
)

// ServerConfig is the immutable configuration built at startup.
type ServerConfig struct {
	ListenPort int

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	WebSocketIdle    time.Duration
	RequestTimeout   time.Duration

	TLSConfig *tls.Config
	Upstream  Upstream
}

const (
	defaultListenPort       = 10443
	defaultHandshakeTimeout = 45 * time.Second
	defaultDialTimeout      = 30 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultWebSocketIdle    = 120 * time.Second
)

// Load builds a ServerConfig from environment variables and the TLS
// material under certsDir, per spec.md §6.
func Load(certsDir string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenPort:       envInt("HTTPS_PROXY_PORT", defaultListenPort),
		HandshakeTimeout: defaultHandshakeTimeout,
		DialTimeout:      envDialTimeout("PROXY_TIMEOUT", defaultDialTimeout),
		IdleTimeout:      defaultIdleTimeout,
		WebSocketIdle:    defaultWebSocketIdle,
		RequestTimeout:   envDialTimeout("PROXY_TIMEOUT", defaultDialTimeout),
	}

	tlsCfg, err := loadTLSIdentity(certsDir)
	if err != nil {
		return nil, err
	}
	cfg.TLSConfig = tlsCfg
	cfg.Upstream = ResolveUpstream()

	return cfg, nil
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer for %s=%q, using default %d", name, v, def)
		return def
	}
	return n
}

func envDialTimeout(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		logger.Warn("invalid millisecond duration for %s=%q, using default %s", name, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// loadTLSIdentity loads the server's private key and certificate chain
// from certsDir, appending certs/ca.crt when certs/fullchain.crt is
// absent, per spec.md §6. The SNI callback returns the same identity for
// every requested name since the proxy is not the authoritative server
// for any real origin.
func loadTLSIdentity(certsDir string) (*tls.Config, error) {
	keyPath := filepath.Join(certsDir, "server.key")
	certPath := filepath.Join(certsDir, "server.crt")

	fullchainPath := filepath.Join(certsDir, "fullchain.crt")
	certPEM, err := os.ReadFile(fullchainPath)
	if err != nil {
		certPEM, err = os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", certPath, err)
		}
		caPath := filepath.Join(certsDir, "ca.crt")
		if caPEM, caErr := os.ReadFile(caPath); caErr == nil {
			certPEM = append(append([]byte{}, certPEM...), caPEM...)
		}
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", keyPath, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing TLS identity: %w", err)
	}

	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &cert, nil
		},
		// MinVersion/MaxVersion intentionally left unset: clients across
		// the full TLS 1.0..1.3 range must be able to complete a
		// handshake against this proxy rather than bouncing off a
		// pinned floor.
		ClientAuth: tls.NoClientCert,
	}, nil
}
