package config

import (
	"net/url"
	"os"

	"github.com/AlanGuo/https-proxy-server/internal/logger"
)

// UpstreamKind tags the variant of Upstream, mirroring the teacher's
// ForwardType enum.
type UpstreamKind int

const (
	Direct UpstreamKind = iota
	HTTPProxy
	HTTPSProxy
	SOCKS5Proxy
	SOCKS4Proxy
)

func (k UpstreamKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case HTTPProxy:
		return "http-proxy"
	case HTTPSProxy:
		return "https-proxy"
	case SOCKS5Proxy:
		return "socks5-proxy"
	case SOCKS4Proxy:
		return "socks4-proxy"
	default:
		return "unknown"
	}
}

// Upstream describes how the dialer should reach the open internet: either
// directly, or through an upstream forward proxy of some variant. It is a
// sealed tagged-variant type, the same shape as the teacher's Forward
// interface.
type Upstream struct {
	Kind UpstreamKind
	Host string
	Port string // string, not uint16: used directly as net.JoinHostPort's port arg
	User string
	Pass string
}

// ResolveUpstream scans the conventional proxy environment variables in
// priority order and returns the first configured upstream, or Direct if
// none are set. Unrecognized URL schemes degrade to Direct with a
// warning rather than failing startup.
func ResolveUpstream() Upstream {
	names := []string{"https_proxy", "HTTPS_PROXY", "http_proxy", "HTTP_PROXY", "all_proxy", "ALL_PROXY"}
	for _, name := range names {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		up, err := parseUpstreamURL(raw)
		if err != nil {
			logger.Warn("ignoring %s=%q: %v", name, raw, err)
			continue
		}
		logger.Info("using upstream proxy from %s: %s %s:%s", name, up.Kind, up.Host, up.Port)
		return up
	}
	return Upstream{Kind: Direct}
}

func parseUpstreamURL(raw string) (Upstream, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, err
	}

	host := u.Hostname()
	port := u.Port()

	var kind UpstreamKind
	switch u.Scheme {
	case "http":
		kind = HTTPProxy
		if port == "" {
			port = "80"
		}
	case "https":
		kind = HTTPSProxy
		if port == "" {
			port = "443"
		}
	case "socks5", "socks5h":
		kind = SOCKS5Proxy
		if port == "" {
			port = "1080"
		}
	case "socks4", "socks4a":
		kind = SOCKS4Proxy
		if port == "" {
			port = "1080"
		}
	default:
		logger.Warn("unrecognized proxy scheme %q, falling back to direct", u.Scheme)
		return Upstream{Kind: Direct}, nil
	}

	up := Upstream{Kind: kind, Host: host, Port: port}
	if u.User != nil {
		up.User = u.User.Username()
		up.Pass, _ = u.User.Password()
	}
	return up, nil
}
