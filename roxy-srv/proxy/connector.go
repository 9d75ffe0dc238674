package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/config"
	"github.com/pezcode/http-roxy/roxy-srv/httpmsg"
	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/resolver"
	"golang.org/x/net/proxy"
)

// DefaultUpstreamPort is used when the target names no port.
const DefaultUpstreamPort = 80

// ExtractHost returns the request's Host header, falling back to the raw
// request target for requests that carry none.
func ExtractHost(req *httpmsg.Message) string {
	if host := strings.TrimSpace(req.Header("Host")); host != "" {
		return host
	}
	return req.URL()
}

// SplitTarget parses "host", "host:port", "[v6]:port" or an absolute URI into
// a hostname and port, defaulting the port to 80.
func SplitTarget(target string) (string, int, error) {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, newError(ErrCodeInvalidAddress, err)
		}
		target = u.Host
	}
	if i := strings.IndexAny(target, "/?#"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "", 0, newError(ErrCodeInvalidAddress, errors.New("empty host"))
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port: the whole target is the host, possibly a bracketed IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
		portStr = ""
	}
	if host == "" {
		return "", 0, newError(ErrCodeInvalidAddress, fmt.Errorf("no host in %q", target))
	}

	port := DefaultUpstreamPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, newError(ErrCodeInvalidPort, fmt.Errorf("port %q", portStr))
		}
	}
	return host, port, nil
}

// Connector dials upstream hosts, honoring the configured forward rules.
type Connector struct {
	forwards []config.Forward
	resolver *net.Resolver
	timeout  time.Duration
}

// NewConnector builds a Connector from cfg.
func NewConnector(cfg *config.Config) *Connector {
	return &Connector{
		forwards: cfg.Forwards,
		resolver: resolver.New(cfg.DNS),
		timeout:  cfg.ConnectTimeout(),
	}
}

// forwardFor returns the first rule whose host list is empty or contains host
// or one of its parent domains.
func (c *Connector) forwardFor(host string) config.Forward {
	host = normalizeHost(host)
	for _, fwd := range c.forwards {
		patterns := fwd.HostPatterns()
		if len(patterns) == 0 {
			return fwd
		}
		for _, p := range patterns {
			p = normalizeHost(p)
			if host == p || strings.HasSuffix(host, "."+p) {
				return fwd
			}
		}
	}
	return nil
}

// Dial connects to host:port directly or through the matching forward rule.
func (c *Connector) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	fwd := c.forwardFor(host)

	network := "tcp"
	if fwd != nil && fwd.IPv4Only() {
		network = "tcp4"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if socks, ok := fwd.(*config.ForwardSocks5); ok {
		logger.Debug("Using SOCKS5 forward (%s) for %s", socks.Address, addr)
		return c.dialSocks5(ctx, network, socks, addr)
	}

	dialer := &net.Dialer{Timeout: c.timeout, Resolver: c.resolver}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, newError(ErrCodeResolveFailed, fmt.Errorf("%s: %w", host, err))
		}
		return nil, newError(ErrCodeDialFailed, fmt.Errorf("%s: %w", addr, err))
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy. The
// target hostname is resolved by the SOCKS5 server.
func (c *Connector) dialSocks5(ctx context.Context, network string, fwd *config.ForwardSocks5, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	forward := &net.Dialer{Timeout: c.timeout, Resolver: c.resolver}
	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, forward)
	if err != nil {
		return nil, newError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, addr)
	} else {
		conn, err = socksDialer.Dial(network, addr)
	}
	if err != nil {
		return nil, newError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, fwd.Address, err))
	}
	return conn, nil
}
