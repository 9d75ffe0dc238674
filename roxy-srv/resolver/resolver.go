// Package resolver provides the hostname resolver used for upstream dials.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/pezcode/http-roxy/roxy-srv/config"
	"github.com/pezcode/http-roxy/roxy-srv/logger"
)

// Resolver rotates DNS queries round-robin over the configured servers,
// which may be reached over UDP, TCP or TLS.
type Resolver struct {
	servers   []config.DNSServerConfig
	mutex     sync.Mutex
	nextIdx   int
	tlsConfig *tls.Config
}

// New returns the resolver to use for dnsConfig: a custom one when enabled
// with at least one server, otherwise the system resolver.
func New(dnsConfig config.DNSConfig) *net.Resolver {
	if !dnsConfig.Enabled || len(dnsConfig.Servers) == 0 {
		logger.Debug("Using system default DNS resolver")
		return net.DefaultResolver
	}

	r := newResolver(dnsConfig.Servers)
	logger.Info("Custom DNS resolver initialized with %d server(s)", len(dnsConfig.Servers))
	for i, server := range dnsConfig.Servers {
		logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     r.Dial,
	}
}

func newResolver(servers []config.DNSServerConfig) *Resolver {
	return &Resolver{
		servers: append([]config.DNSServerConfig(nil), servers...),
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

func (r *Resolver) next() (int, config.DNSServerConfig) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	idx := r.nextIdx
	r.nextIdx = (r.nextIdx + 1) % len(r.servers)
	return idx, r.servers[idx]
}

// Dial ignores the address chosen by the Go resolver and connects to the next
// configured server instead.
func (r *Resolver) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	idx, server := r.next()
	logger.Debug("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	dialer := &net.Dialer{Timeout: server.GetTimeoutDuration()}

	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		tlsConfig.ServerName = server.TLSHost
		if tlsConfig.ServerName == "" {
			host, _, err := net.SplitHostPort(server.Address)
			if err != nil {
				_ = tcpConn.Close()
				return nil, fmt.Errorf("invalid DoT server address %q: %w", server.Address, err)
			}
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
