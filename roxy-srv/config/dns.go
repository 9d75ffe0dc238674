package config

import "time"

// DNSType defines the transport used to reach a DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // host:port or [IPv6]:port
	Type           DNSType // udp, tcp or dot
	TimeoutSeconds int     // per-query timeout
	TLSHost        string  // SNI name, only used for dot
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the upstream connector's resolver.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns a disabled resolver configuration, so the system
// resolver is used unless dns.enabled is set.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}
