package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.Workers != b.Workers ||
		a.KeepAliveTimeoutSeconds != b.KeepAliveTimeoutSeconds ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if !credentialsEqual(a.Credentials, b.Credentials) {
		return true
	}
	if !stringSliceEqual(a.Blocklist, b.Blocklist) {
		return true
	}
	if !forwardsSliceEqual(a.Forwards, b.Forwards) {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if a.Statistics != b.Statistics || a.Metrics != b.Metrics {
		return true
	}
	return false
}

func credentialsEqual(a, b []Credential) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// forwardsSliceEqual compares two slices of Forward interfaces for equality.
func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() || a.IPv4Only() != b.IPv4Only() || !stringSliceEqual(a.HostPatterns(), b.HostPatterns()) {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		_, ok := b.(*ForwardDefaultNetwork)
		return ok
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password)
	default:
		return false
	}
}

func dnsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}
