package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress     = ":6666"
	DefaultWorkers           = 4
	DefaultKeepAliveTimeout  = 5
	DefaultConnectTimeout    = 30
	DefaultMetricsAddress    = "127.0.0.1:9666"
	DefaultMetricsPath       = "/metrics"
	DefaultStatisticsBackend = "dummy"
)

// Credential is one name/password pair accepted for proxy authentication.
type Credential struct {
	Name     string
	Password string
}

// ForwardType defines how upstream sockets are dialed.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials the target through a SOCKS5 server.
	ForwardTypeSocks5
)

func (t ForwardType) String() string {
	switch t {
	case ForwardTypeDefaultNetwork:
		return "default-network"
	case ForwardTypeSocks5:
		return "socks5"
	default:
		return "unknown"
	}
}

// Forward is one upstream dial rule. A rule applies to a host when its host
// list is empty or names the host or one of its parent domains.
type Forward interface {
	Type() ForwardType
	HostPatterns() []string
	IPv4Only() bool
}

// ForwardDefaultNetwork dials the upstream directly.
type ForwardDefaultNetwork struct {
	Hosts     []string
	ForceIPv4 bool
}

func (f *ForwardDefaultNetwork) Type() ForwardType      { return ForwardTypeDefaultNetwork }
func (f *ForwardDefaultNetwork) HostPatterns() []string { return f.Hosts }
func (f *ForwardDefaultNetwork) IPv4Only() bool         { return f.ForceIPv4 }

// ForwardSocks5 dials the upstream through a SOCKS5 proxy.
type ForwardSocks5 struct {
	Hosts     []string
	ForceIPv4 bool
	Address   string
	Username  *string
	Password  *string
}

func (f *ForwardSocks5) Type() ForwardType      { return ForwardTypeSocks5 }
func (f *ForwardSocks5) HostPatterns() []string { return f.Hosts }
func (f *ForwardSocks5) IPv4Only() bool         { return f.ForceIPv4 }

// StatisticsConfig selects the statistics backend.
type StatisticsConfig struct {
	Enabled        bool
	Backend        string // dummy, sqlite or postgres
	SQLitePath     string
	PostgresDSN    string
	ReportSchedule string // cron spec for the periodic overview log line
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress           string
	Workers                 int
	KeepAliveTimeoutSeconds int
	ConnectTimeoutSeconds   int
	Credentials             []Credential
	Forwards                []Forward
	Blocklist               []string
	DNS                     DNSConfig
	Statistics              StatisticsConfig
	Metrics                 MetricsConfig
	LogLevel                string
}

// KeepAliveTimeout is how long a worker waits for the next request header.
func (c *Config) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutSeconds) * time.Second
}

// ConnectTimeout bounds upstream dials.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// SetPort replaces the port of the listen address, keeping its host part.
func (c *Config) SetPort(port int) {
	host, _, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		host = ""
	}
	c.ListenAddress = net.JoinHostPort(host, strconv.Itoa(port))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddress:           DefaultListenAddress,
		Workers:                 DefaultWorkers,
		KeepAliveTimeoutSeconds: DefaultKeepAliveTimeout,
		ConnectTimeoutSeconds:   DefaultConnectTimeout,
		DNS:                     DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend: DefaultStatisticsBackend,
		},
		Metrics: MetricsConfig{
			ListenAddress: DefaultMetricsAddress,
			Path:          DefaultMetricsPath,
		},
		LogLevel: "INFO",
	}
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	// Apply environment variables
	if err := loadConfigFromEnv(cfg); err != nil {
		return nil, err
	}

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}

		var raw map[string]any
		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = json.Unmarshal(data, &raw)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &raw)
		case ".hcl":
			raw, err = decodeHCL(data, configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}

		if err := applyConfigMap(cfg, raw); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.KeepAliveTimeoutSeconds < 1 {
		return fmt.Errorf("keepalive-timeout-seconds must be at least 1, got %d", c.KeepAliveTimeoutSeconds)
	}
	if c.ConnectTimeoutSeconds < 1 {
		return fmt.Errorf("connect-timeout-seconds must be at least 1, got %d", c.ConnectTimeoutSeconds)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen-address %q: %w", c.ListenAddress, err)
	}
	for i, cred := range c.Credentials {
		if cred.Name == "" {
			return fmt.Errorf("credential %d has an empty name", i)
		}
	}
	for i, fwd := range c.Forwards {
		if s, ok := fwd.(*ForwardSocks5); ok && s.Address == "" {
			return fmt.Errorf("forward %d: socks5 requires an address", i)
		}
	}
	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "dummy":
		case "sqlite":
			if c.Statistics.SQLitePath == "" {
				return fmt.Errorf("statistics backend sqlite requires sqlite-path")
			}
		case "postgres":
			if c.Statistics.PostgresDSN == "" {
				return fmt.Errorf("statistics backend postgres requires postgres-dsn")
			}
		default:
			return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", c.Metrics.Path)
	}
	return nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return data, nil
}

func applyConfigMap(cfg *Config, data map[string]any) error {
	if val, ok := data["listen-address"]; ok {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("invalid listen-address: %w", err)
		}
		cfg.ListenAddress = *ptr
	}
	if val, ok := data["workers"]; ok {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("invalid workers: %w", err)
		}
		cfg.Workers = *ptr
	}
	if val, ok := data["keepalive-timeout-seconds"]; ok {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("invalid keepalive-timeout-seconds: %w", err)
		}
		cfg.KeepAliveTimeoutSeconds = *ptr
	}
	if val, ok := data["connect-timeout-seconds"]; ok {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("invalid connect-timeout-seconds: %w", err)
		}
		cfg.ConnectTimeoutSeconds = *ptr
	}
	if val, ok := data["log-level"]; ok {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("invalid log-level: %w", err)
		}
		cfg.LogLevel = *ptr
	}

	if val, ok := data["credentials"]; ok {
		creds, err := parseCredentials(val)
		if err != nil {
			return err
		}
		cfg.Credentials = creds
	}

	if val, ok := data["blocklist"]; ok {
		list, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("invalid blocklist: %w", err)
		}
		cfg.Blocklist = list
	}

	if val, ok := data["forwards"]; ok {
		forwards, err := parseForwards(val)
		if err != nil {
			return err
		}
		cfg.Forwards = forwards
	}

	if val, ok := data["dns"]; ok {
		if err := parseDNS(&cfg.DNS, val); err != nil {
			return err
		}
	}

	if val, ok := data["statistics"]; ok {
		if err := parseStatistics(&cfg.Statistics, val); err != nil {
			return err
		}
	}

	if val, ok := data["metrics"]; ok {
		if err := parseMetrics(&cfg.Metrics, val); err != nil {
			return err
		}
	}

	return nil
}

func parseCredentials(val any) ([]Credential, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("credentials must be a list, got %T", val)
	}
	creds := make([]Credential, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("credential %d must be an object, got %T", i, item)
		}
		name, err := parseValue[string](m["name"])
		if err != nil {
			return nil, fmt.Errorf("credential %d: invalid name: %w", i, err)
		}
		password, err := parseValue[string](m["password"])
		if err != nil {
			return nil, fmt.Errorf("credential %d: invalid password: %w", i, err)
		}
		creds = append(creds, Credential{Name: *name, Password: *password})
	}
	return creds, nil
}

func parseForwards(val any) ([]Forward, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("forwards must be a list, got %T", val)
	}
	var forwards []Forward
	for i, item := range items {
		forwardMap, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("forward %d must be an object, got %T", i, item)
		}

		forwardType, err := parseValue[string](forwardMap["type"])
		if err != nil {
			return nil, fmt.Errorf("forward %d: invalid type: %w", i, err)
		}

		var hosts []string
		if h, ok := forwardMap["hosts"]; ok {
			if hosts, err = parseStringList(h); err != nil {
				return nil, fmt.Errorf("forward %d: invalid hosts: %w", i, err)
			}
		}
		forceIPv4 := false
		if v, ok := forwardMap["force-ipv4"]; ok {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return nil, fmt.Errorf("forward %d: invalid force-ipv4: %w", i, err)
			}
			forceIPv4 = *ptr
		}

		switch *forwardType {
		case "default-network":
			forwards = append(forwards, &ForwardDefaultNetwork{Hosts: hosts, ForceIPv4: forceIPv4})
		case "socks5":
			fwd := &ForwardSocks5{Hosts: hosts, ForceIPv4: forceIPv4}
			if address, err := parseValue[string](forwardMap["address"]); err == nil {
				fwd.Address = *address
			} else {
				return nil, fmt.Errorf("forward %d: invalid address: %w", i, err)
			}
			if v, ok := forwardMap["username"]; ok {
				if username, err := parseValue[string](v); err == nil {
					fwd.Username = username
				} else {
					return nil, fmt.Errorf("forward %d: invalid username: %w", i, err)
				}
			}
			if v, ok := forwardMap["password"]; ok {
				if password, err := parseValue[string](v); err == nil {
					fwd.Password = password
				} else {
					return nil, fmt.Errorf("forward %d: invalid password: %w", i, err)
				}
			}
			forwards = append(forwards, fwd)
		default:
			return nil, fmt.Errorf("unsupported forward type: %s", *forwardType)
		}
	}
	return forwards, nil
}

func parseDNS(dns *DNSConfig, val any) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("dns must be an object, got %T", val)
	}
	if v, ok := m["enabled"]; ok {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("invalid dns.enabled: %w", err)
		}
		dns.Enabled = *ptr
	}
	v, ok := m["servers"]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("dns.servers must be a list, got %T", v)
	}
	dns.Servers = nil
	for i, item := range items {
		sm, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("dns server %d must be an object, got %T", i, item)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		address, err := parseValue[string](sm["address"])
		if err != nil {
			return fmt.Errorf("dns server %d: invalid address: %w", i, err)
		}
		server.Address = *address
		if t, ok := sm["type"]; ok {
			ptr, err := parseValue[string](t)
			if err != nil {
				return fmt.Errorf("dns server %d: invalid type: %w", i, err)
			}
			switch DNSType(*ptr) {
			case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
				server.Type = DNSType(*ptr)
			default:
				return fmt.Errorf("dns server %d: unsupported type %q", i, *ptr)
			}
		}
		if t, ok := sm["timeout-seconds"]; ok {
			ptr, err := parseValue[int](t)
			if err != nil {
				return fmt.Errorf("dns server %d: invalid timeout-seconds: %w", i, err)
			}
			server.TimeoutSeconds = *ptr
		}
		if t, ok := sm["tls-host"]; ok {
			ptr, err := parseValue[string](t)
			if err != nil {
				return fmt.Errorf("dns server %d: invalid tls-host: %w", i, err)
			}
			server.TLSHost = *ptr
		}
		dns.Servers = append(dns.Servers, server)
	}
	return nil
}

func parseStatistics(st *StatisticsConfig, val any) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("statistics must be an object, got %T", val)
	}
	if v, ok := m["enabled"]; ok {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("invalid statistics.enabled: %w", err)
		}
		st.Enabled = *ptr
	}
	for key, dst := range map[string]*string{
		"backend":         &st.Backend,
		"sqlite-path":     &st.SQLitePath,
		"postgres-dsn":    &st.PostgresDSN,
		"report-schedule": &st.ReportSchedule,
	} {
		v, ok := m[key]
		if !ok {
			continue
		}
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("invalid statistics.%s: %w", key, err)
		}
		*dst = *ptr
	}
	return nil
}

func parseMetrics(mc *MetricsConfig, val any) error {
	m, ok := val.(map[string]any)
	if !ok {
		return fmt.Errorf("metrics must be an object, got %T", val)
	}
	if v, ok := m["enabled"]; ok {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return fmt.Errorf("invalid metrics.enabled: %w", err)
		}
		mc.Enabled = *ptr
	}
	if v, ok := m["listen-address"]; ok {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("invalid metrics.listen-address: %w", err)
		}
		mc.ListenAddress = *ptr
	}
	if v, ok := m["path"]; ok {
		ptr, err := parseValue[string](v)
		if err != nil {
			return fmt.Errorf("invalid metrics.path: %w", err)
		}
		mc.Path = *ptr
	}
	return nil
}

// parseStringList accepts a list of strings or a single comma separated string.
func parseStringList(val any) ([]string, error) {
	switch v := val.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			ptr, err := parseValue[string](item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, *ptr)
		}
		return out, nil
	case string:
		return splitList(v), nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", val)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON and HCL numbers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected %T, got fractional number %v", zero, v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int:
		// YAML integers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got integer", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// loadConfigFromEnv applies ROXY_* environment overrides.
func loadConfigFromEnv(cfg *Config) error {
	if addr := os.Getenv("ROXY_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if workers := os.Getenv("ROXY_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid ROXY_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if timeout := os.Getenv("ROXY_KEEPALIVETIMEOUT"); timeout != "" {
		n, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid ROXY_KEEPALIVETIMEOUT: %w", err)
		}
		cfg.KeepAliveTimeoutSeconds = n
	}
	if timeout := os.Getenv("ROXY_CONNECTTIMEOUT"); timeout != "" {
		n, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid ROXY_CONNECTTIMEOUT: %w", err)
		}
		cfg.ConnectTimeoutSeconds = n
	}
	if creds := os.Getenv("ROXY_CREDENTIALS"); creds != "" {
		for _, pair := range splitList(creds) {
			name, password, ok := strings.Cut(pair, ":")
			if !ok {
				return fmt.Errorf("invalid ROXY_CREDENTIALS entry %q: expected name:password", pair)
			}
			cfg.Credentials = append(cfg.Credentials, Credential{Name: name, Password: password})
		}
	}
	if blocklist := os.Getenv("ROXY_BLOCKLIST"); blocklist != "" {
		cfg.Blocklist = splitList(blocklist)
	}
	if level := os.Getenv("ROXY_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if backend := os.Getenv("ROXY_STATS_BACKEND"); backend != "" {
		cfg.Statistics.Enabled = true
		cfg.Statistics.Backend = backend
	}
	if path := os.Getenv("ROXY_STATS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv("ROXY_STATS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
	if addr := os.Getenv("ROXY_METRICS_LISTENADDRESS"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = addr
	}

	logger.Debug("Applied environment overrides (listen=%s, workers=%d)", cfg.ListenAddress, cfg.Workers)
	return nil
}
