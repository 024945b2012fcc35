// Package config parses client and server configuration from environment
// variables with flag overrides. Environment names are the operational
// surface; flags exist for local runs and tests.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig holds everything the tunnel client needs to run.
type ClientConfig struct {
	Threads        int
	BindAddress    string
	BindPort       int
	WebSocketURI   string
	AuthToken      string
	Route          string
	UseOldProtocol bool

	PingInterval time.Duration
	PingTimeout  time.Duration

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	UDPTimeout    time.Duration
	ExitOnFailure bool

	LogLevel string
}

// ServerConfig holds everything the tunnel server needs to run.
type ServerConfig struct {
	AccountsFile   string
	ReloadInterval time.Duration
	ClientIPHeader string

	// Accepted for compatibility with existing deployments; the Go runtime
	// sizes its own scheduler.
	ParentThreads int
	ChildThreads  int

	BindAddress          string
	BindPort             int
	WSPath               string
	HTTPMaxContentLength int
	MaxFrameSize         int64

	TunnelTimeout       time.Duration
	MaxTunnelsPerClient int

	MetricsEnabled     bool
	MetricsBindAddress string
	MetricsPort        int
	MetricsPath        string

	TLSMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TLSDomain    string
	CertCacheDir string

	AuditDBPath string

	LogLevel string
}

const (
	defaultClientBindPort = 9000
	defaultServerBindPort = 8080
	defaultWebSocketURI   = "ws://localhost:8080/tunnel"
	defaultRoute          = "127.0.0.1:8888"
	defaultWSPath         = "/tunnel"
	defaultAccountsFile   = "accounts.yaml"
	defaultCertCacheDir   = "./cert"
	defaultMetricsPort    = 9090
	defaultMetricsPath    = "/metrics"
	defaultMaxFrameSize   = 65536
	defaultMaxContentLen  = 65536
	defaultMaxTunnels     = 10
)

const (
	tlsModeOff    = "off"
	tlsModeStatic = "static"
	tlsModeAuto   = "auto"
)

// ParseClientFlags builds a ClientConfig from the environment and args.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		Threads:           envIntOrDefault("THREADS", 1),
		BindAddress:       envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		BindPort:          envIntOrDefault("BIND_PORT", defaultClientBindPort),
		WebSocketURI:      envOrDefault("WEBSOCKET_URI", defaultWebSocketURI),
		AuthToken:         envOrDefault("AUTH_TOKEN", ""),
		Route:             envOrDefault("ROUTE", defaultRoute),
		UseOldProtocol:    envBoolOrDefault("USE_OLD_PROTOCOL", false),
		PingInterval:      time.Duration(envIntOrDefault("PING_INTERVAL_MILLIS", 5000)) * time.Millisecond,
		PingTimeout:       time.Duration(envIntOrDefault("PING_TIMEOUT_MILLIS", 10000)) * time.Millisecond,
		RetryInitialDelay: time.Duration(envIntOrDefault("RETRY_INITIAL_DELAY_SECONDS", 1)) * time.Second,
		RetryMaxDelay:     time.Duration(envIntOrDefault("RETRY_MAX_DELAY_SECONDS", 30)) * time.Second,
		UDPTimeout:        time.Duration(envIntOrDefault("UDP_TIMEOUT", 300)) * time.Second,
		ExitOnFailure:     envBoolOrDefault("EXIT_ON_FAILURE", false),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "UDP listener goroutines (SO_REUSEPORT when > 1)")
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Local UDP bind address")
	fs.IntVar(&cfg.BindPort, "port", cfg.BindPort, "Local UDP bind port")
	fs.StringVar(&cfg.WebSocketURI, "uri", cfg.WebSocketURI, "WebSocket server URI (ws:// or wss://)")
	fs.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "Authentication token")
	fs.StringVar(&cfg.Route, "route", cfg.Route, "Backend route as host:port")
	fs.BoolVar(&cfg.UseOldProtocol, "old-protocol", cfg.UseOldProtocol, "Use the backward-compatible single-tunnel protocol")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return cfg, errors.New("bind port must be between 1 and 65535")
	}
	if err := validateWebSocketURI(cfg.WebSocketURI); err != nil {
		return cfg, err
	}
	if _, _, err := SplitRoute(cfg.Route); err != nil {
		return cfg, fmt.Errorf("invalid ROUTE: %w", err)
	}
	if cfg.PingInterval <= 0 || cfg.PingTimeout <= 0 {
		return cfg, errors.New("ping interval and timeout must be > 0")
	}
	if cfg.RetryInitialDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		return cfg, errors.New("retry delays must satisfy 0 < initial <= max")
	}

	return cfg, nil
}

// ParseServerFlags builds a ServerConfig from the environment and args.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		AccountsFile:         envOrDefault("ACCOUNTS_CONFIG_FILE", defaultAccountsFile),
		ReloadInterval:       time.Duration(envIntOrDefault("ACCOUNTS_RELOAD_INTERVAL_SECONDS", 15)) * time.Second,
		ClientIPHeader:       envOrDefault("CLIENT_IP_HEADER", ""),
		ParentThreads:        envIntOrDefault("PARENT_THREADS", 0),
		ChildThreads:         envIntOrDefault("CHILD_THREADS", 0),
		BindAddress:          envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		BindPort:             envIntOrDefault("BIND_PORT", defaultServerBindPort),
		WSPath:               envOrDefault("WS_PATH", defaultWSPath),
		HTTPMaxContentLength: envIntOrDefault("HTTP_MAX_CONTENT_LENGTH", defaultMaxContentLen),
		MaxFrameSize:         int64(envIntOrDefault("MAX_FRAME_SIZE", defaultMaxFrameSize)),
		TunnelTimeout:        time.Duration(envIntOrDefault("UDP_TUNNEL_TIMEOUT_SECONDS", 300)) * time.Second,
		MaxTunnelsPerClient:  envIntOrDefault("MAX_UDP_TUNNELS_PER_CLIENT", defaultMaxTunnels),
		MetricsEnabled:       envBoolOrDefault("METRICS_ENABLED", true),
		MetricsBindAddress:   envOrDefault("METRICS_BIND_ADDRESS", "0.0.0.0"),
		MetricsPort:          envIntOrDefault("METRICS_PORT", defaultMetricsPort),
		MetricsPath:          envOrDefault("METRICS_PATH", defaultMetricsPath),
		TLSMode:              envOrDefault("TLS_MODE", tlsModeOff),
		TLSCertFile:          envOrDefault("TLS_CERT_FILE", ""),
		TLSKeyFile:           envOrDefault("TLS_KEY_FILE", ""),
		TLSDomain:            envOrDefault("TLS_DOMAIN", ""),
		CertCacheDir:         envOrDefault("CERT_CACHE_DIR", defaultCertCacheDir),
		AuditDBPath:          envOrDefault("AUDIT_DB_PATH", ""),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.AccountsFile, "accounts", cfg.AccountsFile, "Accounts YAML file")
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Listen address")
	fs.IntVar(&cfg.BindPort, "port", cfg.BindPort, "Listen port")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket upgrade path")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.AuditDBPath, "audit-db", cfg.AuditDBPath, "SQLite connection audit database (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return cfg, errors.New("bind port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return cfg, errors.New("WS_PATH must start with /")
	}
	if cfg.MaxFrameSize <= 0 {
		return cfg, errors.New("MAX_FRAME_SIZE must be > 0")
	}
	if cfg.MaxTunnelsPerClient <= 0 || cfg.MaxTunnelsPerClient > 255 {
		return cfg, errors.New("MAX_UDP_TUNNELS_PER_CLIENT must be between 1 and 255")
	}
	if cfg.TunnelTimeout <= 0 {
		return cfg, errors.New("UDP_TUNNEL_TIMEOUT_SECONDS must be > 0")
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch cfg.TLSMode {
	case tlsModeOff, tlsModeStatic, tlsModeAuto:
	default:
		return cfg, errors.New("tls mode must be one of: off, static, auto")
	}
	if cfg.TLSMode == tlsModeStatic && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return cfg, errors.New("tls mode static requires TLS_CERT_FILE and TLS_KEY_FILE")
	}
	if cfg.TLSMode == tlsModeAuto && cfg.TLSDomain == "" {
		return cfg, errors.New("tls mode auto requires TLS_DOMAIN")
	}

	return cfg, nil
}

// SplitRoute validates a "host:port" route string and returns its parts.
func SplitRoute(route string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(route))
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("route host must not be empty")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("route port: %w", err)
	}
	if port <= 0 || port > 65535 {
		return "", 0, errors.New("route port must be between 1 and 65535")
	}
	return host, port, nil
}

func validateWebSocketURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid WEBSOCKET_URI: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("WEBSOCKET_URI scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("WEBSOCKET_URI must include a host")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}
