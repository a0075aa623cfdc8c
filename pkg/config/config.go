package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream DNS servers, tried in order
	UpstreamDNSServers []string        `yaml:"upstream_dns_servers"`
	Forwarder          ForwarderConfig `yaml:"forwarder"`

	// Blocklists and filtering
	Blocklists BlocklistConfig   `yaml:"blocklists"`
	Blocking   BlockingConfig    `yaml:"blocking"`
	Overrides  map[string]string `yaml:"overrides"`

	// Display names for known client addresses
	ClientNames map[string]string `yaml:"client_names"`

	// Collaborators
	Risk   RiskConfig   `yaml:"risk"`
	Notify NotifyConfig `yaml:"notify"`

	// Per-client activity ledger
	Ledger LedgerConfig `yaml:"ledger"`

	// Rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Error reporting
	Errors ErrorsConfig `yaml:"errors"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
	WebUIAddress  string `yaml:"web_ui_address"`
}

// ForwarderConfig holds upstream forwarding settings
type ForwarderConfig struct {
	Timeout time.Duration `yaml:"timeout"` // per upstream attempt
	Net     string        `yaml:"net"`     // udp or tcp
}

// BlocklistConfig describes where the two block sets come from.
// Sources may be local paths or http(s) URLs.
type BlocklistConfig struct {
	AdsSource      string        `yaml:"ads_source"`
	PhishingSource string        `yaml:"phishing_source"`
	PhishingField  string        `yaml:"phishing_field"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	AutoUpdate     bool          `yaml:"auto_update"`
	WatchFiles     bool          `yaml:"watch_files"`
}

// BlockingConfig holds the synthetic answer settings
type BlockingConfig struct {
	SinkholeIP string `yaml:"sinkhole_ip"`
	TTL        uint32 `yaml:"ttl"`
}

// RiskFailMode selects what a failed risk evaluation means.
type RiskFailMode string

const (
	// RiskFailOpen treats a failed evaluation as low risk.
	RiskFailOpen RiskFailMode = "open"
	// RiskFailClosed treats a failed evaluation as maximum risk.
	RiskFailClosed RiskFailMode = "closed"
)

// RiskConfig configures the risk-scoring collaborator
type RiskConfig struct {
	Provider  string        `yaml:"provider"` // heuristic, http, none
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold float64       `yaml:"threshold"` // (0, 100]; 0 selects the default of 60
	FailMode  RiskFailMode  `yaml:"fail_mode"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Rules     []RiskRule    `yaml:"rules"`
}

// RiskRule is a single heuristic rule. When is an expr-lang boolean expression.
type RiskRule struct {
	Name   string  `yaml:"name"`
	When   string  `yaml:"when"`
	Score  float64 `yaml:"score"`
	Reason string  `yaml:"reason"`
}

// NotifyConfig configures block notifications
type NotifyConfig struct {
	WebhookURL  string        `yaml:"webhook_url"`
	Username    string        `yaml:"username"`
	AvatarURL   string        `yaml:"avatar_url"`
	MaxAttempts uint          `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	QueueSize   int           `yaml:"queue_size"`
}

// LedgerConfig bounds the per-client query log
type LedgerConfig struct {
	MaxEntriesPerClient int `yaml:"max_entries_per_client"`
}

// RateLimitAction is what happens to a query over the limit.
type RateLimitAction string

const (
	// RateLimitActionDrop drops the query without reply.
	RateLimitActionDrop RateLimitAction = "drop"
	// RateLimitActionRefuse answers REFUSED.
	RateLimitActionRefuse RateLimitAction = "refuse"
)

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled           bool            `yaml:"enabled"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	Action            RateLimitAction `yaml:"action"`
	LogViolations     bool            `yaml:"log_violations"`
	CleanupInterval   time.Duration   `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration   `yaml:"max_idle_time"`
	MaxTrackedClients int             `yaml:"max_tracked_clients"`

	Overrides []RateLimitOverride `yaml:"overrides"`
}

// RateLimitOverride applies different limits to specific clients or networks.
// Unset fields inherit the global values.
type RateLimitOverride struct {
	Name              string           `yaml:"name"`
	Clients           []string         `yaml:"clients"`
	CIDRs             []string         `yaml:"cidrs"`
	RequestsPerSecond *float64         `yaml:"requests_per_second"`
	Burst             *int             `yaml:"burst"`
	Action            *RateLimitAction `yaml:"action"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// ErrorsConfig holds error reporting settings
type ErrorsConfig struct {
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}
	if c.Server.WebUIAddress == "" {
		c.Server.WebUIAddress = ":3000"
	}

	// Upstream DNS defaults
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"8.8.8.8:53",
			"1.1.1.1:53",
		}
	}
	if c.Forwarder.Timeout == 0 {
		c.Forwarder.Timeout = 2 * time.Second
	}
	if c.Forwarder.Net == "" {
		c.Forwarder.Net = "udp"
	}

	// Blocklist defaults
	if c.Blocklists.PhishingField == "" {
		c.Blocklists.PhishingField = "blockedDomains"
	}
	if c.Blocklists.UpdateInterval == 0 {
		c.Blocklists.UpdateInterval = 24 * time.Hour
	}

	// Blocking defaults
	if c.Blocking.SinkholeIP == "" {
		c.Blocking.SinkholeIP = "0.0.0.0"
	}
	if c.Blocking.TTL == 0 {
		c.Blocking.TTL = 300
	}

	// Risk defaults
	if c.Risk.Provider == "" {
		if c.Risk.Endpoint != "" {
			c.Risk.Provider = "http"
		} else {
			c.Risk.Provider = "heuristic"
		}
	}
	if c.Risk.Timeout == 0 {
		c.Risk.Timeout = 3 * time.Second
	}
	// 0 is the unset value, so it always means the default.
	if c.Risk.Threshold == 0 {
		c.Risk.Threshold = 60
	}
	if c.Risk.FailMode == "" {
		c.Risk.FailMode = RiskFailOpen
	}
	if c.Risk.CacheTTL == 0 {
		c.Risk.CacheTTL = 10 * time.Minute
	}

	// Notification defaults
	if c.Notify.Username == "" {
		c.Notify.Username = "CleanNET DNS Bot"
	}
	if c.Notify.MaxAttempts == 0 {
		c.Notify.MaxAttempts = 3
	}
	if c.Notify.Backoff == 0 {
		c.Notify.Backoff = time.Second
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}

	// Ledger defaults
	if c.Ledger.MaxEntriesPerClient == 0 {
		c.Ledger.MaxEntriesPerClient = 1000
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.Action == "" {
		c.RateLimit.Action = RateLimitActionRefuse
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 10 * time.Minute
	}
	if c.RateLimit.MaxIdleTime == 0 {
		c.RateLimit.MaxIdleTime = 30 * time.Minute
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "cleannet"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	// Validate upstream servers
	if len(c.UpstreamDNSServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}
	if c.Forwarder.Timeout <= 0 {
		return fmt.Errorf("forwarder.timeout must be positive")
	}
	if c.Forwarder.Net != "udp" && c.Forwarder.Net != "tcp" {
		return fmt.Errorf("invalid forwarder.net: %s (must be udp or tcp)", c.Forwarder.Net)
	}

	// Validate blocking answer
	if ip := net.ParseIP(c.Blocking.SinkholeIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("blocking.sinkhole_ip must be an IPv4 literal, got %q", c.Blocking.SinkholeIP)
	}

	// Validate overrides
	for domain, target := range c.Overrides {
		if ip := net.ParseIP(target); ip == nil || ip.To4() == nil {
			return fmt.Errorf("override for %s must be an IPv4 literal, got %q", domain, target)
		}
	}

	// Validate risk settings
	switch c.Risk.Provider {
	case "heuristic", "none":
	case "http":
		if c.Risk.Endpoint == "" {
			return fmt.Errorf("risk.endpoint must be set when provider is 'http'")
		}
	default:
		return fmt.Errorf("invalid risk.provider: %s (must be heuristic, http, or none)", c.Risk.Provider)
	}
	if c.Risk.FailMode != RiskFailOpen && c.Risk.FailMode != RiskFailClosed {
		return fmt.Errorf("invalid risk.fail_mode: %s (must be open or closed)", c.Risk.FailMode)
	}
	if c.Risk.Threshold <= 0 || c.Risk.Threshold > 100 {
		return fmt.Errorf("risk.threshold must be greater than 0 and at most 100, got %v", c.Risk.Threshold)
	}
	for i, rule := range c.Risk.Rules {
		if rule.When == "" {
			return fmt.Errorf("risk.rules[%d]: when cannot be empty", i)
		}
	}

	// Validate ledger
	if c.Ledger.MaxEntriesPerClient < 0 {
		return fmt.Errorf("ledger.max_entries_per_client cannot be negative")
	}

	// Validate rate limit action
	if c.RateLimit.Action != RateLimitActionDrop && c.RateLimit.Action != RateLimitActionRefuse {
		return fmt.Errorf("invalid rate_limit.action: %s (must be drop or refuse)", c.RateLimit.Action)
	}
	for _, ov := range c.RateLimit.Overrides {
		if ov.Action != nil && *ov.Action != RateLimitActionDrop && *ov.Action != RateLimitActionRefuse {
			return fmt.Errorf("invalid action for rate limit override %s: %s", ov.Name, *ov.Action)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
