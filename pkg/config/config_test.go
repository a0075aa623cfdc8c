package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Values from file
	assert.Equal(t, ":5353", cfg.Server.ListenAddress)
	assert.Equal(t, []string{"9.9.9.9:53", "1.1.1.1"}, cfg.UpstreamDNSServers)
	assert.Equal(t, "./CleanNET/ads.txt", cfg.Blocklists.AdsSource)
	assert.Equal(t, "127.0.0.1", cfg.Overrides["test.local"])
	assert.Equal(t, "Office PC", cfg.ClientNames["192.168.1.120"])
	assert.Equal(t, RiskFailClosed, cfg.Risk.FailMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Defaults
	assert.True(t, cfg.Server.UDPEnabled)
	assert.False(t, cfg.Server.TCPEnabled)
	assert.Equal(t, ":3000", cfg.Server.WebUIAddress)
	assert.Equal(t, 2*time.Second, cfg.Forwarder.Timeout)
	assert.Equal(t, "blockedDomains", cfg.Blocklists.PhishingField)
	assert.Equal(t, 24*time.Hour, cfg.Blocklists.UpdateInterval)
	assert.Equal(t, "0.0.0.0", cfg.Blocking.SinkholeIP)
	assert.Equal(t, uint32(300), cfg.Blocking.TTL)
	assert.Equal(t, float64(60), cfg.Risk.Threshold)
	assert.Equal(t, 1000, cfg.Ledger.MaxEntriesPerClient)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	require.NotNil(t, cfg)

	assert.Equal(t, ":53", cfg.Server.ListenAddress)
	assert.True(t, cfg.Server.UDPEnabled)
	assert.True(t, cfg.Server.TCPEnabled)
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53"}, cfg.UpstreamDNSServers)
	assert.Equal(t, "heuristic", cfg.Risk.Provider)
	assert.Equal(t, RiskFailOpen, cfg.Risk.FailMode)
	assert.Equal(t, 3*time.Second, cfg.Risk.Timeout)
	assert.Equal(t, uint(3), cfg.Notify.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestApplyDefaults_HTTPProviderFromEndpoint(t *testing.T) {
	cfg := &Config{Risk: RiskConfig{Endpoint: "https://risk.example/api"}}
	cfg.applyDefaults()
	assert.Equal(t, "http", cfg.Risk.Provider)
}

func TestLoad_ZeroThresholdMeansDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("upstream_dns_servers: [\"1.1.1.1\"]\nrisk:\n  threshold: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, float64(60), cfg.Risk.Threshold)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty listen address", mutate: func(c *Config) { c.Server.ListenAddress = "" }, wantErr: true},
		{name: "no upstream servers", mutate: func(c *Config) { c.UpstreamDNSServers = nil }, wantErr: true},
		{name: "zero forwarder timeout", mutate: func(c *Config) { c.Forwarder.Timeout = 0 }, wantErr: true},
		{name: "bad forwarder net", mutate: func(c *Config) { c.Forwarder.Net = "quic" }, wantErr: true},
		{name: "sinkhole not an IP", mutate: func(c *Config) { c.Blocking.SinkholeIP = "nowhere" }, wantErr: true},
		{name: "sinkhole IPv6", mutate: func(c *Config) { c.Blocking.SinkholeIP = "::" }, wantErr: true},
		{name: "override hostname target", mutate: func(c *Config) { c.Overrides = map[string]string{"test.local": "localhost"} }, wantErr: true},
		{name: "override IPv4 target", mutate: func(c *Config) { c.Overrides = map[string]string{"test.local": "127.0.0.1"} }},
		{name: "http provider without endpoint", mutate: func(c *Config) { c.Risk.Provider = "http" }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.Risk.Provider = "oracle" }, wantErr: true},
		{name: "unknown fail mode", mutate: func(c *Config) { c.Risk.FailMode = "sometimes" }, wantErr: true},
		{name: "threshold out of range", mutate: func(c *Config) { c.Risk.Threshold = 150 }, wantErr: true},
		{name: "threshold zero after defaults", mutate: func(c *Config) { c.Risk.Threshold = 0 }, wantErr: true},
		{name: "threshold negative", mutate: func(c *Config) { c.Risk.Threshold = -1 }, wantErr: true},
		{name: "threshold at maximum", mutate: func(c *Config) { c.Risk.Threshold = 100 }},
		{name: "rule without expression", mutate: func(c *Config) { c.Risk.Rules = []RiskRule{{Name: "empty"}} }, wantErr: true},
		{name: "bad rate limit action", mutate: func(c *Config) { c.RateLimit.Action = "tarpit" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "invalid" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "file output without path", mutate: func(c *Config) { c.Logging.Output = "file" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	assert.Error(t, err)
}
