// Package ratelimit throttles chatty clients with per-address token buckets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"golang.org/x/time/rate"
)

// GlobalLabel names the limits that apply when no override matches.
const GlobalLabel = "global"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Action  config.RateLimitAction
	// Label is the override name, or GlobalLabel.
	Label string
}

// Manager enforces per-client rate limiting using token buckets.
type Manager struct {
	cfg        *config.RateLimitConfig
	logger     *logging.Logger
	overrides  []overrideMatcher
	ipOverride map[string]int

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	settings limiterSettings
}

type overrideMatcher struct {
	cidrs    []netip.Prefix
	settings limiterSettings
}

type limiterSettings struct {
	limit  rate.Limit
	burst  int
	action config.RateLimitAction
	label  string
}

// NewManager creates a rate limit manager, or nil when rate limiting is
// disabled. A nil *Manager allows everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[string]*clientLimiter, 128),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		ipOverride: make(map[string]int),
	}

	m.parseOverrides()

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Allow consumes a token for clientIP.
func (m *Manager) Allow(clientIP string) Decision {
	if m == nil || clientIP == "" {
		return Decision{Allowed: true, Label: GlobalLabel}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.getLimiterLocked(clientIP)
	entry.lastSeen = m.now()
	return Decision{
		Allowed: entry.limiter.AllowN(entry.lastSeen, 1),
		Action:  entry.settings.action,
		Label:   entry.settings.label,
	}
}

// LogViolations reports whether violations should be logged.
func (m *Manager) LogViolations() bool {
	if m == nil || m.cfg == nil {
		return false
	}
	return m.cfg.LogViolations
}

// TrackedClients returns the number of clients with a live bucket.
func (m *Manager) TrackedClients() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates background cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	idle := m.cfg.MaxIdleTime
	if idle <= 0 {
		idle = m.cfg.CleanupInterval
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > idle {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiterLocked(clientIP string) *clientLimiter {
	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
		m.evictOldestLocked()
	}

	settings := m.settingsForIP(clientIP)
	entry := &clientLimiter{
		limiter:  rate.NewLimiter(settings.limit, settings.burst),
		lastSeen: m.now(),
		settings: settings,
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time

	for ip, entry := range m.clients {
		if oldestIP == "" || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}

func (m *Manager) settingsForIP(clientIP string) limiterSettings {
	if idx, ok := m.ipOverride[clientIP]; ok {
		return m.overrides[idx].settings
	}

	if addr, err := netip.ParseAddr(clientIP); err == nil {
		for _, ov := range m.overrides {
			for _, prefix := range ov.cidrs {
				if prefix.Contains(addr) {
					return ov.settings
				}
			}
		}
	}

	return limiterSettings{
		limit:  rate.Limit(m.cfg.RequestsPerSecond),
		burst:  m.cfg.Burst,
		action: m.cfg.Action,
		label:  GlobalLabel,
	}
}

func (m *Manager) parseOverrides() {
	for idx, ov := range m.cfg.Overrides {
		matcher := overrideMatcher{
			settings: limiterSettings{
				limit:  rate.Limit(m.cfg.RequestsPerSecond),
				burst:  m.cfg.Burst,
				action: m.cfg.Action,
				label:  ov.Name,
			},
		}

		if ov.RequestsPerSecond != nil {
			matcher.settings.limit = rate.Limit(*ov.RequestsPerSecond)
		}
		if ov.Burst != nil {
			matcher.settings.burst = *ov.Burst
		}
		if ov.Action != nil {
			matcher.settings.action = *ov.Action
		}

		for _, cidr := range ov.CIDRs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				m.logger.Warn("Invalid rate limit override CIDR",
					"override", ov.Name,
					"value", cidr,
					"index", idx,
					"error", err)
				continue
			}
			matcher.cidrs = append(matcher.cidrs, prefix)
		}

		if len(ov.Clients) == 0 && len(matcher.cidrs) == 0 {
			continue
		}

		for _, ip := range ov.Clients {
			m.ipOverride[ip] = len(m.overrides)
		}
		m.overrides = append(m.overrides, matcher)
	}
}
