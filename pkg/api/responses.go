package api

import (
	"cleannet/pkg/blocklist"
	"cleannet/pkg/ledger"
	"cleannet/pkg/override"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// BlocklistsResponse summarises both block sets.
type BlocklistsResponse struct {
	Lists []blocklist.ListStatus `json:"lists"`
}

// DomainsResponse is one page of a block set.
type DomainsResponse struct {
	List    blocklist.List `json:"list"`
	Domains []string       `json:"domains"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// BlocklistReloadResponse represents blocklist reload result
type BlocklistReloadResponse struct {
	Status  string                 `json:"status"`
	Lists   []blocklist.ListStatus `json:"lists"`
	Message string                 `json:"message,omitempty"`
}

// ClientSummary is one ledger record without its log.
type ClientSummary struct {
	Client    string `json:"client"`
	Name      string `json:"name,omitempty"`
	Queries   uint64 `json:"queries"`
	Retained  int    `json:"retained"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// ClientsResponse lists every client seen since startup.
type ClientsResponse struct {
	Clients []ClientSummary `json:"clients"`
	Total   int             `json:"total"`
}

// ClientResponse is one client with its retained query log.
type ClientResponse struct {
	ledger.ClientSnapshot
	Name    string `json:"name,omitempty"`
	Evicted uint64 `json:"evicted"`
}

// OverridesResponse lists the override table.
type OverridesResponse struct {
	Overrides []override.Entry `json:"overrides"`
}

// SystemResponse reports host, process and engine metrics.
type SystemResponse struct {
	CPUPercent   float64     `json:"cpu_percent"`
	MemUsed      uint64      `json:"mem_used_bytes"`
	MemTotal     uint64      `json:"mem_total_bytes"`
	MemPercent   float64     `json:"mem_percent"`
	TemperatureC *float64    `json:"temperature_c,omitempty"`
	Goroutines   int         `json:"goroutines"`
	Uptime       string      `json:"uptime"`
	Engine       EngineStats `json:"engine"`
}

// EngineStats sizes the block sets, override table and client ledger.
type EngineStats struct {
	AdDomains       int    `json:"ad_domains"`
	PhishingDomains int    `json:"phishing_domains"`
	Overrides       int    `json:"overrides"`
	Clients         int    `json:"clients"`
	Queries         uint64 `json:"queries"`
	RetainedEntries int    `json:"retained_entries"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
