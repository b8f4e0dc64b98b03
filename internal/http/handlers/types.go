// Package handlers provides the huma API handlers of a segswarm node.
package handlers

import (
	"github.com/jmylchreest/segswarm/internal/engine"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string           `json:"status" doc:"healthy or degraded"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu_info"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// CPUInfo reports host load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory in MiB.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
}

// HealthComponents reports the state of the node's dependencies.
type HealthComponents struct {
	Database        DatabaseHealth         `json:"database"`
	CircuitBreakers []CircuitBreakerStatus `json:"circuit_breakers"`
}

// DatabaseHealth reports the SQL storage backend. Status is
// "not_configured" for in-memory storage.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	OpenConnections   int     `json:"open_connections"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// CircuitBreakerStatus is the breaker state of one origin host.
type CircuitBreakerStatus struct {
	Host  string `json:"host"`
	State string `json:"state" enum:"closed,open,half-open"`
}

// ProbeResponse is the body of the liveness and readiness probes.
type ProbeResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	engine.Stats
	StorageHuman StorageHuman `json:"storage_human"`
}

// StorageHuman renders storage usage in human units.
type StorageHuman struct {
	Used     string `json:"used"`
	Capacity string `json:"capacity"`
}

// StreamResponse describes one registered stream.
type StreamResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Index       int    `json:"index"`
	ManifestURL string `json:"manifest_url"`
	IsLive      bool   `json:"is_live"`
	Segments    int    `json:"segments"`
	Active      bool   `json:"active"`
}
