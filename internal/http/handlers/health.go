package handlers

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"

	slowPing = 100 * time.Millisecond
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	circuits  func() map[string]string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the SQL storage connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithCircuitStates sets the source of per-host origin breaker states.
func (h *HealthHandler) WithCircuitStates(fn func() map[string]string) *HealthHandler {
	h.circuits = fn
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ProbeOutput is the output of both probes.
type ProbeOutput struct {
	Body ProbeResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns node health including host load, storage backend and origin breakers",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the node.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	db := h.databaseHealth(ctx)
	breakers := h.circuitBreakers()

	status := statusHealthy
	if db.Status == "error" {
		status = statusDegraded
	}
	for _, b := range breakers {
		if b.State == "open" {
			status = statusDegraded
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       cpuInfo(ctx),
			Memory:        memoryInfo(ctx),
			Components: HealthComponents{
				Database:        db,
				CircuitBreakers: breakers,
			},
		},
	}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(context.Context, *LivezInput) (*ProbeOutput, error) {
	return &ProbeOutput{Body: ProbeResponse{Status: "ok"}}, nil
}

// GetReadyz reports whether the storage backend is reachable. Nodes
// without a SQL backend are always ready.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ProbeOutput, error) {
	db := h.databaseHealth(ctx)
	status := "ready"
	if db.Status == "error" {
		status = "not_ready"
	}
	return &ProbeOutput{Body: ProbeResponse{
		Status:     status,
		Components: map[string]string{"database": db.Status},
	}}, nil
}

func (h *HealthHandler) circuitBreakers() []CircuitBreakerStatus {
	out := []CircuitBreakerStatus{}
	if h.circuits == nil {
		return out
	}
	for host, state := range h.circuits() {
		out = append(out, CircuitBreakerStatus{Host: host, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func cpuInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.AvgWithContext(ctx)
	if err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo(ctx context.Context) MemoryInfo {
	const mib = 1024 * 1024
	info := MemoryInfo{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / mib
		info.UsedMemoryMB = float64(vm.Used) / mib
		info.AvailableMemoryMB = float64(vm.Available) / mib
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil { //nolint:gosec // pid fits
		if m, err := proc.MemoryInfoWithContext(ctx); err == nil && m != nil {
			info.ProcessMemoryMB = float64(m.RSS) / mib
		}
	}
	return info
}

func (h *HealthHandler) databaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "not_configured"}
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		return DatabaseHealth{Status: "error"}
	}

	stats := sqlDB.Stats()
	health := DatabaseHealth{
		Status:            "ok",
		OpenConnections:   stats.OpenConnections,
		ActiveConnections: stats.InUse,
		IdleConnections:   stats.Idle,
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	elapsed := time.Since(start)
	health.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000

	switch {
	case err != nil:
		health.Status = "error"
	case elapsed > slowPing:
		health.Status = "slow"
	}
	return health
}
