package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/api/response"
)

const (
	healthCheckTimeout  = 3 * time.Second
	memoryDegradedRatio = 90.0
	bytesPerMB          = 1024 * 1024
)

// Pinger is any dependency with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewLiveHandler returns GET /health/live. It never touches dependencies.
func NewLiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.Raw(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

type readyResponse struct {
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

// NewReadyHandler returns GET /health/ready.
func NewReadyHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		dbOK := db.Ping(ctx) == nil
		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}
		response.Raw(w, status, readyResponse{Ready: dbOK, Checks: map[string]bool{"database": dbOK}})
	}
}

type dependencyCheck struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"responseTime"`
	Message      string `json:"message,omitempty"`
}

type memoryCheck struct {
	Status      string  `json:"status"`
	UsedMB      float64 `json:"usedMB"`
	TotalMB     float64 `json:"totalMB"`
	PercentUsed float64 `json:"percentUsed"`
}

type healthChecks struct {
	Database dependencyCheck  `json:"database"`
	Cache    *dependencyCheck `json:"cache,omitempty"`
	Memory   memoryCheck      `json:"memory"`
}

type healthResponse struct {
	Status  string       `json:"status"`
	Uptime  float64      `json:"uptime"`
	Version string       `json:"version"`
	Checks  healthChecks `json:"checks"`
}

// NewHealthHandler returns GET /health with per-dependency detail. cache may
// be nil.
func NewHealthHandler(db, cache Pinger, version string, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		res := healthResponse{
			Status:  "healthy",
			Uptime:  time.Since(started).Seconds(),
			Version: version,
			Checks: healthChecks{
				Database: check(ctx, db),
				Memory:   memory(),
			},
		}
		if cache != nil {
			c := check(ctx, cache)
			res.Checks.Cache = &c
		}

		status := http.StatusOK
		switch {
		case res.Checks.Database.Status != "up":
			res.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		case res.Checks.Cache != nil && res.Checks.Cache.Status != "up",
			res.Checks.Memory.Status != "ok":
			res.Status = "degraded"
		}
		response.Raw(w, status, res)
	}
}

func check(ctx context.Context, p Pinger) dependencyCheck {
	start := time.Now()
	err := p.Ping(ctx)
	c := dependencyCheck{Status: "up", ResponseTime: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = "down"
		c.Message = err.Error()
	}
	return c
}

// memory reports heap in use against memory obtained from the OS.
func memory() memoryCheck {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	used := float64(m.HeapAlloc) / bytesPerMB
	total := float64(m.Sys) / bytesPerMB
	var pct float64
	if total > 0 {
		pct = used / total * 100
	}
	status := "ok"
	if pct >= memoryDegradedRatio {
		status = "high"
	}
	return memoryCheck{Status: status, UsedMB: round2(used), TotalMB: round2(total), PercentUsed: round2(pct)}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
