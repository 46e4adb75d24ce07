package handler

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthHandler reports process and dependency health (§5 ambient ops
// surface). Adapted from the teacher's DashboardHandler.GetSystemMetrics:
// same gopsutil CPU/RAM/disk sampling and goroutine count, generalized from
// a dashboard-only metrics card into a liveness/readiness endpoint that
// also pings the database and Redis. Queue depths are reported only when a
// queueDepths func is supplied; cmd/server passes nil, so the "queues"
// field is omitted from the served response.
type HealthHandler struct {
	db          *sql.DB
	redis       *redis.Client
	queueDepths func() map[string]int
}

func NewHealthHandler(db *sql.DB, rdb *redis.Client, queueDepths func() map[string]int) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, queueDepths: queueDepths}
}

var processStartedAt = time.Now()

type healthResponse struct {
	Status      string         `json:"status"` // "ok" | "degraded"
	UptimeSec   int64          `json:"uptimeSeconds"`
	Goroutines  int            `json:"goroutines"`
	CPUPercent  float64        `json:"cpuPercent"`
	RAMPercent  float64        `json:"ramPercent"`
	DiskPercent float64        `json:"diskPercent"`
	Database    string         `json:"database"` // "ok" | "down"
	Redis       string         `json:"redis"`    // "ok" | "down"
	Queues      map[string]int `json:"queues,omitempty"`
}

// ServeHTTP handles GET /api/health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus := "ok"
	if err := h.db.PingContext(ctx); err != nil {
		dbStatus = "down"
	}

	redisStatus := "ok"
	if err := h.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "down"
	}

	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	var cpuPercent float64
	if err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	var ramPercent, diskPercent float64
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPercent = memStat.UsedPercent
	}
	if diskStat, err := disk.UsageWithContext(ctx, "."); err == nil {
		diskPercent = diskStat.UsedPercent
	}

	status := "ok"
	if dbStatus == "down" || redisStatus == "down" {
		status = "degraded"
	}

	resp := healthResponse{
		Status:      status,
		UptimeSec:   int64(time.Since(processStartedAt).Seconds()),
		Goroutines:  runtime.NumGoroutine(),
		CPUPercent:  roundTo2(cpuPercent),
		RAMPercent:  roundTo2(ramPercent),
		DiskPercent: roundTo2(diskPercent),
		Database:    dbStatus,
		Redis:       redisStatus,
	}
	if h.queueDepths != nil {
		resp.Queues = h.queueDepths()
	}

	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

func roundTo2(val float64) float64 {
	return float64(int(val*100)) / 100
}
