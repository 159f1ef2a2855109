package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// HealthChecker reports service and dependency health for k8s probes.
type HealthChecker struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthChecker creates a new health checker. Either dependency may be
// nil, in which case it is skipped.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient}
}

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the health of a single dependency.
type DependencyStatus struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ms,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness is a liveness probe: 200 whenever the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness checks all dependencies and returns 503 when unhealthy.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check performs the dependency health check.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := h.checkDatabase(ctx)
		status.Dependencies["database"] = dep
		if dep.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	if h.redis != nil {
		dep := h.checkRedis(ctx)
		status.Dependencies["redis"] = dep
		// The identity cache is best-effort; a down Redis degrades but does
		// not fail the service.
		if dep.Status == StatusUnhealthy && status.Status != StatusUnhealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}

	if err := h.db.PingContext(ctx); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		dep.Latency = time.Since(start)
		return dep
	}

	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = "query failed: " + err.Error()
	}
	dep.Latency = time.Since(start)
	return dep
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	dep.Latency = time.Since(start)
	return dep
}

// RegisterHealthEndpoints registers liveness and readiness probes.
func RegisterHealthEndpoints(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/healthz", checker.Liveness)
	mux.HandleFunc("/readyz", checker.Readiness)
}
