package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStatser is satisfied by *redisclient.JobQueue.
type QueueStatser interface {
	Stats(ctx context.Context) (redisclient.QueueStats, error)
}

type HealthHandler struct {
	pg      Pinger
	redis   *redis.Client
	queue   QueueStatser
	env     string
	version string
}

func NewHealthHandler(pg Pinger, redis *redis.Client, queue QueueStatser, env, version string) *HealthHandler {
	return &HealthHandler{
		pg:      pg,
		redis:   redis,
		queue:   queue,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string                  `json:"status"`
	Version      string                  `json:"version,omitempty"`
	Env          string                  `json:"env,omitempty"`
	Dependencies map[string]string       `json:"dependencies"`
	Reminders    *redisclient.QueueStats `json:"reminders,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness reports "error" when Postgres is down. Redis only holds locks and
// reminder jobs, so losing it degrades the service without stopping bookings.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	pgCtx, pgCancel := context.WithTimeout(ctx, 1*time.Second)
	err := h.pg.Ping(pgCtx)
	pgCancel()
	if err != nil {
		deps["postgres"] = "down"
		status = "error"
	} else {
		deps["postgres"] = "ok"
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 1*time.Second)
	err = h.redis.Ping(redisCtx).Err()
	redisCancel()
	if err != nil {
		deps["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		deps["redis"] = "ok"
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}

	if h.queue != nil && deps["redis"] == "ok" {
		if stats, err := h.queue.Stats(ctx); err == nil {
			resp.Reminders = &stats
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}
