package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/captionq/internal/api/shared"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/health"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/task"
)

// QueueAdmin is the part of the queue manager used by operators.
type QueueAdmin interface {
	Stats(ctx context.Context) (*queue.QueueStats, error)
	MigrateFromDurableStore(ctx context.Context) (int, error)
	PendingFallbackCount(ctx context.Context) (int, error)
}

// WorkerPool is the worker manager as seen by operators.
type WorkerPool interface {
	WorkerHealth(ctx context.Context) *task.Health
	ScaleTier(ctx context.Context, tier domain.Priority, delta int) (int, error)
	UnitCount() int
}

// BrokerStatus reports the broker health state machine.
type BrokerStatus interface {
	Status() health.Status
}

// AdminHandler serves the status and operator endpoints.
type AdminHandler struct {
	queue   QueueAdmin
	workers WorkerPool
	broker  BrokerStatus
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler. workers may be nil when this
// process runs no worker units.
func NewAdminHandler(q QueueAdmin, workers WorkerPool, broker BrokerStatus, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		queue:   q,
		workers: workers,
		broker:  broker,
		logger:  logger.With("component", "admin_handler"),
	}
}

// QueueStats handles GET /api/queue/stats.
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to collect queue statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Workers handles GET /api/workers.
func (h *AdminHandler) Workers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		shared.RespondWithJSON(w, r, http.StatusOK, &task.Health{Units: []task.UnitStatus{}})
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, h.workers.WorkerHealth(r.Context()))
}

// Broker handles GET /api/broker.
func (h *AdminHandler) Broker(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.broker.Status())
}

// ScaleWorkers handles POST /api/workers/scale.
func (h *AdminHandler) ScaleWorkers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		shared.RespondWithError(w, r, http.StatusConflict, "This process runs no worker units")
		return
	}
	var req ScaleRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	changed, err := h.workers.ScaleTier(r.Context(), domain.Priority(req.Tier), req.Delta)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to scale workers")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ScaleResponse{
		Tier:    req.Tier,
		Changed: changed,
		Units:   h.workers.UnitCount(),
	})
}

// Migrate handles POST /api/queue/migrate. The drain runs inline; a broker
// failure part way reports the records imported so far with 503.
func (h *AdminHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	imported, err := h.queue.MigrateFromDurableStore(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "manual fallback drain stopped", "imported", imported, "error", err)
		HandleAPIError(w, r, err, "Failed to migrate fallback tasks")
		return
	}
	pending, err := h.queue.PendingFallbackCount(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to count fallback tasks")
		return
	}
	h.logger.InfoContext(r.Context(), "manual fallback drain finished", "imported", imported, "pending", pending)
	shared.RespondWithJSON(w, r, http.StatusOK, MigrateResponse{Imported: imported, Pending: pending})
}

// Health handles GET /health. It answers 200 while tasks can be accepted,
// which includes the fallback states, and reports "degraded" whenever the
// broker is not healthy.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Broker: h.broker.Status()}
	if resp.Broker.State != health.StateHealthy {
		resp.Status = "degraded"
	}
	if !resp.Broker.FallbackActive {
		if stats, err := h.queue.Stats(r.Context()); err == nil {
			resp.Queue = stats
		} else {
			resp.Status = "degraded"
		}
	}
	if h.workers != nil {
		resp.Workers = h.workers.WorkerHealth(r.Context())
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
