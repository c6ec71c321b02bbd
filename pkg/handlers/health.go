package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/config"
)

// healthCheckTimeout bounds the store ping done by /health.
const healthCheckTimeout = 2 * time.Second

// HealthChecker reports whether a backing dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Error  string `json:"error,omitempty"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Service      string `json:"service"`
	GoVersion    string `json:"go_version"`
	Hostname     string `json:"hostname"`
	Environment  string `json:"environment"`
	StoreBackend string `json:"store_backend"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	store  HealthChecker
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. store may be nil, in which case /health
// only reports that the process is up.
func NewHealthHandler(cfg *config.Config, store HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, store: store, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
// Returns 503 when the segment store does not answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok", Store: "unchecked"}
	status := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := h.store.HealthCheck(ctx); err != nil {
			h.logger.Warn("Segment store health check failed", zap.Error(err))
			response.Status = "degraded"
			response.Store = "unreachable"
			response.Error = "segment store unreachable"
			status = http.StatusServiceUnavailable
		} else {
			response.Store = "ok"
		}
	}

	if err := WriteJSON(w, status, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:       "ok",
		Version:      h.cfg.Version,
		Service:      "ekaya-segments",
		GoVersion:    runtime.Version(),
		Hostname:     hostname,
		Environment:  h.cfg.Env,
		StoreBackend: h.cfg.SegmentStore.Backend,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
