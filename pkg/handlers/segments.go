package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/middleware"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// IdempotencyKeyHeader lets a client retry POST /api/segments without creating duplicates.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxRequestBodyBytes bounds request bodies; descriptions are at most 2000 characters.
const maxRequestBodyBytes = 64 << 10

// ============================================================================
// Request/Response Types
// ============================================================================

// CreateSegmentRequest for POST /api/segments
type CreateSegmentRequest struct {
	Description string `json:"description"`
	CreatedBy   string `json:"created_by,omitempty"`
}

// SegmentListResponse for GET /api/segments
type SegmentListResponse struct {
	Segments []*models.Segment `json:"segments"`
	Total    int               `json:"total"`
}

// ============================================================================
// Handler
// ============================================================================

// SegmentsHandler handles segment lifecycle HTTP requests.
type SegmentsHandler struct {
	segmentService services.SegmentService
	logger         *zap.Logger
}

// NewSegmentsHandler creates a new segments handler.
func NewSegmentsHandler(segmentService services.SegmentService, logger *zap.Logger) *SegmentsHandler {
	return &SegmentsHandler{
		segmentService: segmentService,
		logger:         logger,
	}
}

// RegisterRoutes registers the segment routes on the given mux.
func (h *SegmentsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/segments"

	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("GET "+base+"/{sid}", h.Get)
	mux.HandleFunc("POST "+base+"/{sid}/execute", h.Execute)
	mux.HandleFunc("POST "+base+"/{sid}/refresh", h.Refresh)
	mux.HandleFunc("DELETE "+base+"/{sid}", h.Delete)
}

// Create handles POST /api/segments
func (h *SegmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSegmentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	actor := strings.TrimSpace(r.Header.Get(middleware.ActorHeader))
	if actor == "" {
		actor = strings.TrimSpace(req.CreatedBy)
	}
	ctx := models.WithAPIProvenance(r.Context(), actor)

	seg, err := h.segmentService.CreateWithIdempotencyKey(ctx, r.Header.Get(IdempotencyKeyHeader), req.Description, actor)
	if err != nil {
		fields := []zap.Field{zap.String("actor", actor)}
		var createErr *services.CreateError
		if errors.As(err, &createErr) {
			fields = append(fields,
				zap.String("segment_id", createErr.SegmentID.String()),
				zap.String("phase", string(createErr.Phase)))
		}
		writeServiceError(w, h.logger, "Failed to create segment", err, fields...)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: seg}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/segments
func (h *SegmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	segments, err := h.segmentService.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list segments", err)
		return
	}
	if segments == nil {
		segments = []*models.Segment{}
	}

	response := SegmentListResponse{Segments: segments, Total: len(segments)}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/segments/{sid}
func (h *SegmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseSegmentID(w, r, h.logger)
	if !ok {
		return
	}

	seg, err := h.segmentService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get segment", err, zap.String("segment_id", id.String()))
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: seg}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Execute handles POST /api/segments/{sid}/execute
func (h *SegmentsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseSegmentID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.segmentService.Execute(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to execute segment", err, zap.String("segment_id", id.String()))
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Refresh handles POST /api/segments/{sid}/refresh
// A stale result (definition saved, execution failed) is still a 200.
func (h *SegmentsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseSegmentID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.segmentService.Refresh(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to refresh segment", err, zap.String("segment_id", id.String()))
		return
	}

	response := ApiResponse{Success: true, Data: result}
	if result.Stale {
		response.Message = "Segment definition refreshed but execution failed; row count is stale"
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/segments/{sid}
func (h *SegmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseSegmentID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.segmentService.SoftDelete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "Failed to delete segment", err, zap.String("segment_id", id.String()))
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Segment deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
