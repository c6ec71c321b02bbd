package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/logging"
)

// ApiResponse is the standard JSON envelope.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error envelope and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return WriteJSON(w, statusCode, ApiResponse{
		Success: false,
		Error:   errorCode,
		Message: message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorStatus maps a lifecycle error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "segment_not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrGenerationRejected):
		return http.StatusUnprocessableEntity, "generation_rejected"
	case errors.Is(err, apperrors.ErrSchemaInferenceFailed):
		return http.StatusUnprocessableEntity, "empty_sample"
	case errors.Is(err, apperrors.ErrViewNotFound):
		return http.StatusBadGateway, "view_not_found"
	case errors.Is(err, apperrors.ErrEngineUnreachable):
		return http.StatusBadGateway, "engine_unreachable"
	case errors.Is(err, apperrors.ErrStoreFailure):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError writes the envelope for err. Server-side failures are logged at
// ERROR; caller mistakes at DEBUG.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	status, code := errorStatus(err)
	fields = append(fields, zap.String("error_code", code), zap.Error(err))
	if status >= http.StatusInternalServerError {
		logger.Error(msg, fields...)
	} else {
		logger.Debug(msg, fields...)
	}

	if err := ErrorResponse(w, status, code, logging.SanitizeMessage(err.Error())); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
