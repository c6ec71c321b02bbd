package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/queryengine"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// ErrorResponse represents a structured error in tool results.
// Returning it as a tool result keeps the details visible to the assistant
// instead of being swallowed by the MCP client.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable errors the assistant can act on (bad input, unknown
// segment). System failures should still be returned as Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// ErrorCode maps a lifecycle error to a stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, apperrors.ErrNotFound):
		return "segment_not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrGenerationRejected):
		return "generation_rejected"
	case errors.Is(err, apperrors.ErrSchemaInferenceFailed):
		return "empty_sample"
	case errors.Is(err, apperrors.ErrViewNotFound):
		return "view_not_found"
	case errors.Is(err, apperrors.ErrEngineUnreachable):
		return "engine_unreachable"
	case errors.Is(err, apperrors.ErrStoreFailure):
		return "store_failure"
	default:
		return "internal_error"
	}
}

// NewSegmentErrorResult returns an error result for failures the caller can act on,
// or nil when err should surface as a Go error. Details carry the query engine
// phase and the create saga phase when known.
func NewSegmentErrorResult(err error) *mcp.CallToolResult {
	if err == nil || !services.IsRecoverable(err) {
		return nil
	}

	details := map[string]any{}
	if phase := queryengine.PhaseOf(err); phase != "" {
		details["engine_phase"] = string(phase)
	}
	var createErr *services.CreateError
	if errors.As(err, &createErr) {
		details["create_phase"] = string(createErr.Phase)
		details["segment_id"] = createErr.SegmentID.String()
	}
	if len(details) == 0 {
		return NewErrorResult(ErrorCode(err), err.Error())
	}
	return NewErrorResultWithDetails(ErrorCode(err), err.Error(), details)
}
