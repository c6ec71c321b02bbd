package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
)

// CreatePhase is a step of the segment creation saga.
// Only CreatePersisted is ever visible to List or Get.
type CreatePhase string

const (
	CreatePending        CreatePhase = "pending"
	CreateViewGenerated  CreatePhase = "view_generated"
	CreateSampleExecuted CreatePhase = "sample_executed"
	CreatePersisted      CreatePhase = "persisted"
)

// CreateError reports a failed Create together with the last phase it reached.
// Nothing is persisted for a failed Create; a view may exist in the engine if the
// phase is CreateViewGenerated or later.
type CreateError struct {
	SegmentID uuid.UUID
	Phase     CreatePhase
	Err       error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create segment %s failed after %s: %v", e.SegmentID, e.Phase, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Outcome labels for lifecycle metrics.
const (
	outcomeSuccess = "success"
	outcomeStale   = "stale"
)

// outcomeOf maps an error to a bounded metric label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrEngineUnreachable):
		return "engine_unreachable"
	case errors.Is(err, apperrors.ErrViewNotFound):
		return "view_not_found"
	case errors.Is(err, apperrors.ErrGenerationRejected):
		return "generation_rejected"
	case errors.Is(err, apperrors.ErrSchemaInferenceFailed):
		return "schema_inference_failed"
	case errors.Is(err, apperrors.ErrStoreFailure):
		return "store_failure"
	default:
		return "error"
	}
}
