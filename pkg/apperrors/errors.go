package apperrors

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")

	// Query Engine failures. queryengine.Error unwraps to one of these.
	ErrEngineUnreachable  = errors.New("query engine unreachable")
	ErrGenerationRejected = errors.New("query engine rejected the request")
	ErrViewNotFound       = errors.New("view not found")

	ErrSchemaInferenceFailed = errors.New("cannot infer schema from an empty result")
	ErrStoreFailure          = errors.New("segment store failure")
)
