package queryengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
)

// Kind classifies a query engine failure.
type Kind string

const (
	KindUnreachable  Kind = "unreachable"
	KindRejected     Kind = "rejected"
	KindViewNotFound Kind = "view_not_found"
)

// Phase names the engine operation that failed.
type Phase string

const (
	PhaseGenerate Phase = "generate"
	PhaseExecute  Phase = "execute"
	PhaseRefresh  Phase = "refresh"
)

// Error is a classified query engine failure.
type Error struct {
	Kind       Kind
	Phase      Phase
	StatusCode int    // HTTP status if the engine answered
	Detail     string // engine-supplied detail, not contractually stable
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{"query engine", string(e.Phase), string(e.Kind)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	msg := strings.Join(parts, " ")
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsRetryable implements the retry.RetryableError interface. Only unreachable results
// are worth retrying; the engine itself never retries.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindUnreachable
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindUnreachable:
		return apperrors.ErrEngineUnreachable
	case KindViewNotFound:
		return apperrors.ErrViewNotFound
	default:
		return apperrors.ErrGenerationRejected
	}
}

// PhaseOf returns the phase recorded on a query engine error, or "" if err is not one.
func PhaseOf(err error) Phase {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Phase
	}
	return ""
}

// transportError classifies a failure to get any response from the engine.
// Timeouts and cancellations are treated the same as connection failures.
func transportError(phase Phase, err error) *Error {
	detail := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "request timed out"
	} else if errors.Is(err, context.Canceled) {
		detail = "request canceled"
	}
	return &Error{Kind: KindUnreachable, Phase: phase, Detail: detail, Cause: err}
}

// statusError classifies a non-2xx engine response.
// Execute never yields Rejected: the engine answers every execute failure with 500, so
// a missing view is recognised from the detail and anything else counts as unreachable.
func statusError(phase Phase, status int, detail string) *Error {
	kind := KindRejected
	switch {
	case phase == PhaseExecute:
		kind = KindUnreachable
		if status == http.StatusNotFound || isMissingView(detail) {
			kind = KindViewNotFound
		}
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		kind = KindUnreachable
	}
	return &Error{Kind: kind, Phase: phase, StatusCode: status, Detail: detail}
}

// missingViewMarkers are fragments of the database errors the engine relays when the
// view behind a segment no longer exists (MySQL 1146, Postgres 42P01, SQLite).
var missingViewMarkers = []string{
	"doesn't exist",
	"does not exist",
	"no such table",
	"1146",
	"42p01",
}

func isMissingView(detail string) bool {
	d := strings.ToLower(detail)
	for _, marker := range missingViewMarkers {
		if strings.Contains(d, marker) {
			return true
		}
	}
	return false
}

// malformedResponse classifies a 2xx response whose body could not be decoded.
func malformedResponse(phase Phase, status int, cause error) *Error {
	kind := KindRejected
	if phase == PhaseExecute {
		kind = KindUnreachable
	}
	return &Error{Kind: kind, Phase: phase, StatusCode: status, Detail: "malformed engine response", Cause: cause}
}
