package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
)

// SegmentRepository provides data access for segment metadata.
// Lookups and updates exclude soft-deleted records unless the method name says otherwise.
type SegmentRepository interface {
	// Create inserts a new segment. Returns apperrors.ErrConflict if the id is taken.
	Create(ctx context.Context, segment *models.Segment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	// GetByIDIncludingDeleted is the raw lookup. Not exposed to callers.
	GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	// List returns visible segments, newest first.
	List(ctx context.Context) ([]*models.Segment, error)

	// UpdateExecutionStats records a successful execution and clears the stale marker.
	UpdateExecutionStats(ctx context.Context, id uuid.UUID, executedAt time.Time, rowCount int) error
	// UpdateDefinition replaces the generated definition and marks stats stale until
	// the next successful execution. Returns the updated record.
	UpdateDefinition(ctx context.Context, id uuid.UUID, def DefinitionUpdate) (*models.Segment, error)

	// SoftDelete hides the segment. Returns false only if no record with id exists;
	// deleting an already-deleted segment is a no-op that returns true.
	SoftDelete(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error)
}

// DefinitionUpdate carries the fields a refresh is allowed to change.
type DefinitionUpdate struct {
	Name        string
	Description string
	SQLQuery    string
	AsOf        time.Time
}

func segmentNotFound(id uuid.UUID) error {
	return fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
}

func segmentExists(id uuid.UUID) error {
	return fmt.Errorf("segment %s already exists: %w", id, apperrors.ErrConflict)
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", apperrors.ErrStoreFailure, op, err)
}

// calendarDay drops the time of day and zone from an as-of date, leaving the calendar
// date the query engine was told "today" is.
func calendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dayIn returns midnight of day's calendar date in loc.
func dayIn(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
}
