package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/logging"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/queryengine"
	"github.com/ekaya-inc/ekaya-segments/pkg/repositories"
	sqlcheck "github.com/ekaya-inc/ekaya-segments/pkg/sql"
)

// MaxDescriptionLength is the longest description, in characters, accepted by Create.
const MaxDescriptionLength = 2000

var lifecycleOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "segments_lifecycle_operations_total",
		Help: "Segment lifecycle operations by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

// Clock returns the current instant. Injected so as-of dates are deterministic in tests.
type Clock func() time.Time

// SegmentService implements the segment lifecycle.
type SegmentService interface {
	// Create turns a description into a persisted segment. A failure never leaves a
	// visible record.
	Create(ctx context.Context, description, actor string) (*models.Segment, error)
	// CreateWithIdempotencyKey behaves like Create, but a repeated key returns the
	// segment created by the first request instead of creating another.
	CreateWithIdempotencyKey(ctx context.Context, key, description, actor string) (*models.Segment, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	List(ctx context.Context) ([]*models.Segment, error)
	// Execute runs the segment's view and records the row count on success only.
	Execute(ctx context.Context, id uuid.UUID) (*models.ExecutionResult, error)
	// Refresh regenerates the definition for today's date and re-executes it.
	// A nil error with Stale set means the definition changed but execution failed.
	Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshResult, error)
	// SoftDelete hides the segment. The engine's view is left in place.
	SoftDelete(ctx context.Context, id uuid.UUID) (bool, error)
}

type segmentService struct {
	repo        repositories.SegmentRepository
	engine      queryengine.Client
	idempotency repositories.IdempotencyRepository
	now         Clock
	location    *time.Location
	logger      *zap.Logger
}

// NewSegmentService creates a SegmentService. idempotency may be nil, in which case
// idempotency keys are ignored. location decides which calendar day "today" is.
func NewSegmentService(
	repo repositories.SegmentRepository,
	engine queryengine.Client,
	idempotency repositories.IdempotencyRepository,
	clock Clock,
	location *time.Location,
	logger *zap.Logger,
) SegmentService {
	if clock == nil {
		clock = time.Now
	}
	if location == nil {
		location = time.UTC
	}
	return &segmentService{
		repo:        repo,
		engine:      engine,
		idempotency: idempotency,
		now:         clock,
		location:    location,
		logger:      logger.Named("segments"),
	}
}

var _ SegmentService = (*segmentService)(nil)

// asOfDate returns midnight of the current day in the configured location.
func (s *segmentService) asOfDate() time.Time {
	now := s.now().In(s.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
}

// NormalizeDescription trims a description and rejects input that must never reach
// the query engine.
func NormalizeDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", fmt.Errorf("%w: description is required", apperrors.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(description); n > MaxDescriptionLength {
		return "", fmt.Errorf("%w: description is %d characters, maximum is %d", apperrors.ErrInvalidInput, n, MaxDescriptionLength)
	}
	if result := sqlcheck.CheckDescriptionForInjection(description); result != nil {
		return "", fmt.Errorf("%w: description contains a SQL injection pattern (fingerprint %s)", apperrors.ErrInvalidInput, result.Fingerprint)
	}
	return description, nil
}

// createSaga carries the state of one Create through its phases.
type createSaga struct {
	segmentID   uuid.UUID
	description string
	actor       string
	source      models.ProvenanceSource
	asOf        time.Time
	phase       CreatePhase

	view    *queryengine.ViewDefinition
	sample  *queryengine.ViewResult
	columns []models.ColumnDefinition
}

func (c *createSaga) fail(err error) error {
	return &CreateError{SegmentID: c.segmentID, Phase: c.phase, Err: err}
}

func (s *segmentService) Create(ctx context.Context, description, actor string) (*models.Segment, error) {
	seg, err := s.create(ctx, description, actor)
	lifecycleOperationsTotal.WithLabelValues("create", outcomeOf(err)).Inc()
	return seg, err
}

func (s *segmentService) create(ctx context.Context, description, actor string) (*models.Segment, error) {
	description, err := NormalizeDescription(description)
	if err != nil {
		return nil, err
	}

	saga := &createSaga{
		segmentID:   uuid.New(),
		description: description,
		actor:       strings.TrimSpace(actor),
		source:      models.SourceAPI,
		asOf:        s.asOfDate(),
		phase:       CreatePending,
	}
	if p, ok := models.GetProvenance(ctx); ok {
		saga.source = p.Source
		if saga.actor == "" {
			saga.actor = p.ActorID
		}
	}

	logger := s.logger.With(
		zap.String("segment_id", saga.segmentID.String()),
		zap.String("as_of", saga.asOf.Format(models.AsOfDateLayout)))

	view, err := s.engine.GenerateView(ctx, saga.segmentID, saga.description, saga.asOf)
	if err != nil {
		logger.Warn("Segment view generation failed", zap.String("phase", string(saga.phase)), zap.Error(err))
		return nil, saga.fail(err)
	}
	saga.view = view
	saga.phase = CreateViewGenerated

	// Failures from here on leave an orphaned view in the engine, keyed by segment id.
	sample, err := s.engine.ExecuteView(ctx, view.ViewName)
	if err != nil {
		logger.Warn("Segment sample execution failed",
			zap.String("phase", string(saga.phase)),
			zap.String("view_name", view.ViewName),
			zap.Error(err))
		return nil, saga.fail(err)
	}
	saga.sample = sample

	if len(sample.Rows) == 0 {
		logger.Info("Segment sample returned no rows",
			zap.String("phase", string(saga.phase)),
			zap.String("view_name", view.ViewName))
		return nil, saga.fail(fmt.Errorf("%w: view %s returned no rows", apperrors.ErrSchemaInferenceFailed, view.ViewName))
	}
	saga.columns = InferColumns(sample.Rows[0])
	if len(saga.columns) == 0 {
		return nil, saga.fail(fmt.Errorf("%w: first row of view %s has no columns", apperrors.ErrSchemaInferenceFailed, view.ViewName))
	}
	saga.phase = CreateSampleExecuted

	executedAt := s.now()
	rowCount := sample.Count
	segment := &models.Segment{
		ID:             saga.segmentID,
		Name:           view.Name,
		Description:    view.Description,
		OriginalPrompt: saga.description,
		SQLQuery:       view.SQL,
		ViewName:       view.ViewName,
		Columns:        saga.columns,
		CreatedBy:      saga.actor,
		Source:         saga.source,
		CreatedDate:    saga.asOf,
		LastExecutedAt: &executedAt,
		LastRowCount:   &rowCount,
	}
	if segment.Name == "" {
		segment.Name = saga.description
	}
	if segment.Description == "" {
		segment.Description = saga.description
	}

	if err := s.repo.Create(ctx, segment); err != nil {
		logger.Error("Failed to persist segment",
			zap.String("phase", string(saga.phase)),
			zap.String("view_name", view.ViewName),
			zap.Error(err))
		return nil, saga.fail(err)
	}
	saga.phase = CreatePersisted

	logger.Info("Created segment",
		zap.String("view_name", segment.ViewName),
		zap.Int("row_count", rowCount),
		zap.Int("columns", len(segment.Columns)),
		zap.String("sql", logging.SanitizeQuery(segment.SQLQuery)))

	return segment, nil
}

func (s *segmentService) CreateWithIdempotencyKey(ctx context.Context, key, description, actor string) (*models.Segment, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.idempotency == nil {
		return s.Create(ctx, description, actor)
	}
	if _, err := NormalizeDescription(description); err != nil {
		lifecycleOperationsTotal.WithLabelValues("create", outcomeOf(err)).Inc()
		return nil, err
	}

	status, existingID, err := s.idempotency.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}

	switch status {
	case repositories.IdempotencyCompleted:
		return s.replay(ctx, key, existingID)
	case repositories.IdempotencyInFlight:
		return nil, fmt.Errorf("%w: a create with this idempotency key is still in progress", apperrors.ErrConflict)
	}

	seg, err := s.Create(ctx, description, actor)
	if err != nil {
		// Context may already be cancelled; release on a fresh one.
		if relErr := s.idempotency.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.Warn("Failed to release idempotency key", zap.Error(relErr))
		}
		return nil, err
	}

	if err := s.idempotency.Complete(context.WithoutCancel(ctx), key, seg.ID); err != nil {
		s.logger.Warn("Failed to record idempotency key",
			zap.String("segment_id", seg.ID.String()),
			zap.Error(err))
	}
	return seg, nil
}

// replay returns the segment an earlier request with the same idempotency key created.
func (s *segmentService) replay(ctx context.Context, key string, id uuid.UUID) (*models.Segment, error) {
	seg, err := s.repo.GetByIDIncludingDeleted(ctx, id)
	if err != nil {
		return nil, err
	}
	if seg.IsDeleted {
		return nil, fmt.Errorf("segment %s created by this idempotency key was deleted: %w", id, apperrors.ErrNotFound)
	}
	s.logger.Debug("Replayed idempotent create", zap.String("segment_id", id.String()))
	return seg, nil
}

func (s *segmentService) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *segmentService) List(ctx context.Context) ([]*models.Segment, error) {
	return s.repo.List(ctx)
}

func (s *segmentService) Execute(ctx context.Context, id uuid.UUID) (*models.ExecutionResult, error) {
	result, err := s.execute(ctx, id)
	lifecycleOperationsTotal.WithLabelValues("execute", outcomeOf(err)).Inc()
	return result, err
}

func (s *segmentService) execute(ctx context.Context, id uuid.UUID) (*models.ExecutionResult, error) {
	seg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runView(ctx, seg)
}

// runView executes seg's view and only then updates its cached stats.
func (s *segmentService) runView(ctx context.Context, seg *models.Segment) (*models.ExecutionResult, error) {
	res, err := s.engine.ExecuteView(ctx, seg.ViewName)
	if err != nil {
		s.logger.Warn("Segment execution failed",
			zap.String("segment_id", seg.ID.String()),
			zap.String("view_name", seg.ViewName),
			zap.Error(err))
		return nil, fmt.Errorf("execute segment %s: %w", seg.ID, err)
	}

	executedAt := s.now()
	if err := s.repo.UpdateExecutionStats(ctx, seg.ID, executedAt, res.Count); err != nil {
		return nil, err
	}

	s.logger.Debug("Executed segment",
		zap.String("segment_id", seg.ID.String()),
		zap.String("view_name", seg.ViewName),
		zap.Int("row_count", res.Count))

	return &models.ExecutionResult{
		Columns:    seg.Columns,
		Rows:       res.Rows,
		RowCount:   res.Count,
		ExecutedAt: executedAt,
	}, nil
}

func (s *segmentService) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshResult, error) {
	result, err := s.refresh(ctx, id)
	outcome := outcomeOf(err)
	if err == nil && result.Stale {
		outcome = outcomeStale
	}
	lifecycleOperationsTotal.WithLabelValues("refresh", outcome).Inc()
	return result, err
}

func (s *segmentService) refresh(ctx context.Context, id uuid.UUID) (*models.RefreshResult, error) {
	seg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	asOf := s.asOfDate()
	logger := s.logger.With(
		zap.String("segment_id", seg.ID.String()),
		zap.String("view_name", seg.ViewName),
		zap.String("as_of", asOf.Format(models.AsOfDateLayout)))

	def, err := s.engine.RefreshView(ctx, seg.ID, seg.OriginalPrompt, asOf)
	if err != nil {
		logger.Warn("Segment refresh generation failed", zap.Error(err))
		return nil, fmt.Errorf("refresh segment %s: %w", seg.ID, err)
	}
	if def.ViewName != "" && def.ViewName != seg.ViewName {
		logger.Warn("Query engine reported a different view name on refresh; keeping the stored one",
			zap.String("reported_view_name", def.ViewName))
	}

	update := repositories.DefinitionUpdate{
		Name:        def.Name,
		Description: def.Description,
		SQLQuery:    def.SQL,
		AsOf:        asOf,
	}
	if update.Name == "" {
		update.Name = seg.Name
	}
	if update.Description == "" {
		update.Description = seg.Description
	}

	updated, err := s.repo.UpdateDefinition(ctx, seg.ID, update)
	if err != nil {
		return nil, err
	}

	execution, err := s.runView(ctx, updated)
	if err != nil {
		logger.Warn("Segment definition refreshed but execution failed; stats are stale", zap.Error(err))
		return &models.RefreshResult{
			Segment:        updated,
			Stale:          true,
			ExecutionError: err,
		}, nil
	}

	rowCount := execution.RowCount
	executedAt := execution.ExecutedAt
	updated.LastExecutedAt = &executedAt
	updated.LastRowCount = &rowCount
	updated.StatsStale = false

	logger.Info("Refreshed segment",
		zap.Int("row_count", rowCount),
		zap.String("sql", logging.SanitizeQuery(updated.SQLQuery)))

	return &models.RefreshResult{Segment: updated, Execution: execution}, nil
}

func (s *segmentService) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.repo.SoftDelete(ctx, id, s.now())
	if err == nil && !ok {
		err = fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	lifecycleOperationsTotal.WithLabelValues("delete", outcomeOf(err)).Inc()
	if err != nil {
		return false, err
	}

	s.logger.Info("Soft-deleted segment", zap.String("segment_id", id.String()))
	return true, nil
}

// IsRecoverable reports whether err is the caller's problem rather than an
// infrastructure failure.
func IsRecoverable(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrGenerationRejected) ||
		errors.Is(err, apperrors.ErrSchemaInferenceFailed)
}
