package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// mockSegmentService is a configurable SegmentService for handler tests.
type mockSegmentService struct {
	segments []*models.Segment

	createErr  error
	executeErr error
	refreshErr error
	deleteErr  error
	listErr    error

	executeResult *models.ExecutionResult
	refreshResult *models.RefreshResult

	lastCtx         context.Context
	lastKey         string
	lastDescription string
	lastActor       string
}

var _ services.SegmentService = (*mockSegmentService)(nil)

func newMockSegmentService() *mockSegmentService {
	return &mockSegmentService{}
}

func testSegment() *models.Segment {
	return &models.Segment{
		ID:             uuid.MustParse("6f1c2b7e-3a57-4e0b-9d2a-2d3f4a5b6c7d"),
		Name:           "High spenders",
		Description:    "customers who spent over 1000",
		OriginalPrompt: "customers who spent over 1000",
		SQLQuery:       "SELECT custid FROM customers WHERE totalspend > 1000",
		ViewName:       "segment_6f1c2b7e",
		Columns:        []models.ColumnDefinition{{Key: "custid", Label: "Custid", Type: models.ColumnTypeString}},
		CreatedBy:      "alice",
		CreatedDate:    time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC),
	}
}

func (m *mockSegmentService) find(id uuid.UUID) (*models.Segment, error) {
	for _, seg := range m.segments {
		if seg.ID == id && !seg.IsDeleted {
			return seg, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockSegmentService) Create(ctx context.Context, description, actor string) (*models.Segment, error) {
	return m.CreateWithIdempotencyKey(ctx, "", description, actor)
}

func (m *mockSegmentService) CreateWithIdempotencyKey(ctx context.Context, key, description, actor string) (*models.Segment, error) {
	m.lastCtx = ctx
	m.lastKey = key
	m.lastDescription = description
	m.lastActor = actor
	if m.createErr != nil {
		return nil, m.createErr
	}
	seg := testSegment()
	seg.Description = description
	seg.CreatedBy = actor
	m.segments = append(m.segments, seg)
	return seg, nil
}

func (m *mockSegmentService) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return m.find(id)
}

func (m *mockSegmentService) List(ctx context.Context) ([]*models.Segment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Segment
	for _, seg := range m.segments {
		if !seg.IsDeleted {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (m *mockSegmentService) Execute(ctx context.Context, id uuid.UUID) (*models.ExecutionResult, error) {
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	return m.executeResult, nil
}

func (m *mockSegmentService) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshResult, error) {
	if _, err := m.find(id); err != nil {
		return nil, err
	}
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return m.refreshResult, nil
}

func (m *mockSegmentService) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	seg, err := m.find(id)
	if err != nil {
		return false, err
	}
	seg.IsDeleted = true
	return true, nil
}
