package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/queryengine"
	"github.com/ekaya-inc/ekaya-segments/pkg/repositories"
)

// ============================================================================
// Mock Implementations for Segment Service Tests
// ============================================================================

// mockSegmentRepo is an in-memory SegmentRepository. It stores copies so tests can
// detect writes that should not have happened.
type mockSegmentRepo struct {
	mu       sync.Mutex
	segments map[uuid.UUID]*models.Segment
	seq      int

	createErr      error
	updateStatsErr error
	updateDefErr   error
	softDeleteErr  error

	createCalls      int
	updateStatsCalls int
	updateDefCalls   int
}

func newMockSegmentRepo() *mockSegmentRepo {
	return &mockSegmentRepo{segments: make(map[uuid.UUID]*models.Segment)}
}

var _ repositories.SegmentRepository = (*mockSegmentRepo)(nil)

func cloneSegment(s *models.Segment) *models.Segment {
	c := *s
	c.Columns = append([]models.ColumnDefinition(nil), s.Columns...)
	if s.LastExecutedAt != nil {
		t := *s.LastExecutedAt
		c.LastExecutedAt = &t
	}
	if s.LastRowCount != nil {
		n := *s.LastRowCount
		c.LastRowCount = &n
	}
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func (m *mockSegmentRepo) Create(ctx context.Context, segment *models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.segments[segment.ID]; exists {
		return fmt.Errorf("segment %s: %w", segment.ID, apperrors.ErrConflict)
	}
	// Strictly increasing timestamps keep List ordering deterministic.
	m.seq++
	segment.CreatedAt = time.Date(2025, 1, 1, 0, 0, m.seq, 0, time.UTC)
	segment.UpdatedAt = segment.CreatedAt
	m.segments[segment.ID] = cloneSegment(segment)
	return nil
}

func (m *mockSegmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	if !ok || s.IsDeleted {
		return nil, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return cloneSegment(s), nil
}

func (m *mockSegmentRepo) GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return cloneSegment(s), nil
}

func (m *mockSegmentRepo) List(ctx context.Context) ([]*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*models.Segment, 0)
	for _, s := range m.segments {
		if !s.IsDeleted {
			result = append(result, cloneSegment(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *mockSegmentRepo) UpdateExecutionStats(ctx context.Context, id uuid.UUID, executedAt time.Time, rowCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateStatsCalls++
	if m.updateStatsErr != nil {
		return m.updateStatsErr
	}
	s, ok := m.segments[id]
	if !ok || s.IsDeleted {
		return fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	s.LastExecutedAt = &executedAt
	s.LastRowCount = &rowCount
	s.StatsStale = false
	return nil
}

func (m *mockSegmentRepo) UpdateDefinition(ctx context.Context, id uuid.UUID, def repositories.DefinitionUpdate) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateDefCalls++
	if m.updateDefErr != nil {
		return nil, m.updateDefErr
	}
	s, ok := m.segments[id]
	if !ok || s.IsDeleted {
		return nil, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	s.Name = def.Name
	s.Description = def.Description
	s.SQLQuery = def.SQLQuery
	s.CreatedDate = def.AsOf
	s.StatsStale = true
	return cloneSegment(s), nil
}

func (m *mockSegmentRepo) SoftDelete(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.softDeleteErr != nil {
		return false, m.softDeleteErr
	}
	s, ok := m.segments[id]
	if !ok {
		return false, nil
	}
	if !s.IsDeleted {
		s.IsDeleted = true
		s.DeletedAt = &deletedAt
	}
	return true, nil
}

// mockQueryEngine is a scripted queryengine.Client.
type mockQueryEngine struct {
	mu sync.Mutex

	generateErr error
	sql         string

	rows       []models.Row
	count      *int
	executeErr error

	refreshDef *queryengine.ViewDefinition
	refreshErr error

	generateCalls int
	executeCalls  int
	refreshCalls  int
	lastAsOf      time.Time
	lastRefreshID uuid.UUID
	lastPrompt    string
}

var _ queryengine.Client = (*mockQueryEngine)(nil)

func (m *mockQueryEngine) GenerateView(ctx context.Context, segmentID uuid.UUID, description string, asOf time.Time) (*queryengine.ViewDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	m.lastAsOf = asOf
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	sql := m.sql
	if sql == "" {
		sql = "SELECT custid, custname, totalspend FROM customers WHERE last_order >= DATE '" + asOf.Format(models.AsOfDateLayout) + "' - INTERVAL '6 months'"
	}
	return &queryengine.ViewDefinition{
		Name:        "Pelanggan Aktif",
		Description: "Pelanggan dengan transaksi dalam 6 bulan terakhir",
		SQL:         sql,
		ViewName:    "segment_" + segmentID.String(),
	}, nil
}

func (m *mockQueryEngine) ExecuteView(ctx context.Context, viewName string) (*queryengine.ViewResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeCalls++
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	count := len(m.rows)
	if m.count != nil {
		count = *m.count
	}
	return &queryengine.ViewResult{Rows: m.rows, Count: count}, nil
}

func (m *mockQueryEngine) RefreshView(ctx context.Context, segmentID uuid.UUID, originalDescription string, asOf time.Time) (*queryengine.ViewDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	m.lastAsOf = asOf
	m.lastRefreshID = segmentID
	m.lastPrompt = originalDescription
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	if m.refreshDef != nil {
		def := *m.refreshDef
		return &def, nil
	}
	return &queryengine.ViewDefinition{
		Name:        "Pelanggan Aktif",
		Description: "Pelanggan dengan transaksi dalam 6 bulan terakhir",
		SQL:         "SELECT custid, custname, totalspend FROM customers WHERE last_order >= DATE '" + asOf.Format(models.AsOfDateLayout) + "' - INTERVAL '6 months'",
		ViewName:    "segment_" + segmentID.String(),
	}, nil
}

func (m *mockQueryEngine) setRows(rows ...models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
	m.count = nil
}

// mockIdempotencyRepo is an in-memory IdempotencyRepository.
type mockIdempotencyRepo struct {
	mu      sync.Mutex
	entries map[string]string
	err     error
}

func newMockIdempotencyRepo() *mockIdempotencyRepo {
	return &mockIdempotencyRepo{entries: make(map[string]string)}
}

var _ repositories.IdempotencyRepository = (*mockIdempotencyRepo)(nil)

func (m *mockIdempotencyRepo) Reserve(ctx context.Context, key string) (repositories.IdempotencyStatus, uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, uuid.Nil, m.err
	}
	val, ok := m.entries[key]
	if !ok {
		m.entries[key] = "pending"
		return repositories.IdempotencyReserved, uuid.Nil, nil
	}
	if val == "pending" {
		return repositories.IdempotencyInFlight, uuid.Nil, nil
	}
	return repositories.IdempotencyCompleted, uuid.MustParse(val), nil
}

func (m *mockIdempotencyRepo) Complete(ctx context.Context, key string, segmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = segmentID.String()
	return nil
}

func (m *mockIdempotencyRepo) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// manualClock is a Clock tests advance explicitly.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// row builds a models.Row from alternating keys and values.
func row(kv ...any) models.Row {
	r := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}
