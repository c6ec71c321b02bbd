package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/queryengine"
)

var jakarta = mustLoadLocation("Asia/Jakarta")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, 7*60*60)
	}
	return loc
}

// ============================================================================
// Test Fixture
// ============================================================================

type segmentFixture struct {
	repo        *mockSegmentRepo
	engine      *mockQueryEngine
	idempotency *mockIdempotencyRepo
	clock       *manualClock
	service     SegmentService
}

func newSegmentFixture(t *testing.T) *segmentFixture {
	t.Helper()
	f := &segmentFixture{
		repo:        newMockSegmentRepo(),
		engine:      &mockQueryEngine{},
		idempotency: newMockIdempotencyRepo(),
		// 2025-03-14 10:00 in Jakarta.
		clock: &manualClock{now: time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)},
	}
	f.engine.setRows(
		row("custid", 1, "custname", "Budi", "totalspend", 1500000.5, "joindate", "2023-01-05"),
		row("custid", 2, "custname", "Sari", "totalspend", 980000, "joindate", "2024-07-19"),
	)
	f.service = NewSegmentService(f.repo, f.engine, f.idempotency, f.clock.Now, jakarta, zap.NewNop())
	return f
}

func (f *segmentFixture) create(t *testing.T) *models.Segment {
	t.Helper()
	seg, err := f.service.Create(context.Background(), "pelanggan aktif 6 bulan terakhir", "user-1")
	require.NoError(t, err)
	return seg
}

func unreachable(phase queryengine.Phase) error {
	return &queryengine.Error{Kind: queryengine.KindUnreachable, Phase: phase, Detail: "connection refused"}
}

// ============================================================================
// Create
// ============================================================================

func TestSegmentService_Create_PersistsCompleteRecord(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := models.WithAPIProvenance(context.Background(), "user-1")

	seg, err := f.service.Create(ctx, "  pelanggan aktif 6 bulan terakhir  ", "")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, seg.ID)
	assert.Equal(t, "segment_"+seg.ID.String(), seg.ViewName)
	assert.Equal(t, "pelanggan aktif 6 bulan terakhir", seg.OriginalPrompt)
	assert.Equal(t, "Pelanggan Aktif", seg.Name)
	assert.Contains(t, seg.SQLQuery, "2025-03-14")
	assert.Equal(t, "user-1", seg.CreatedBy)
	assert.Equal(t, models.SourceAPI, seg.Source)
	assert.Equal(t, "2025-03-14", seg.AsOfDate())
	require.NotNil(t, seg.LastRowCount)
	assert.Equal(t, 2, *seg.LastRowCount)
	require.NotNil(t, seg.LastExecutedAt)
	assert.Equal(t, f.clock.Now(), *seg.LastExecutedAt)

	assert.Equal(t, []models.ColumnDefinition{
		{Key: "custid", Label: "Custid", Type: models.ColumnTypeNumber},
		{Key: "custname", Label: "Custname", Type: models.ColumnTypeString},
		{Key: "totalspend", Label: "Totalspend", Type: models.ColumnTypeCurrency},
		{Key: "joindate", Label: "Joindate", Type: models.ColumnTypeDate},
	}, seg.Columns)

	stored, err := f.repo.GetByID(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, seg.SQLQuery, stored.SQLQuery)
	assert.Equal(t, seg.Columns, stored.Columns)
}

func TestSegmentService_Create_AsOfUsesConfiguredTimezone(t *testing.T) {
	f := newSegmentFixture(t)
	// 2025-03-14 18:30 UTC is already 2025-03-15 in Jakarta.
	f.clock.now = time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)

	seg := f.create(t)

	assert.Equal(t, "2025-03-15", seg.AsOfDate())
	assert.Equal(t, "2025-03-15", f.engine.lastAsOf.Format(models.AsOfDateLayout))
	assert.Equal(t, 0, f.engine.lastAsOf.Hour())
}

func TestSegmentService_Create_MCPProvenance(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := models.WithMCPProvenance(context.Background(), "")

	seg, err := f.service.Create(ctx, "pelanggan baru", "agent-7")
	require.NoError(t, err)

	assert.Equal(t, models.SourceMCP, seg.Source)
	assert.Equal(t, "agent-7", seg.CreatedBy)
}

func TestSegmentService_Create_FallsBackToPromptForMissingNames(t *testing.T) {
	f := newSegmentFixture(t)
	// Engine returns no name or description.
	f.service = NewSegmentService(f.repo, &namelessEngine{f.engine}, nil, f.clock.Now, jakarta, zap.NewNop())

	seg, err := f.service.Create(context.Background(), "pelanggan tanpa nama", "")
	require.NoError(t, err)

	assert.Equal(t, "pelanggan tanpa nama", seg.Name)
	assert.Equal(t, "pelanggan tanpa nama", seg.Description)
}

type namelessEngine struct{ *mockQueryEngine }

func (n *namelessEngine) GenerateView(ctx context.Context, id uuid.UUID, description string, asOf time.Time) (*queryengine.ViewDefinition, error) {
	def, err := n.mockQueryEngine.GenerateView(ctx, id, description, asOf)
	if err != nil {
		return nil, err
	}
	def.Name = ""
	def.Description = ""
	return def, nil
}

func TestSegmentService_Create_InvalidDescription(t *testing.T) {
	tests := []struct {
		name        string
		description string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"too long", strings.Repeat("a", MaxDescriptionLength+1)},
		{"injection", "1' OR '1'='1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSegmentFixture(t)

			_, err := f.service.Create(context.Background(), tt.description, "user-1")

			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Equal(t, 0, f.engine.generateCalls, "engine must not be called")
			assert.Equal(t, 0, f.repo.createCalls)
		})
	}
}

func TestNormalizeDescription_AcceptsMaximumLength(t *testing.T) {
	// Multi-byte characters count once each.
	desc := strings.Repeat("é", MaxDescriptionLength)

	got, err := NormalizeDescription(desc)

	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

// A failure in any phase leaves nothing visible.
func TestSegmentService_Create_FailureLeavesNoRecord(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *segmentFixture)
		wantPhase CreatePhase
		wantErr   error
	}{
		{
			name:      "engine unreachable on generate",
			setup:     func(f *segmentFixture) { f.engine.generateErr = unreachable(queryengine.PhaseGenerate) },
			wantPhase: CreatePending,
			wantErr:   apperrors.ErrEngineUnreachable,
		},
		{
			name: "engine rejects generation",
			setup: func(f *segmentFixture) {
				f.engine.generateErr = &queryengine.Error{Kind: queryengine.KindRejected, Phase: queryengine.PhaseGenerate, StatusCode: 400}
			},
			wantPhase: CreatePending,
			wantErr:   apperrors.ErrGenerationRejected,
		},
		{
			name: "sample execution fails",
			setup: func(f *segmentFixture) {
				f.engine.executeErr = &queryengine.Error{Kind: queryengine.KindViewNotFound, Phase: queryengine.PhaseExecute, StatusCode: 404}
			},
			wantPhase: CreateViewGenerated,
			wantErr:   apperrors.ErrViewNotFound,
		},
		{
			name:      "sample returns no rows",
			setup:     func(f *segmentFixture) { f.engine.setRows() },
			wantPhase: CreateViewGenerated,
			wantErr:   apperrors.ErrSchemaInferenceFailed,
		},
		{
			name: "store rejects the record",
			setup: func(f *segmentFixture) {
				f.repo.createErr = errors.Join(apperrors.ErrStoreFailure, errors.New("disk full"))
			},
			wantPhase: CreateSampleExecuted,
			wantErr:   apperrors.ErrStoreFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSegmentFixture(t)
			tt.setup(f)

			seg, err := f.service.Create(context.Background(), "pelanggan aktif", "user-1")

			require.Error(t, err)
			assert.Nil(t, seg)
			assert.ErrorIs(t, err, tt.wantErr)

			var createErr *CreateError
			require.ErrorAs(t, err, &createErr)
			assert.Equal(t, tt.wantPhase, createErr.Phase)
			assert.NotEqual(t, uuid.Nil, createErr.SegmentID)

			list, listErr := f.service.List(context.Background())
			require.NoError(t, listErr)
			assert.Empty(t, list)

			_, getErr := f.service.Get(context.Background(), createErr.SegmentID)
			assert.ErrorIs(t, getErr, apperrors.ErrNotFound)
		})
	}
}

func TestSegmentService_Create_DistinctIDsAndViews(t *testing.T) {
	f := newSegmentFixture(t)

	a := f.create(t)
	b := f.create(t)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ViewName, b.ViewName)
}

// ============================================================================
// Create with idempotency key
// ============================================================================

func TestSegmentService_CreateWithIdempotencyKey_ReplaysCompletedCreate(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateWithIdempotencyKey(ctx, "req-1", "pelanggan aktif", "user-1")
	require.NoError(t, err)

	second, err := f.service.CreateWithIdempotencyKey(ctx, "req-1", "pelanggan aktif", "user-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.engine.generateCalls)
	assert.Equal(t, 1, f.repo.createCalls)
}

func TestSegmentService_CreateWithIdempotencyKey_InFlightIsConflict(t *testing.T) {
	f := newSegmentFixture(t)
	f.idempotency.entries["req-1"] = "pending"

	_, err := f.service.CreateWithIdempotencyKey(context.Background(), "req-1", "pelanggan aktif", "user-1")

	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 0, f.engine.generateCalls)
}

func TestSegmentService_CreateWithIdempotencyKey_FailureReleasesKey(t *testing.T) {
	f := newSegmentFixture(t)
	f.engine.generateErr = unreachable(queryengine.PhaseGenerate)

	_, err := f.service.CreateWithIdempotencyKey(context.Background(), "req-1", "pelanggan aktif", "user-1")
	require.ErrorIs(t, err, apperrors.ErrEngineUnreachable)
	assert.NotContains(t, f.idempotency.entries, "req-1")

	f.engine.generateErr = nil
	seg, err := f.service.CreateWithIdempotencyKey(context.Background(), "req-1", "pelanggan aktif", "user-1")
	require.NoError(t, err)
	assert.Equal(t, seg.ID.String(), f.idempotency.entries["req-1"])
}

func TestSegmentService_CreateWithIdempotencyKey_DeletedSegmentIsNotFound(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()

	seg, err := f.service.CreateWithIdempotencyKey(ctx, "req-1", "pelanggan aktif", "user-1")
	require.NoError(t, err)
	_, err = f.service.SoftDelete(ctx, seg.ID)
	require.NoError(t, err)

	_, err = f.service.CreateWithIdempotencyKey(ctx, "req-1", "pelanggan aktif", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSegmentService_CreateWithIdempotencyKey_InvalidInputSkipsReservation(t *testing.T) {
	f := newSegmentFixture(t)

	_, err := f.service.CreateWithIdempotencyKey(context.Background(), "req-1", "  ", "user-1")

	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Empty(t, f.idempotency.entries)
}

func TestSegmentService_CreateWithIdempotencyKey_WithoutStoreBehavesLikeCreate(t *testing.T) {
	f := newSegmentFixture(t)
	svc := NewSegmentService(f.repo, f.engine, nil, f.clock.Now, jakarta, zap.NewNop())

	a, err := svc.CreateWithIdempotencyKey(context.Background(), "req-1", "pelanggan aktif", "")
	require.NoError(t, err)
	b, err := svc.CreateWithIdempotencyKey(context.Background(), "req-1", "pelanggan aktif", "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

// ============================================================================
// Get / List
// ============================================================================

func TestSegmentService_List_NewestFirstExcludingDeleted(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()

	first := f.create(t)
	second := f.create(t)
	third := f.create(t)
	_, err := f.service.SoftDelete(ctx, second.ID)
	require.NoError(t, err)

	list, err := f.service.List(ctx)
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, third.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestSegmentService_List_EmptyStore(t *testing.T) {
	f := newSegmentFixture(t)

	list, err := f.service.List(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSegmentService_Get_Unknown(t *testing.T) {
	f := newSegmentFixture(t)

	_, err := f.service.Get(context.Background(), uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ============================================================================
// Execute
// ============================================================================

func TestSegmentService_Execute_UpdatesStats(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)

	f.clock.Advance(2 * time.Hour)
	f.engine.setRows(
		row("custid", 1, "custname", "Budi", "totalspend", 1.5, "joindate", "2023-01-05"),
		row("custid", 2, "custname", "Sari", "totalspend", 2.5, "joindate", "2023-01-06"),
		row("custid", 3, "custname", "Tono", "totalspend", 3.5, "joindate", "2023-01-07"),
	)

	result, err := f.service.Execute(context.Background(), seg.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, result.RowCount)
	assert.Len(t, result.Rows, 3)
	assert.Equal(t, seg.Columns, result.Columns)
	assert.Equal(t, f.clock.Now(), result.ExecutedAt)

	stored, err := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRowCount)
	assert.Equal(t, 3, *stored.LastRowCount)
	assert.Equal(t, f.clock.Now(), *stored.LastExecutedAt)
	// Execution never redefines the segment.
	assert.Equal(t, seg.SQLQuery, stored.SQLQuery)
	assert.Equal(t, seg.Columns, stored.Columns)
}

func TestSegmentService_Execute_EmptyResultIsNotAnError(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)
	f.engine.setRows()

	result, err := f.service.Execute(context.Background(), seg.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, result.RowCount)
	stored, err := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, *stored.LastRowCount)
}

func TestSegmentService_Execute_FailureLeavesStatsUntouched(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"unreachable", unreachable(queryengine.PhaseExecute), apperrors.ErrEngineUnreachable},
		{"view missing", &queryengine.Error{Kind: queryengine.KindViewNotFound, Phase: queryengine.PhaseExecute, StatusCode: 404}, apperrors.ErrViewNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSegmentFixture(t)
			seg := f.create(t)
			f.clock.Advance(time.Hour)
			f.engine.executeErr = tt.err

			_, err := f.service.Execute(context.Background(), seg.ID)
			assert.ErrorIs(t, err, tt.wantErr)

			stored, getErr := f.service.Get(context.Background(), seg.ID)
			require.NoError(t, getErr)
			assert.Equal(t, *seg.LastRowCount, *stored.LastRowCount)
			assert.Equal(t, *seg.LastExecutedAt, *stored.LastExecutedAt)
		})
	}
}

func TestSegmentService_Execute_EngineServerErrorIsNotRejection(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"database failure", `{"detail":"Gagal mengeksekusi VIEW: (2013, 'Lost connection to MySQL server during query')"}`, apperrors.ErrEngineUnreachable},
		{"view dropped", `{"detail":"Gagal mengeksekusi VIEW: (1146, \"Table 'crm.segment_x' doesn't exist\")"}`, apperrors.ErrViewNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSegmentFixture(t)
			seg := f.create(t)
			f.clock.Advance(time.Hour)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)
			engine := queryengine.NewHTTPClient(srv.URL, 5*time.Second, zap.NewNop())
			service := NewSegmentService(f.repo, engine, f.idempotency, f.clock.Now, jakarta, zap.NewNop())

			_, err := service.Execute(context.Background(), seg.ID)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, apperrors.ErrGenerationRejected)
			assert.False(t, IsRecoverable(err))

			stored, getErr := service.Get(context.Background(), seg.ID)
			require.NoError(t, getErr)
			assert.Equal(t, *seg.LastRowCount, *stored.LastRowCount)
			assert.Equal(t, *seg.LastExecutedAt, *stored.LastExecutedAt)
		})
	}
}

func TestSegmentService_Execute_Unknown(t *testing.T) {
	f := newSegmentFixture(t)

	_, err := f.service.Execute(context.Background(), uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 0, f.engine.executeCalls)
}

// ============================================================================
// Refresh
// ============================================================================

func TestSegmentService_Refresh_RegeneratesForToday(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)

	f.clock.Advance(3 * 24 * time.Hour)
	result, err := f.service.Refresh(context.Background(), seg.ID)
	require.NoError(t, err)

	assert.False(t, result.Stale)
	assert.NoError(t, result.ExecutionError)
	require.NotNil(t, result.Execution)
	assert.Equal(t, seg.OriginalPrompt, f.engine.lastPrompt)
	assert.Equal(t, seg.ID, f.engine.lastRefreshID)

	updated := result.Segment
	assert.Equal(t, "2025-03-17", updated.AsOfDate())
	assert.Contains(t, updated.SQLQuery, "2025-03-17")
	assert.NotEqual(t, seg.SQLQuery, updated.SQLQuery)
	assert.False(t, updated.StatsStale)
	assert.Equal(t, f.clock.Now(), *updated.LastExecutedAt)

	// Identity is stable across refresh.
	assert.Equal(t, seg.ID, updated.ID)
	assert.Equal(t, seg.ViewName, updated.ViewName)
	assert.Equal(t, seg.OriginalPrompt, updated.OriginalPrompt)
	assert.Equal(t, seg.Columns, updated.Columns)
	assert.Equal(t, seg.CreatedBy, updated.CreatedBy)

	stored, err := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.SQLQuery, stored.SQLQuery)
	assert.False(t, stored.StatsStale)
}

func TestSegmentService_Refresh_RepeatedRefreshesKeepCreationColumns(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)
	created, err := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	require.NotEmpty(t, created.Columns)

	shapes := [][]models.Row{
		{row("custid", 7, "region", "Jawa Barat")},
		{row("custid", "C-9", "custname", "Dewi", "totalspend", "n/a", "joindate", 20240101, "tier", "gold")},
		{},
		{row("total", 3)},
	}
	for i, rows := range shapes {
		f.clock.Advance(24 * time.Hour)
		f.engine.setRows(rows...)

		result, err := f.service.Refresh(context.Background(), seg.ID)
		require.NoError(t, err, "refresh %d", i+1)
		assert.Equal(t, created.Columns, result.Segment.Columns, "refresh %d", i+1)

		stored, err := f.service.Get(context.Background(), seg.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Columns, stored.Columns, "refresh %d", i+1)
		assert.Equal(t, f.clock.Now().In(jakarta).Format(models.AsOfDateLayout), stored.AsOfDate(), "refresh %d", i+1)
	}
	assert.Equal(t, len(shapes), f.engine.refreshCalls)
}

func TestSegmentService_Refresh_KeepsStoredViewName(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)
	f.engine.refreshDef = &queryengine.ViewDefinition{Name: "n", Description: "d", SQL: "SELECT 2", ViewName: "segment_other"}

	result, err := f.service.Refresh(context.Background(), seg.ID)
	require.NoError(t, err)

	assert.Equal(t, seg.ViewName, result.Segment.ViewName)
	assert.Equal(t, "SELECT 2", result.Segment.SQLQuery)
}

func TestSegmentService_Refresh_GenerationFailureChangesNothing(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)
	f.clock.Advance(24 * time.Hour)
	f.engine.refreshErr = unreachable(queryengine.PhaseRefresh)

	result, err := f.service.Refresh(context.Background(), seg.ID)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrEngineUnreachable)
	assert.Equal(t, 0, f.repo.updateDefCalls)

	stored, getErr := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, getErr)
	assert.Equal(t, seg.SQLQuery, stored.SQLQuery)
	assert.Equal(t, seg.CreatedDate, stored.CreatedDate)
}

func TestSegmentService_Refresh_ExecutionFailureIsReportedStale(t *testing.T) {
	f := newSegmentFixture(t)
	seg := f.create(t)
	f.clock.Advance(24 * time.Hour)
	f.engine.executeErr = unreachable(queryengine.PhaseExecute)

	result, err := f.service.Refresh(context.Background(), seg.ID)
	require.NoError(t, err)

	assert.True(t, result.Stale)
	assert.ErrorIs(t, result.ExecutionError, apperrors.ErrEngineUnreachable)
	assert.Nil(t, result.Execution)
	assert.Contains(t, result.Segment.SQLQuery, "2025-03-15")

	stored, err := f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.True(t, stored.StatsStale)
	assert.Contains(t, stored.SQLQuery, "2025-03-15")
	assert.Equal(t, *seg.LastRowCount, *stored.LastRowCount)
	assert.Equal(t, *seg.LastExecutedAt, *stored.LastExecutedAt)

	// A later successful execute clears the marker.
	f.engine.executeErr = nil
	_, err = f.service.Execute(context.Background(), seg.ID)
	require.NoError(t, err)
	stored, err = f.service.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.False(t, stored.StatsStale)
}

func TestSegmentService_Refresh_Unknown(t *testing.T) {
	f := newSegmentFixture(t)

	_, err := f.service.Refresh(context.Background(), uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 0, f.engine.refreshCalls)
}

// ============================================================================
// SoftDelete
// ============================================================================

func TestSegmentService_SoftDelete_HidesButKeepsRecord(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()
	seg := f.create(t)

	ok, err := f.service.SoftDelete(ctx, seg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.service.Get(ctx, seg.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.service.Execute(ctx, seg.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.service.Refresh(ctx, seg.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	raw, err := f.repo.GetByIDIncludingDeleted(ctx, seg.ID)
	require.NoError(t, err)
	assert.True(t, raw.IsDeleted)
	require.NotNil(t, raw.DeletedAt)
	assert.Equal(t, f.clock.Now(), *raw.DeletedAt)
	assert.Equal(t, seg.SQLQuery, raw.SQLQuery)
}

func TestSegmentService_SoftDelete_IsIdempotent(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()
	seg := f.create(t)

	_, err := f.service.SoftDelete(ctx, seg.ID)
	require.NoError(t, err)
	firstDeletedAt := f.clock.Now()

	f.clock.Advance(time.Hour)
	ok, err := f.service.SoftDelete(ctx, seg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := f.repo.GetByIDIncludingDeleted(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, firstDeletedAt, *raw.DeletedAt)
}

func TestSegmentService_SoftDelete_Unknown(t *testing.T) {
	f := newSegmentFixture(t)

	ok, err := f.service.SoftDelete(context.Background(), uuid.New())

	assert.False(t, ok)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

// An engine outage during create leaves nothing behind, and the same
// description succeeds once the engine is back.
func TestSegmentLifecycle_EngineOutageDuringCreate(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()

	f.engine.generateErr = unreachable(queryengine.PhaseGenerate)
	_, err := f.service.Create(ctx, "pelanggan aktif", "user-1")
	require.ErrorIs(t, err, apperrors.ErrEngineUnreachable)

	f.engine.generateErr = nil
	seg, err := f.service.Create(ctx, "pelanggan aktif", "user-1")
	require.NoError(t, err)

	list, err := f.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, seg.ID, list[0].ID)
}

func TestSegmentLifecycle_CreateExecuteRefreshDelete(t *testing.T) {
	f := newSegmentFixture(t)
	ctx := context.Background()

	seg := f.create(t)

	f.clock.Advance(time.Hour)
	exec, err := f.service.Execute(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.RowCount)

	f.clock.Advance(30 * 24 * time.Hour)
	refreshed, err := f.service.Refresh(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-04-13", refreshed.Segment.AsOfDate())

	ok, err := f.service.SoftDelete(ctx, seg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := f.service.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(apperrors.ErrInvalidInput))
	assert.True(t, IsRecoverable(&CreateError{Phase: CreatePending, Err: &queryengine.Error{Kind: queryengine.KindRejected, Phase: queryengine.PhaseGenerate}}))
	assert.False(t, IsRecoverable(unreachable(queryengine.PhaseExecute)))
	assert.False(t, IsRecoverable(apperrors.ErrStoreFailure))
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, outcomeSuccess, outcomeOf(nil))
	assert.Equal(t, "engine_unreachable", outcomeOf(unreachable(queryengine.PhaseGenerate)))
	assert.Equal(t, "store_failure", outcomeOf(&CreateError{Phase: CreateSampleExecuted, Err: apperrors.ErrStoreFailure}))
	assert.Equal(t, "error", outcomeOf(errors.New("boom")))
}
