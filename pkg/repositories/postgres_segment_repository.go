package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-segments/pkg/database"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

const segmentColumns = `
	segment_id, name, description, original_prompt, sql_query, view_name, columns,
	created_by, source, created_date, last_executed_at, last_row_count, stats_stale,
	is_deleted, deleted_at, created_at, updated_at`

type postgresSegmentRepository struct {
	db       *database.DB
	location *time.Location
}

// NewPostgresSegmentRepository creates a SegmentRepository backed by the segments table.
// Uniqueness of segment_id is enforced by its primary key. created_date is a DATE and
// is read back as midnight in location.
func NewPostgresSegmentRepository(db *database.DB, location *time.Location) SegmentRepository {
	return &postgresSegmentRepository{db: db, location: location}
}

var _ SegmentRepository = (*postgresSegmentRepository)(nil)

func (r *postgresSegmentRepository) Create(ctx context.Context, segment *models.Segment) error {
	now := time.Now().UTC()
	segment.CreatedAt = now
	segment.UpdatedAt = now

	sql := `
		INSERT INTO segments (` + segmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, sql,
		segment.ID, segment.Name, segment.Description, segment.OriginalPrompt,
		segment.SQLQuery, segment.ViewName, segment.Columns,
		segment.CreatedBy, string(segment.Source), calendarDay(segment.CreatedDate),
		segment.LastExecutedAt, segment.LastRowCount, segment.StatsStale,
		segment.IsDeleted, segment.DeletedAt, segment.CreatedAt, segment.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return segmentExists(segment.ID)
		}
		return storeFailure("create segment", err)
	}
	return nil
}

func (r *postgresSegmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	sql := `SELECT ` + segmentColumns + ` FROM segments WHERE segment_id = $1 AND NOT is_deleted`
	return r.getOne(ctx, id, sql)
}

func (r *postgresSegmentRepository) GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	sql := `SELECT ` + segmentColumns + ` FROM segments WHERE segment_id = $1`
	return r.getOne(ctx, id, sql)
}

func (r *postgresSegmentRepository) getOne(ctx context.Context, id uuid.UUID, sql string) (*models.Segment, error) {
	seg, err := r.scanSegment(r.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, segmentNotFound(id)
		}
		return nil, storeFailure("get segment", err)
	}
	return seg, nil
}

func (r *postgresSegmentRepository) List(ctx context.Context) ([]*models.Segment, error) {
	sql := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE NOT is_deleted
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return nil, storeFailure("list segments", err)
	}
	defer rows.Close()

	segments := make([]*models.Segment, 0)
	for rows.Next() {
		seg, err := r.scanSegment(rows)
		if err != nil {
			return nil, storeFailure("scan segment", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("iterate segments", err)
	}
	return segments, nil
}

func (r *postgresSegmentRepository) UpdateExecutionStats(ctx context.Context, id uuid.UUID, executedAt time.Time, rowCount int) error {
	sql := `
		UPDATE segments
		SET last_executed_at = $2,
		    last_row_count = $3,
		    stats_stale = FALSE,
		    updated_at = NOW()
		WHERE segment_id = $1 AND NOT is_deleted`

	result, err := r.db.Exec(ctx, sql, id, executedAt.UTC(), rowCount)
	if err != nil {
		return storeFailure("update execution stats", err)
	}
	if result.RowsAffected() == 0 {
		return segmentNotFound(id)
	}
	return nil
}

func (r *postgresSegmentRepository) UpdateDefinition(ctx context.Context, id uuid.UUID, def DefinitionUpdate) (*models.Segment, error) {
	sql := `
		UPDATE segments
		SET name = $2,
		    description = $3,
		    sql_query = $4,
		    created_date = $5,
		    stats_stale = TRUE,
		    updated_at = NOW()
		WHERE segment_id = $1 AND NOT is_deleted
		RETURNING ` + segmentColumns

	seg, err := r.scanSegment(r.db.QueryRow(ctx, sql, id, def.Name, def.Description, def.SQLQuery, calendarDay(def.AsOf)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, segmentNotFound(id)
		}
		return nil, storeFailure("update segment definition", err)
	}
	return seg, nil
}

func (r *postgresSegmentRepository) SoftDelete(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error) {
	sql := `
		UPDATE segments
		SET is_deleted = TRUE,
		    deleted_at = $2,
		    updated_at = NOW()
		WHERE segment_id = $1 AND NOT is_deleted`

	result, err := r.db.Exec(ctx, sql, id, deletedAt.UTC())
	if err != nil {
		return false, storeFailure("soft-delete segment", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	// Already deleted, or never existed. Repeats leave the record untouched.
	var exists bool
	err = r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM segments WHERE segment_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, storeFailure("soft-delete segment", err)
	}
	return exists, nil
}

func (r *postgresSegmentRepository) scanSegment(row pgx.Row) (*models.Segment, error) {
	var s models.Segment
	var source string
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.OriginalPrompt, &s.SQLQuery, &s.ViewName, &s.Columns,
		&s.CreatedBy, &source, &s.CreatedDate, &s.LastExecutedAt, &s.LastRowCount, &s.StatsStale,
		&s.IsDeleted, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Source = models.ProvenanceSource(source)
	s.CreatedDate = dayIn(s.CreatedDate, r.location)
	return &s, nil
}
