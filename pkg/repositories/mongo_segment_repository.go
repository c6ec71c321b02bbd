package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/models"
)

// segmentDocument is the stored shape of a segment. Ids are kept as strings so the
// collection stays readable from other tools; createdDate is a YYYY-MM-DD calendar day.
type segmentDocument struct {
	SegmentID      string           `bson:"segmentId"`
	Name           string           `bson:"name"`
	Description    string           `bson:"description"`
	OriginalPrompt string           `bson:"originalPrompt"`
	SQLQuery       string           `bson:"sqlQuery"`
	ViewName       string           `bson:"viewName"`
	Columns        []columnDocument `bson:"columns"`
	CreatedBy      string           `bson:"createdBy"`
	Source         string           `bson:"source,omitempty"`
	CreatedDate    string           `bson:"createdDate"`
	LastExecutedAt *time.Time       `bson:"lastExecutedAt,omitempty"`
	LastRowCount   *int             `bson:"lastRowCount,omitempty"`
	StatsStale     bool             `bson:"statsStale"`
	IsDeleted      bool             `bson:"isDeleted"`
	DeletedAt      *time.Time       `bson:"deletedAt,omitempty"`
	CreatedAt      time.Time        `bson:"createdAt"`
	UpdatedAt      time.Time        `bson:"updatedAt"`
}

type columnDocument struct {
	Key   string `bson:"key"`
	Label string `bson:"label"`
	Type  string `bson:"type"`
}

type mongoSegmentRepository struct {
	coll     *mongo.Collection
	location *time.Location
	logger   *zap.Logger
}

// NewMongoSegmentRepository creates a SegmentRepository backed by a MongoDB collection
// and ensures its indexes, including the unique index on segmentId. Stored as-of dates
// are read back as midnight in location.
func NewMongoSegmentRepository(ctx context.Context, coll *mongo.Collection, location *time.Location, logger *zap.Logger) (SegmentRepository, error) {
	repo := &mongoSegmentRepository{
		coll:     coll,
		location: location,
		logger:   logger.Named("segment_store"),
	}
	if err := repo.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

var _ SegmentRepository = (*mongoSegmentRepository)(nil)

func (r *mongoSegmentRepository) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "segmentId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("segmentId_unique"),
		},
		{
			Keys:    bson.D{{Key: "isDeleted", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("visible_by_created"),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return storeFailure("create segment indexes", err)
	}
	return nil
}

// visible matches a segment by id unless it is soft-deleted.
func visible(id uuid.UUID) bson.M {
	return bson.M{"segmentId": id.String(), "isDeleted": bson.M{"$ne": true}}
}

func (r *mongoSegmentRepository) Create(ctx context.Context, segment *models.Segment) error {
	now := time.Now().UTC()
	segment.CreatedAt = now
	segment.UpdatedAt = now

	if _, err := r.coll.InsertOne(ctx, toSegmentDocument(segment)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return segmentExists(segment.ID)
		}
		return storeFailure("create segment", err)
	}
	return nil
}

func (r *mongoSegmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return r.findOne(ctx, id, visible(id))
}

func (r *mongoSegmentRepository) GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return r.findOne(ctx, id, bson.M{"segmentId": id.String()})
}

func (r *mongoSegmentRepository) findOne(ctx context.Context, id uuid.UUID, filter bson.M) (*models.Segment, error) {
	var doc segmentDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, segmentNotFound(id)
		}
		return nil, storeFailure("get segment", err)
	}
	return doc.toModel(r.location)
}

func (r *mongoSegmentRepository) List(ctx context.Context) ([]*models.Segment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.coll.Find(ctx, bson.M{"isDeleted": bson.M{"$ne": true}}, opts)
	if err != nil {
		return nil, storeFailure("list segments", err)
	}
	defer cursor.Close(ctx)

	segments := make([]*models.Segment, 0)
	for cursor.Next(ctx) {
		var doc segmentDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeFailure("decode segment", err)
		}
		seg, err := doc.toModel(r.location)
		if err != nil {
			// Unreadable records are logged and skipped.
			r.logger.Warn("Skipping unreadable segment document",
				zap.String("segment_id", doc.SegmentID),
				zap.Error(err))
			continue
		}
		segments = append(segments, seg)
	}
	if err := cursor.Err(); err != nil {
		return nil, storeFailure("iterate segments", err)
	}
	return segments, nil
}

func (r *mongoSegmentRepository) UpdateExecutionStats(ctx context.Context, id uuid.UUID, executedAt time.Time, rowCount int) error {
	update := bson.M{"$set": bson.M{
		"lastExecutedAt": executedAt.UTC(),
		"lastRowCount":   rowCount,
		"statsStale":     false,
		"updatedAt":      time.Now().UTC(),
	}}

	result, err := r.coll.UpdateOne(ctx, visible(id), update)
	if err != nil {
		return storeFailure("update execution stats", err)
	}
	if result.MatchedCount == 0 {
		return segmentNotFound(id)
	}
	return nil
}

func (r *mongoSegmentRepository) UpdateDefinition(ctx context.Context, id uuid.UUID, def DefinitionUpdate) (*models.Segment, error) {
	update := bson.M{"$set": bson.M{
		"name":        def.Name,
		"description": def.Description,
		"sqlQuery":    def.SQLQuery,
		"createdDate": def.AsOf.Format(models.AsOfDateLayout),
		"statsStale":  true,
		"updatedAt":   time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc segmentDocument
	if err := r.coll.FindOneAndUpdate(ctx, visible(id), update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, segmentNotFound(id)
		}
		return nil, storeFailure("update segment definition", err)
	}
	return doc.toModel(r.location)
}

func (r *mongoSegmentRepository) SoftDelete(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error) {
	update := bson.M{"$set": bson.M{
		"isDeleted": true,
		"deletedAt": deletedAt.UTC(),
		"updatedAt": time.Now().UTC(),
	}}

	result, err := r.coll.UpdateOne(ctx, visible(id), update)
	if err != nil {
		return false, storeFailure("soft-delete segment", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}

	// Already deleted, or never existed.
	n, err := r.coll.CountDocuments(ctx, bson.M{"segmentId": id.String()}, options.Count().SetLimit(1))
	if err != nil {
		return false, storeFailure("soft-delete segment", err)
	}
	return n > 0, nil
}

func toSegmentDocument(s *models.Segment) segmentDocument {
	cols := make([]columnDocument, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = columnDocument{Key: c.Key, Label: c.Label, Type: string(c.Type)}
	}
	return segmentDocument{
		SegmentID:      s.ID.String(),
		Name:           s.Name,
		Description:    s.Description,
		OriginalPrompt: s.OriginalPrompt,
		SQLQuery:       s.SQLQuery,
		ViewName:       s.ViewName,
		Columns:        cols,
		CreatedBy:      s.CreatedBy,
		Source:         string(s.Source),
		CreatedDate:    s.AsOfDate(),
		LastExecutedAt: s.LastExecutedAt,
		LastRowCount:   s.LastRowCount,
		StatsStale:     s.StatsStale,
		IsDeleted:      s.IsDeleted,
		DeletedAt:      s.DeletedAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (d *segmentDocument) toModel(loc *time.Location) (*models.Segment, error) {
	id, err := uuid.Parse(d.SegmentID)
	if err != nil {
		return nil, storeFailure("parse segment id", err)
	}
	asOf, err := time.Parse(models.AsOfDateLayout, d.CreatedDate)
	if err != nil {
		return nil, storeFailure("parse segment created date", err)
	}
	cols := make([]models.ColumnDefinition, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = models.ColumnDefinition{Key: c.Key, Label: c.Label, Type: models.ColumnType(c.Type)}
	}
	return &models.Segment{
		ID:             id,
		Name:           d.Name,
		Description:    d.Description,
		OriginalPrompt: d.OriginalPrompt,
		SQLQuery:       d.SQLQuery,
		ViewName:       d.ViewName,
		Columns:        cols,
		CreatedBy:      d.CreatedBy,
		Source:         models.ProvenanceSource(d.Source),
		CreatedDate:    dayIn(asOf, loc),
		LastExecutedAt: d.LastExecutedAt,
		LastRowCount:   d.LastRowCount,
		StatsStale:     d.StatsStale,
		IsDeleted:      d.IsDeleted,
		DeletedAt:      d.DeletedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}
