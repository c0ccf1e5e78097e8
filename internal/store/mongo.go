package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"companion/internal/database"
	"companion/internal/models"
)

// Mongo is the MongoDB-backed PatternStore for deployments that already run
// one. Patterns are keyed by their own id field, not Mongo's _id.
type Mongo struct {
	db  *database.MongoDB
	now func() time.Time
}

// NewMongo wraps an established MongoDB connection.
func NewMongo(db *database.MongoDB) *Mongo {
	return &Mongo{db: db, now: time.Now}
}

func (m *Mongo) patterns() *mongo.Collection {
	return m.db.Collection(database.CollectionPatterns)
}

func (m *Mongo) usages() *mongo.Collection {
	return m.db.Collection(database.CollectionPatternUsages)
}

// SavePattern upserts a pattern by id.
func (m *Mongo) SavePattern(ctx context.Context, p *models.CrystallizedPattern) error {
	if p == nil || p.ID == "" {
		return models.NewStorageError("save", fmt.Errorf("pattern id is required"))
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.patterns().ReplaceOne(ctx, bson.M{"id": p.ID}, p, opts); err != nil {
		return models.NewStorageError("save", err)
	}
	return nil
}

func (m *Mongo) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*models.CrystallizedPattern, error) {
	cursor, err := m.patterns().Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*models.CrystallizedPattern
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPattern returns one pattern by id.
func (m *Mongo) GetPattern(ctx context.Context, id string) (*models.CrystallizedPattern, error) {
	var p models.CrystallizedPattern
	err := m.patterns().FindOne(ctx, bson.M{"id": id}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, models.NewStorageError("get", fmt.Errorf("pattern %s: %w", id, models.ErrNotFound))
	}
	if err != nil {
		return nil, models.NewStorageError("get", err)
	}
	return &p, nil
}

// LoadPatterns returns every stored pattern, oldest first.
func (m *Mongo) LoadPatterns(ctx context.Context) ([]*models.CrystallizedPattern, error) {
	out, err := m.find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// UpdatePattern replaces an existing pattern; missing ids fail with
// models.ErrNotFound.
func (m *Mongo) UpdatePattern(ctx context.Context, p *models.CrystallizedPattern) error {
	res, err := m.patterns().ReplaceOne(ctx, bson.M{"id": p.ID}, p)
	if err != nil {
		return models.NewStorageError("update", err)
	}
	if res.MatchedCount == 0 {
		return models.NewStorageError("update", fmt.Errorf("pattern %s: %w", p.ID, models.ErrNotFound))
	}
	return nil
}

// DeletePattern removes a pattern by id. Missing ids are a no-op.
func (m *Mongo) DeletePattern(ctx context.Context, id string) error {
	if _, err := m.patterns().DeleteOne(ctx, bson.M{"id": id}); err != nil {
		return models.NewStorageError("delete", err)
	}
	return nil
}

// PatternsBySubject filters patterns by owning subject.
func (m *Mongo) PatternsBySubject(ctx context.Context, subjectID string) ([]*models.CrystallizedPattern, error) {
	out, err := m.find(ctx, bson.M{"subjectId": subjectID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// TopPatterns returns up to limit patterns ordered by usage count descending.
func (m *Mongo) TopPatterns(ctx context.Context, limit int) ([]*models.CrystallizedPattern, error) {
	opts := options.Find().SetSort(bson.D{{Key: "usageCount", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	out, err := m.find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// RecordUsage appends a usage event.
func (m *Mongo) RecordUsage(ctx context.Context, usage models.PatternUsage) error {
	if _, err := m.usages().InsertOne(ctx, usage); err != nil {
		return models.NewStorageError("usage", err)
	}
	return nil
}

// Stats aggregates the store contents. Pattern counts are aggregated
// server-side, the recent usage window is a sorted find.
func (m *Mongo) Stats(ctx context.Context) (*models.PatternStats, error) {
	stats := &models.PatternStats{}

	activeCutoff := m.now().Add(-activeWindow)
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":            nil,
			"totalPatterns":  bson.M{"$sum": 1},
			"activePatterns": bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$gt": bson.A{"$lastUsedAt", activeCutoff}}, 1, 0}}},
			"totalUsages":    bson.M{"$sum": "$usageCount"},
			"avgSuccessRate": bson.M{"$avg": "$successRate"},
			"avgConfidence":  bson.M{"$avg": "$confidence"},
		}}},
	}
	cursor, err := m.patterns().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	var agg []struct {
		TotalPatterns  int     `bson:"totalPatterns"`
		ActivePatterns int     `bson:"activePatterns"`
		TotalUsages    int64   `bson:"totalUsages"`
		AvgSuccessRate float64 `bson:"avgSuccessRate"`
		AvgConfidence  float64 `bson:"avgConfidence"`
	}
	if err := cursor.All(ctx, &agg); err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	if len(agg) > 0 {
		stats.TotalPatterns = agg[0].TotalPatterns
		stats.ActivePatterns = agg[0].ActivePatterns
		stats.TotalUsages = agg[0].TotalUsages
		stats.AvgSuccessRate = agg[0].AvgSuccessRate
		stats.AvgConfidence = agg[0].AvgConfidence
	}

	stats.TopPatterns, err = m.TopPatterns(ctx, 5)
	if err != nil {
		return nil, err
	}

	usageCursor, err := m.usages().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "executedAt", Value: -1}}).SetLimit(recentUsageLimit))
	if err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	if err := usageCursor.All(ctx, &stats.RecentUsages); err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	return stats, nil
}

// Export snapshots the full pattern set.
func (m *Mongo) Export(ctx context.Context) (*models.PatternExport, error) {
	patterns, err := m.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return &models.PatternExport{
		FormatVersion: models.ExportFormatVersion,
		ExportedAt:    m.now(),
		Patterns:      patterns,
	}, nil
}

// Import upserts every pattern from the document by id.
func (m *Mongo) Import(ctx context.Context, doc *models.PatternExport) (int, error) {
	if doc == nil {
		return 0, models.NewStorageError("import", fmt.Errorf("nil export document"))
	}
	count := 0
	for _, p := range doc.Patterns {
		if err := m.SavePattern(ctx, p); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.db.Close(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}
