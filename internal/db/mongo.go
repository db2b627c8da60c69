package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/control-room/internal/models"
)

// ConnectMongo connects to MongoDB at uri and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoCollection wraps a MongoDB collection for position operations.
type MongoCollection struct {
	Collection *mongo.Collection
	// now is overridden in tests.
	now func() time.Time
}

// NewMongoCollection wraps coll.
func NewMongoCollection(coll *mongo.Collection) *MongoCollection {
	return &MongoCollection{Collection: coll}
}

func (c *MongoCollection) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

// EnsureIndexes creates the indexes used by the position queries.
func (c *MongoCollection) EnsureIndexes(ctx context.Context) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "vehicle_id", Value: 1}, {Key: "last_update", Value: -1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "last_update", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// InsertPosition inserts a position record into the collection.
func (c *MongoCollection) InsertPosition(ctx context.Context, rec *models.PositionRecord) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	rec.CreatedAt = c.clock()
	res, err := c.Collection.InsertOne(ctx, rec)
	if err != nil {
		return err
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = id
	}
	return nil
}

// InsertPositions inserts several position records with one ordered write.
func (c *MongoCollection) InsertPositions(ctx context.Context, recs []models.PositionRecord) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if len(recs) == 0 {
		return nil
	}
	now := c.clock()
	docs := make([]interface{}, len(recs))
	for i := range recs {
		recs[i].CreatedAt = now
		if recs[i].ID.IsZero() {
			recs[i].ID = primitive.NewObjectID()
		}
		docs[i] = recs[i]
	}
	_, err := c.Collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

// FindPositions returns the positions of a tenant, newest first. A limit of
// zero returns every row.
func (c *MongoCollection) FindPositions(ctx context.Context, tenantID string, limit int64) ([]models.PositionRecord, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_update", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := c.Collection.Find(ctx, bson.M{"tenant_id": tenantID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.PositionRecord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindLatestPositions returns the newest position of every vehicle of a
// tenant, sorted by vehicle ID.
func (c *MongoCollection) FindLatestPositions(ctx context.Context, tenantID string) ([]models.PositionRecord, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	cursor, err := c.Collection.Aggregate(ctx, latestPipeline(tenantID))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.PositionRecord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func latestPipeline(tenantID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "tenant_id", Value: tenantID}}}},
		{{Key: "$sort", Value: bson.D{{Key: "last_update", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$vehicle_id"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "vehicle_id", Value: 1}}}},
	}
}

// CountPositions returns the number of stored positions.
func (c *MongoCollection) CountPositions(ctx context.Context) (int64, error) {
	if c.Collection == nil {
		return 0, fmt.Errorf("mongo collection is nil")
	}
	return c.Collection.EstimatedDocumentCount(ctx)
}

// changeDocument is the subset of a change stream event we read.
type changeDocument struct {
	OperationType string                 `bson:"operationType"`
	FullDocument  *models.PositionRecord `bson:"fullDocument"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
}

// toChangeEvent maps a change stream event. Deletes only carry the row id.
func (d changeDocument) toChangeEvent() (models.ChangeEvent, bool) {
	switch d.OperationType {
	case "insert":
		return models.ChangeEvent{Type: models.EventInsert, New: d.FullDocument}, d.FullDocument != nil
	case "update", "replace":
		return models.ChangeEvent{Type: models.EventUpdate, New: d.FullDocument}, d.FullDocument != nil
	case "delete":
		return models.ChangeEvent{Type: models.EventDelete, Old: &models.PositionRecord{ID: d.DocumentKey.ID}}, true
	default:
		return models.ChangeEvent{}, false
	}
}

// Watch streams changes of the collection to fn until ctx is done or the
// stream fails. It requires a replica set.
func (c *MongoCollection) Watch(ctx context.Context, fn func(models.ChangeEvent)) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
			{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
		}}}}},
	}
	stream, err := c.Collection.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var doc changeDocument
		if err := stream.Decode(&doc); err != nil {
			log.WithError(err).Warn("skipping undecodable change event")
			continue
		}
		if ev, ok := doc.toChangeEvent(); ok {
			fn(ev)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("change stream: %w", err)
	}
	return nil
}
