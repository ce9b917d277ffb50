package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "history"

// MongoStore keeps history in a MongoDB collection, for deployments that
// run more than one coordinator against shared storage.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri and prepares the history collection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(mongoCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "id", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create history indexes: %w", err)
	}
	return &MongoStore{client: client, coll: coll}, nil
}

// Write inserts r.
func (m *MongoStore) Write(ctx context.Context, r Record) error {
	if _, err := m.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// Read returns records matching q, oldest first.
func (m *MongoStore) Read(ctx context.Context, q Query) ([]Record, error) {
	filter := bson.M{"kind": q.Kind}
	if q.ID != "" {
		filter["id"] = q.ID
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for i := range out {
		out[i].At = out[i].At.UTC()
	}
	return out, nil
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
