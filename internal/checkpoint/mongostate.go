package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore keeps run state in a shared MongoDB collection, next to other
// runtime documents told apart by documentType.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to MongoDB and returns a store over database.collection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("creating mongo client: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func runStateFilter(extra bson.M) bson.M {
	filter := bson.M{"documentType": bson.M{"$in": bson.A{DocumentTypeMigration, DocumentTypeSync}}}
	for k, v := range extra {
		filter[k] = v
	}
	return filter
}

// Get returns the state for a run.
func (m *MongoStore) Get(ctx context.Context, id string) (*RunState, error) {
	var st RunState
	err := m.collection.FindOne(ctx, runStateFilter(bson.M{"_id": id})).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run state %s: %w", id, err)
	}
	return &st, nil
}

// Create inserts a new run state.
func (m *MongoStore) Create(ctx context.Context, st *RunState) error {
	doc := st.Clone()
	doc.Version = 1
	doc.LastUpdatedAt = now()
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return fmt.Errorf("creating run state %s: %w", st.ID, err)
	}
	st.Version = doc.Version
	st.LastUpdatedAt = doc.LastUpdatedAt
	return nil
}

// Update replaces the document only if its version still matches.
func (m *MongoStore) Update(ctx context.Context, st *RunState) error {
	prev, err := m.Get(ctx, st.ID)
	if err != nil {
		return err
	}
	if prev.Version != st.Version {
		return ErrConflict
	}
	if err := validateUpdate(prev, st); err != nil {
		return err
	}

	next := st.Clone()
	next.Version = st.Version + 1
	next.LastUpdatedAt = now()
	res, err := m.collection.ReplaceOne(ctx, bson.M{"_id": st.ID, "version": st.Version}, next)
	if err != nil {
		return fmt.Errorf("updating run state %s: %w", st.ID, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	st.Version = next.Version
	st.LastUpdatedAt = next.LastUpdatedAt
	return nil
}

// Delete removes a run state.
func (m *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := m.collection.DeleteOne(ctx, runStateFilter(bson.M{"_id": id}))
	if err != nil {
		return fmt.Errorf("deleting run state %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every run state ordered by id.
func (m *MongoStore) List(ctx context.Context) ([]*RunState, error) {
	cur, err := m.collection.Find(ctx, runStateFilter(nil), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing run states: %w", err)
	}
	var states []*RunState
	if err := cur.All(ctx, &states); err != nil {
		return nil, fmt.Errorf("decoding run states: %w", err)
	}
	return states, nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Ensure MongoStore implements Store
var _ Store = (*MongoStore)(nil)
