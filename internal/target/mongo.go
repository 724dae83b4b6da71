// Package target writes transformed documents to the destination store.
package target

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

// ErrNotFound is returned when no document carries the legacy id
var ErrNotFound = errors.New("document not found")

// Document is one destination write. Key is the natural key the upsert
// matches on, so writing the same Document twice leaves one copy.
type Document struct {
	Key        string         `json:"key"`
	Collection string         `json:"collection"`
	LegacyID   string         `json:"legacyId"`
	Body       map[string]any `json:"body"`
}

// MongoDestination upserts documents into MongoDB collections.
type MongoDestination struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDestination connects and pings the primary.
func NewMongoDestination(ctx context.Context, uri, database string) (*MongoDestination, error) {
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
	return &MongoDestination{client: client, db: client.Database(database)}, nil
}

func mongoDocument(doc Document) bson.M {
	m := bson.M{}
	for k, v := range doc.Body {
		m[k] = v
	}
	m["_id"] = doc.Key
	m["legacyId"] = doc.LegacyID
	m["updatedOn"] = time.Now().UTC()
	return m
}

// Upsert replaces the document with the same key, inserting it if absent.
func (m *MongoDestination) Upsert(ctx context.Context, doc Document) error {
	_, err := m.db.Collection(doc.Collection).ReplaceOne(ctx,
		bson.M{"_id": doc.Key}, mongoDocument(doc), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting %s into %s: %w", doc.Key, doc.Collection, err)
	}
	return nil
}

// FindByLegacyID returns the first document written for a legacy id.
func (m *MongoDestination) FindByLegacyID(ctx context.Context, collection, legacyID string) (*Document, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"legacyId": legacyID}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s in %s: %w", legacyID, collection, err)
	}

	doc := &Document{Collection: collection, LegacyID: legacyID, Body: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "_id":
			doc.Key = fmt.Sprint(v)
		case "legacyId", "updatedOn":
		default:
			doc.Body[k] = v
		}
	}
	return doc, nil
}

// Ping checks the primary is reachable.
func (m *MongoDestination) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoDestination) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
