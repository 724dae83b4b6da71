package target

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestMongoDocumentKeepsKeyAndLegacyID(t *testing.T) {
	doc := Document{
		Key:        "081-24-00001-cases-SYNCED_CASE",
		Collection: "cases",
		LegacyID:   "081-24-00001",
		Body: map[string]any{
			"_id":          "ignored",
			"documentType": "SYNCED_CASE",
			"caseTitle":    "In re Doe",
		},
	}

	m := mongoDocument(doc)
	if m["_id"] != doc.Key {
		t.Errorf("_id = %v, want %s", m["_id"], doc.Key)
	}
	if m["legacyId"] != doc.LegacyID {
		t.Errorf("legacyId = %v, want %s", m["legacyId"], doc.LegacyID)
	}
	if m["caseTitle"] != "In re Doe" || m["documentType"] != "SYNCED_CASE" {
		t.Errorf("body fields not copied: %v", m)
	}
	if _, ok := m["updatedOn"]; !ok {
		t.Error("updatedOn not set")
	}
	if doc.Body["_id"] != "ignored" {
		t.Error("mongoDocument mutated the input body")
	}
}

func TestMongoDestinationUpsertIsIdempotent(t *testing.T) {
	uri := os.Getenv("DATAFLOWS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DATAFLOWS_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	dest, err := NewMongoDestination(ctx, uri, "dataflows_test")
	if err != nil {
		t.Fatalf("NewMongoDestination: %v", err)
	}
	defer dest.Close()

	collection := "trustees_" + t.Name()
	defer dest.db.Collection(collection).Drop(ctx)

	doc := Document{Key: "T1-trustees-TRUSTEE", Collection: collection, LegacyID: "T1", Body: map[string]any{"name": "A"}}
	for i := 0; i < 2; i++ {
		if err := dest.Upsert(ctx, doc); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}
	n, err := dest.db.Collection(collection).CountDocuments(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if n != 1 {
		t.Errorf("documents = %d, want 1 after duplicate upsert", n)
	}

	got, err := dest.FindByLegacyID(ctx, collection, "T1")
	if err != nil {
		t.Fatalf("FindByLegacyID: %v", err)
	}
	if got.Key != doc.Key || got.Body["name"] != "A" {
		t.Errorf("FindByLegacyID = %+v", got)
	}

	if _, err := dest.FindByLegacyID(ctx, collection, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing legacy id: err = %v, want ErrNotFound", err)
	}
}
