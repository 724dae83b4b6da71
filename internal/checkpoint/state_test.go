package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := New(t.TempDir())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			return s
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
			if err != nil {
				t.Fatalf("NewFileState: %v", err)
			}
			return s
		},
	}
	if uri := os.Getenv("DATAFLOWS_TEST_MONGO_URI"); uri != "" {
		factories["mongo"] = func(t *testing.T) Store {
			s, err := NewMongoStore(context.Background(), uri, "dataflows_test", "runtime-state-"+filepath.Base(t.TempDir()))
			if err != nil {
				t.Fatalf("NewMongoStore: %v", err)
			}
			return s
		}
	}
	return factories
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				testCreateAndGet(t, store)
			})
			t.Run("optimistic concurrency", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				testOptimisticConcurrency(t, store)
			})
			t.Run("invariants", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				testInvariants(t, store)
			})
			t.Run("delete and list", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				testDeleteAndList(t, store)
			})
		})
	}
}

func testCreateAndGet(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.Get(ctx, "trustees"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}

	st := NewRunState("trustees", "cursor", false)
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.Version != 1 {
		t.Errorf("version after create = %d, want 1", st.Version)
	}
	if st.LastUpdatedAt.IsZero() {
		t.Error("lastUpdatedAt not set on create")
	}

	if err := store.Create(ctx, NewRunState("trustees", "cursor", false)); !errors.Is(err, ErrExists) {
		t.Errorf("second Create: err = %v, want ErrExists", err)
	}

	got, err := store.Get(ctx, "trustees")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DocumentType != DocumentTypeMigration {
		t.Errorf("documentType = %q, want %q", got.DocumentType, DocumentTypeMigration)
	}
	if got.Status != StatusNotStarted {
		t.Errorf("status = %q, want NOT_STARTED", got.Status)
	}
	if got.Cursor != "" {
		t.Errorf("cursor = %q, want empty", got.Cursor)
	}
}

func testOptimisticConcurrency(t *testing.T, store Store) {
	ctx := context.Background()
	if err := store.Create(ctx, NewRunState("cases", "range", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := store.Get(ctx, "cases")
	b, _ := store.Get(ctx, "cases")

	a.Status = StatusInProgress
	a.ProcessedCount = 10
	a.MarkCompleted(1)
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after update = %d, want 2", a.Version)
	}

	b.Status = StatusInProgress
	b.ProcessedCount = 5
	if err := store.Update(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale Update: err = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, "cases")
	if got.ProcessedCount != 10 {
		t.Errorf("processedCount = %d, want 10 (stale write must not win)", got.ProcessedCount)
	}
	if !got.HasCompleted(1) {
		t.Error("completed partition lost")
	}
}

func testInvariants(t *testing.T, store Store) {
	ctx := context.Background()
	st := NewRunState("trustees", "cursor", false)
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("Create: %v", err)
	}

	halted := st.Clone()
	halted.Status = StatusFailed
	if err := store.Update(ctx, halted); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("NOT_STARTED -> FAILED: err = %v, want ErrInvalidUpdate", err)
	}
	st, _ = store.Get(ctx, "trustees")

	st.Status = StatusInProgress
	st.Cursor = "100"
	st.ProcessedCount = 50
	if err := store.Update(ctx, st); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s *RunState)
	}{
		{"cursor cleared", func(s *RunState) { s.Cursor = "" }},
		{"counter decrease", func(s *RunState) { s.ProcessedCount = 49 }},
		{"back to not started", func(s *RunState) { s.Status = StatusNotStarted }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := store.Get(ctx, "trustees")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			tt.mutate(cur)
			if err := store.Update(ctx, cur); !errors.Is(err, ErrInvalidUpdate) {
				t.Errorf("Update: err = %v, want ErrInvalidUpdate", err)
			}
		})
	}

	// The source defines key order; a textually lower key is still progress.
	cur, _ := store.Get(ctx, "trustees")
	cur.Cursor = "99"
	if err := store.Update(ctx, cur); err != nil {
		t.Fatalf("advancing to a source-ordered key: %v", err)
	}

	cur, _ = store.Get(ctx, "trustees")
	cur.Cursor = "A-200"
	cur.Status = StatusCompleted
	if err := store.Update(ctx, cur); err != nil {
		t.Fatalf("completing: %v", err)
	}
	cur.Status = StatusInProgress
	if err := store.Update(ctx, cur); !errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("migration restart from COMPLETED: err = %v, want ErrInvalidUpdate", err)
	}
}

func testDeleteAndList(t *testing.T, store Store) {
	ctx := context.Background()
	for _, id := range []string{"trustees", "cases", "sync-cases"} {
		if err := store.Create(ctx, NewRunState(id, "cursor", id == "sync-cases")); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	states, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("List returned %d states, want 3", len(states))
	}
	if states[0].ID != "cases" || states[2].ID != "trustees" {
		t.Errorf("List not ordered by id: %s, %s, %s", states[0].ID, states[1].ID, states[2].ID)
	}

	if err := store.Delete(ctx, "cases"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "cases"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "cases"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestMutateRetriesConflicts(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	st := NewRunState("cases", "range", false)
	st.Status = StatusInProgress
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			_, err := Mutate(ctx, store, "cases", func(s *RunState) error {
				if !s.MarkCompleted(key) {
					return ErrSkip
				}
				s.ProcessedCount += 10
				return nil
			})
			if err != nil {
				t.Errorf("Mutate(%d): %v", key, err)
			}
		}(int64(i*1000 + 1))
	}
	wg.Wait()

	got, _ := store.Get(ctx, "cases")
	if got.ProcessedCount != writers*10 {
		t.Errorf("processedCount = %d, want %d", got.ProcessedCount, writers*10)
	}
	if len(got.CompletedPartitions) != writers {
		t.Errorf("completed partitions = %d, want %d", len(got.CompletedPartitions), writers)
	}
}

func TestMutateSkip(t *testing.T) {
	store, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	ctx := context.Background()
	if err := store.Create(ctx, NewRunState("cases", "range", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st, err := Mutate(ctx, store, "cases", func(s *RunState) error { return ErrSkip })
	if !errors.Is(err, ErrSkip) {
		t.Fatalf("err = %v, want ErrSkip", err)
	}
	if st == nil || st.Version != 1 {
		t.Errorf("expected unchanged state at version 1, got %+v", st)
	}
}

func TestGetOrCreate(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	first, err := GetOrCreate(ctx, store, NewRunState("trustees", "cursor", false))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	first.Status = StatusInProgress
	first.Cursor = "42"
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("Update: %v", err)
	}

	second, err := GetOrCreate(ctx, store, NewRunState("trustees", "cursor", false))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if second.Cursor != "42" || second.Status != StatusInProgress {
		t.Errorf("GetOrCreate returned fresh state instead of stored one: %+v", second)
	}
}

func TestFileStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	ctx := context.Background()

	fs, err := NewFileState(path)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	st := NewRunState("trustees", "cursor", false)
	if err := fs.Create(ctx, st); err != nil {
		t.Fatalf("Create: %v", err)
	}
	st.Status = StatusInProgress
	st.Cursor = "12345"
	st.ProcessedCount = 50
	st.SecondaryProcessedCount = 120
	if err := fs.Update(ctx, st); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := NewFileState(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "trustees")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Cursor != "12345" || got.ProcessedCount != 50 || got.SecondaryProcessedCount != 120 {
		t.Errorf("state not persisted: %+v", got)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}
