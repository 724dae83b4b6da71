package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Document types distinguish run state documents from anything else kept in
// the same collection.
const (
	DocumentTypeMigration = "MIGRATION_RUN_STATE"
	DocumentTypeSync      = "SYNC_RUN_STATE"
)

var (
	// ErrNotFound is returned when no state exists for a run id
	ErrNotFound = errors.New("run state not found")
	// ErrExists is returned by Create when the run id is already taken
	ErrExists = errors.New("run state already exists")
	// ErrConflict is returned by Update when the stored version moved on
	ErrConflict = errors.New("run state version conflict")
	// ErrInvalidUpdate is returned when an update would break a state invariant
	ErrInvalidUpdate = errors.New("invalid run state update")
	// ErrSkip lets a Mutate callback abandon the write
	ErrSkip = errors.New("run state update skipped")
)

// RunState is the persisted checkpoint of one pipeline run.
type RunState struct {
	ID                      string    `json:"id" yaml:"id" bson:"_id"`
	DocumentType            string    `json:"documentType" yaml:"document_type" bson:"documentType"`
	Pipeline                string    `json:"pipeline" yaml:"pipeline" bson:"pipeline"`
	Variant                 string    `json:"variant" yaml:"variant" bson:"variant"`
	Status                  Status    `json:"status" yaml:"status" bson:"status"`
	Cursor                  string    `json:"cursor" yaml:"cursor" bson:"cursor"`
	PendingCursor           string    `json:"pendingCursor,omitempty" yaml:"pending_cursor,omitempty" bson:"pendingCursor,omitempty"`
	ProcessedCount          int64     `json:"processedCount" yaml:"processed_count" bson:"processedCount"`
	SecondaryProcessedCount int64     `json:"secondaryProcessedCount" yaml:"secondary_processed_count" bson:"secondaryProcessedCount"`
	ErrorCount              int64     `json:"errorCount" yaml:"error_count" bson:"errorCount"`
	TotalCount              int64     `json:"totalCount" yaml:"total_count" bson:"totalCount"`
	TotalPartitions         int       `json:"totalPartitions" yaml:"total_partitions" bson:"totalPartitions"`
	PageSize                int       `json:"pageSize" yaml:"page_size" bson:"pageSize"`
	CompletedPartitions     []int64   `json:"completedPartitions,omitempty" yaml:"completed_partitions,omitempty" bson:"completedPartitions,omitempty"`
	StartedAt               time.Time `json:"startedAt" yaml:"started_at" bson:"startedAt"`
	LastUpdatedAt           time.Time `json:"lastUpdatedAt" yaml:"last_updated_at" bson:"lastUpdatedAt"`
	Version                 int64     `json:"version" yaml:"version" bson:"version"`
	LastError               string    `json:"lastError,omitempty" yaml:"last_error,omitempty" bson:"lastError,omitempty"`
}

// NewRunState returns a NOT_STARTED state for a pipeline.
func NewRunState(pipeline, variant string, sync bool) *RunState {
	docType := DocumentTypeMigration
	if sync {
		docType = DocumentTypeSync
	}
	return &RunState{
		ID:           pipeline,
		DocumentType: docType,
		Pipeline:     pipeline,
		Variant:      variant,
		Status:       StatusNotStarted,
	}
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	c := *s
	if s.CompletedPartitions != nil {
		c.CompletedPartitions = append([]int64(nil), s.CompletedPartitions...)
	}
	return &c
}

// HasCompleted reports whether the partition keyed by key has been committed.
func (s *RunState) HasCompleted(key int64) bool {
	i := sort.Search(len(s.CompletedPartitions), func(i int) bool { return s.CompletedPartitions[i] >= key })
	return i < len(s.CompletedPartitions) && s.CompletedPartitions[i] == key
}

// MarkCompleted records a committed partition, keeping the list sorted.
// It returns false if the key was already present.
func (s *RunState) MarkCompleted(key int64) bool {
	i := sort.Search(len(s.CompletedPartitions), func(i int) bool { return s.CompletedPartitions[i] >= key })
	if i < len(s.CompletedPartitions) && s.CompletedPartitions[i] == key {
		return false
	}
	s.CompletedPartitions = append(s.CompletedPartitions, 0)
	copy(s.CompletedPartitions[i+1:], s.CompletedPartitions[i:])
	s.CompletedPartitions[i] = key
	return true
}

// AllPartitionsCompleted reports whether every planned partition has committed.
func (s *RunState) AllPartitionsCompleted() bool {
	return s.TotalPartitions > 0 && len(s.CompletedPartitions) >= s.TotalPartitions
}

// Store persists run state. Update is conditional on Version: the caller
// passes the state it read, and a write against a newer stored version fails
// with ErrConflict.
type Store interface {
	// Get returns the state for id or ErrNotFound
	Get(ctx context.Context, id string) (*RunState, error)
	// Create inserts a new state with Version 1, or fails with ErrExists
	Create(ctx context.Context, st *RunState) error
	// Update writes st if the stored version equals st.Version, then bumps st.Version
	Update(ctx context.Context, st *RunState) error
	// Delete removes the state (operator reset)
	Delete(ctx context.Context, id string) error
	// List returns every stored state ordered by id
	List(ctx context.Context) ([]*RunState, error)
	Close() error
}

// GetOrCreate returns the stored state for fresh.ID, creating it from fresh if absent.
func GetOrCreate(ctx context.Context, store Store, fresh *RunState) (*RunState, error) {
	st, err := store.Get(ctx, fresh.ID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := fresh.Clone()
	if err := store.Create(ctx, created); err != nil {
		if errors.Is(err, ErrExists) {
			// Lost the race with another dispatcher
			return store.Get(ctx, fresh.ID)
		}
		return nil, err
	}
	return created, nil
}

const maxMutateAttempts = 10

// Mutate applies fn to the latest state and writes it back, retrying when a
// concurrent writer bumps the version first. fn may return ErrSkip to leave
// the state unchanged; Mutate then returns the state it read with ErrSkip.
func Mutate(ctx context.Context, store Store, id string, fn func(*RunState) error) (*RunState, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		st, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(st); err != nil {
			return st, err
		}
		err = store.Update(ctx, st)
		if errors.Is(err, ErrConflict) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrConflict, maxMutateAttempts)
}

// CanTransition reports whether a run may move from one status to another.
// Sync states may leave COMPLETED to start the next cycle; migrations may not.
func CanTransition(documentType string, from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusNotStarted:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return documentType == DocumentTypeSync && to == StatusInProgress
	default:
		return false
	}
}

// validateUpdate enforces the invariants every backend applies on Update.
func validateUpdate(prev, next *RunState) error {
	if !CanTransition(prev.DocumentType, prev.Status, next.Status) {
		return fmt.Errorf("%w: status %s -> %s", ErrInvalidUpdate, prev.Status, next.Status)
	}
	// Cursor order belongs to the source, so only clearing it is detectable here.
	if prev.Cursor != "" && next.Cursor == "" {
		return fmt.Errorf("%w: cursor %q cleared", ErrInvalidUpdate, prev.Cursor)
	}
	if next.ProcessedCount < prev.ProcessedCount ||
		next.SecondaryProcessedCount < prev.SecondaryProcessedCount ||
		next.ErrorCount < prev.ErrorCount {
		return fmt.Errorf("%w: counters must not decrease", ErrInvalidUpdate)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}
