package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps run state in a local SQLite database
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

const stateColumns = `id, document_type, pipeline, variant, status, cursor, pending_cursor,
	processed_count, secondary_processed_count, error_count, total_count, total_partitions,
	page_size, completed_partitions, started_at, last_updated_at, version, last_error`

// New opens (or creates) the state database in dataDir
func New(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dataflows.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_states (
		id TEXT PRIMARY KEY,
		document_type TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		variant TEXT NOT NULL,
		status TEXT NOT NULL,
		cursor TEXT NOT NULL DEFAULT '',
		pending_cursor TEXT NOT NULL DEFAULT '',
		processed_count INTEGER NOT NULL DEFAULT 0,
		secondary_processed_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		total_partitions INTEGER NOT NULL DEFAULT 0,
		page_size INTEGER NOT NULL DEFAULT 0,
		completed_partitions TEXT NOT NULL DEFAULT '[]',
		started_at TEXT NOT NULL DEFAULT '',
		last_updated_at TEXT NOT NULL,
		version INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_run_states_pipeline ON run_states(pipeline);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the state for a run
func (s *SQLiteStore) Get(ctx context.Context, id string) (*RunState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM run_states WHERE id = ?`, id)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run state %s: %w", id, err)
	}
	return st, nil
}

// Create inserts a new run state
func (s *SQLiteStore) Create(ctx context.Context, st *RunState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	completed, err := json.Marshal(nonNil(st.CompletedPartitions))
	if err != nil {
		return fmt.Errorf("encoding completed partitions: %w", err)
	}
	updatedAt := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, st.ID, st.DocumentType, st.Pipeline, st.Variant, string(st.Status), st.Cursor, st.PendingCursor,
		st.ProcessedCount, st.SecondaryProcessedCount, st.ErrorCount, st.TotalCount, st.TotalPartitions,
		st.PageSize, string(completed), formatTime(st.StartedAt), formatTime(updatedAt), st.LastError)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return ErrExists
		}
		return fmt.Errorf("creating run state %s: %w", st.ID, err)
	}
	st.Version = 1
	st.LastUpdatedAt = updatedAt
	return nil
}

// Update writes st if nobody else has written since it was read
func (s *SQLiteStore) Update(ctx context.Context, st *RunState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.Get(ctx, st.ID)
	if err != nil {
		return err
	}
	if prev.Version != st.Version {
		return ErrConflict
	}
	if err := validateUpdate(prev, st); err != nil {
		return err
	}

	completed, err := json.Marshal(nonNil(st.CompletedPartitions))
	if err != nil {
		return fmt.Errorf("encoding completed partitions: %w", err)
	}
	updatedAt := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_states SET
			status = ?, cursor = ?, pending_cursor = ?,
			processed_count = ?, secondary_processed_count = ?, error_count = ?,
			total_count = ?, total_partitions = ?, page_size = ?, completed_partitions = ?,
			started_at = ?, last_updated_at = ?, last_error = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, string(st.Status), st.Cursor, st.PendingCursor,
		st.ProcessedCount, st.SecondaryProcessedCount, st.ErrorCount,
		st.TotalCount, st.TotalPartitions, st.PageSize, string(completed),
		formatTime(st.StartedAt), formatTime(updatedAt), st.LastError,
		st.ID, st.Version)
	if err != nil {
		return fmt.Errorf("updating run state %s: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating run state %s: %w", st.ID, err)
	}
	if n == 0 {
		// Another process wrote between our read and write
		return ErrConflict
	}
	st.Version++
	st.LastUpdatedAt = updatedAt
	return nil
}

// Delete removes a run state
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting run state %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all run states
func (s *SQLiteStore) List(ctx context.Context) ([]*RunState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM run_states ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing run states: %w", err)
	}
	defer rows.Close()

	var states []*RunState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*RunState, error) {
	var st RunState
	var status, completed, startedAt, updatedAt string
	err := row.Scan(&st.ID, &st.DocumentType, &st.Pipeline, &st.Variant, &status, &st.Cursor, &st.PendingCursor,
		&st.ProcessedCount, &st.SecondaryProcessedCount, &st.ErrorCount, &st.TotalCount, &st.TotalPartitions,
		&st.PageSize, &completed, &startedAt, &updatedAt, &st.Version, &st.LastError)
	if err != nil {
		return nil, err
	}
	st.Status = Status(status)
	if err := json.Unmarshal([]byte(completed), &st.CompletedPartitions); err != nil {
		return nil, fmt.Errorf("decoding completed partitions: %w", err)
	}
	if len(st.CompletedPartitions) == 0 {
		st.CompletedPartitions = nil
	}
	st.StartedAt = parseTime(startedAt)
	st.LastUpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(keys []int64) []int64 {
	if keys == nil {
		return []int64{}
	}
	return keys
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
