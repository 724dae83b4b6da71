// Package source reads legacy case and trustee records from SQL Server.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	_ "github.com/microsoft/go-mssqldb"
)

// ErrNotFound is returned when a record id does not exist in the source
var ErrNotFound = errors.New("source record not found")

// Record is one legacy row with its child rows.
type Record struct {
	ID       string           `json:"id"`
	Fields   map[string]any   `json:"fields"`
	Children []map[string]any `json:"children,omitempty"`
}

// Page is the result of one bounded read.
type Page struct {
	Records []Record
	// HasMore is authoritative only when Lookahead is set
	HasMore   bool
	Lookahead bool
}

// Open opens the shared SQL Server connection pool.
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", cfg.SourceDSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	maxConns := cfg.Source.MaxConnections
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// MSSQLGateway is the source gateway of one pipeline.
type MSSQLGateway struct {
	db  *sql.DB
	q   queries
	src config.SourceQuery
	log logging.Component
}

// NewMSSQLGateway binds a pipeline's source query to a connection pool.
// The pool is shared and not closed by the gateway.
func NewMSSQLGateway(db *sql.DB, schema string, src config.SourceQuery) *MSSQLGateway {
	return &MSSQLGateway{
		db:  db,
		q:   newQueries(schema, src),
		src: src,
		log: logging.For("source"),
	}
}

// ClearStaging empties the staging table, creating it if needed.
func (g *MSSQLGateway) ClearStaging(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, g.q.ensureStaging()); err != nil {
		return fmt.Errorf("creating staging table %s: %w", g.src.StagingTable, err)
	}
	if _, err := g.db.ExecContext(ctx, g.q.clearStaging()); err != nil {
		return fmt.Errorf("clearing staging table %s: %w", g.src.StagingTable, err)
	}
	return nil
}

// LoadStaging copies every source id into the staging table in id order.
func (g *MSSQLGateway) LoadStaging(ctx context.Context) error {
	start := time.Now()
	res, err := g.db.ExecContext(ctx, g.q.loadStaging())
	if err != nil {
		return fmt.Errorf("loading staging table %s: %w", g.src.StagingTable, err)
	}
	n, _ := res.RowsAffected()
	g.log.Debug("staged %d ids from %s in %s", n, g.src.Table, time.Since(start).Round(time.Millisecond))
	return nil
}

// CountStaged returns the number of staged ids.
func (g *MSSQLGateway) CountStaged(ctx context.Context) (int64, error) {
	var n int64
	if err := g.db.QueryRowContext(ctx, g.q.countStaged()).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting staging table %s: %w", g.src.StagingTable, err)
	}
	return n, nil
}

// FetchPage reads up to pageSize records with id greater than afterID.
// One extra row is requested so HasMore is exact.
func (g *MSSQLGateway) FetchPage(ctx context.Context, afterID string, pageSize int) (Page, error) {
	args := []any{pageSize + 1}
	if afterID != "" {
		args = append(args, afterID)
	}
	records, err := g.query(ctx, g.q.page(afterID != ""), args...)
	if err != nil {
		return Page{}, fmt.Errorf("fetching page after %q from %s: %w", afterID, g.src.Table, err)
	}

	page := Page{Lookahead: true}
	if len(records) > pageSize {
		page.HasMore = true
		records = records[:pageSize]
	}
	if err := g.attachChildren(ctx, records); err != nil {
		return Page{}, err
	}
	page.Records = records
	return page, nil
}

// FetchRange reads the records staged at rows start..end inclusive.
func (g *MSSQLGateway) FetchRange(ctx context.Context, start, end int64) ([]Record, error) {
	records, err := g.query(ctx, g.q.rangeRows(), start, end)
	if err != nil {
		return nil, fmt.Errorf("fetching rows %d-%d from %s: %w", start, end, g.src.Table, err)
	}
	if err := g.attachChildren(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// FetchByIDs reads the given records. Missing ids are left out.
func (g *MSSQLGateway) FetchByIDs(ctx context.Context, ids []string) ([]Record, error) {
	var records []Record
	for _, batch := range chunk(ids) {
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		got, err := g.query(ctx, g.q.byIDs(len(batch)), args...)
		if err != nil {
			return nil, fmt.Errorf("fetching %d ids from %s: %w", len(batch), g.src.Table, err)
		}
		records = append(records, got...)
	}
	if err := g.attachChildren(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// FetchRecord reads one record by id.
func (g *MSSQLGateway) FetchRecord(ctx context.Context, id string) (*Record, error) {
	records, err := g.FetchByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &records[0], nil
}

// ChangedSince returns the ids changed after watermark, oldest change first,
// and the highest change value seen ("" when nothing changed).
func (g *MSSQLGateway) ChangedSince(ctx context.Context, watermark string) ([]string, string, error) {
	var args []any
	if watermark != "" {
		args = append(args, watermark)
	}
	rows, err := g.db.QueryContext(ctx, g.q.changedSince(watermark != ""), args...)
	if err != nil {
		return nil, "", fmt.Errorf("reading changes from %s: %w", g.src.ChangeTable, err)
	}
	defer rows.Close()

	var ids []string
	next := ""
	for rows.Next() {
		var id string
		var change any
		if err := rows.Scan(&id, &change); err != nil {
			return nil, "", fmt.Errorf("scanning change row: %w", err)
		}
		ids = append(ids, id)
		next = formatValue(change)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return ids, next, nil
}

// query runs a record select whose first column is the id.
func (g *MSSQLGateway) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := g.q.columns()
	var records []Record
	for rows.Next() {
		values, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(cols))
		for i, c := range cols {
			fields[c] = values[i]
		}
		records = append(records, Record{ID: formatValue(values[0]), Fields: fields})
	}
	return records, rows.Err()
}

func (g *MSSQLGateway) attachChildren(ctx context.Context, records []Record) error {
	if g.src.Children == nil || len(records) == 0 {
		return nil
	}

	index := make(map[string]int, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		index[r.ID] = i
		ids[i] = r.ID
	}

	cols := g.q.childColumns()
	for _, batch := range chunk(ids) {
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := g.db.QueryContext(ctx, g.q.children(len(batch)), args...)
		if err != nil {
			return fmt.Errorf("fetching children from %s: %w", g.src.Children.Table, err)
		}
		for rows.Next() {
			values, err := scanValues(rows, len(cols))
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning child row: %w", err)
			}
			child := make(map[string]any, len(cols))
			for i, c := range cols {
				child[c] = values[i]
			}
			if i, ok := index[formatValue(values[0])]; ok {
				records[i].Children = append(records[i].Children, child)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("reading children from %s: %w", g.src.Children.Table, err)
		}
	}
	return nil
}

func scanValues(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			// decimals and varbinary come back as bytes
			values[i] = string(b)
		}
	}
	return values, nil
}

// watermarkLayout is fixed width at DATETIME2 precision so that rendered
// watermarks sort as text in time order.
const watermarkLayout = "2006-01-02T15:04:05.0000000Z"

// formatValue renders a scanned id or watermark as a cursor string.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case time.Time:
		return x.UTC().Format(watermarkLayout)
	default:
		return fmt.Sprint(x)
	}
}
