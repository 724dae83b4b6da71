package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/stats"
)

// PostgresDestination stores documents as jsonb rows, one table per collection.
type PostgresDestination struct {
	pool   *pgxpool.Pool
	schema string

	mu      sync.Mutex
	created map[string]bool
}

// NewPostgresDestination creates a pool and pings the database.
func NewPostgresDestination(ctx context.Context, dsn, schema string, maxConns int) (*PostgresDestination, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresDestination{pool: pool, schema: schema, created: make(map[string]bool)}, nil
}

func (p *PostgresDestination) table(collection string) string {
	return qualifyPGTable(p.schema, SanitizePGIdentifier(collection))
}

// ensureTable creates the collection table once per process.
func (p *PostgresDestination) ensureTable(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.created[collection] {
		return nil
	}

	table := p.table(collection)
	ddl := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %s;
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			legacy_id TEXT NOT NULL,
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (legacy_id);
	`, quotePGIdent(p.schema), table,
		quotePGIdent("idx_"+SanitizePGIdentifier(collection)+"_legacy_id"), table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table for %s: %w", collection, err)
	}
	p.created[collection] = true
	return nil
}

// Upsert writes the document, replacing any row with the same key.
func (p *PostgresDestination) Upsert(ctx context.Context, doc Document) error {
	if err := p.ensureTable(ctx, doc.Collection); err != nil {
		return err
	}
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", doc.Key, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, legacy_id, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET legacy_id = EXCLUDED.legacy_id, body = EXCLUDED.body, updated_at = now()
	`, p.table(doc.Collection))
	if _, err := p.pool.Exec(ctx, query, doc.Key, doc.LegacyID, body); err != nil {
		return fmt.Errorf("upserting %s into %s: %w", doc.Key, doc.Collection, err)
	}
	return nil
}

// FindByLegacyID returns the first row written for a legacy id.
func (p *PostgresDestination) FindByLegacyID(ctx context.Context, collection, legacyID string) (*Document, error) {
	if err := p.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	var key string
	var body []byte
	query := fmt.Sprintf(`SELECT key, body FROM %s WHERE legacy_id = $1 ORDER BY key LIMIT 1`, p.table(collection))
	err := p.pool.QueryRow(ctx, query, legacyID).Scan(&key, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s in %s: %w", legacyID, collection, err)
	}

	doc := &Document{Key: key, Collection: collection, LegacyID: legacyID}
	if err := json.Unmarshal(body, &doc.Body); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return doc, nil
}

// Ping checks a pooled connection.
func (p *PostgresDestination) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// PoolStats implements stats.Reporter.
func (p *PostgresDestination) PoolStats() stats.PoolStats {
	return stats.FromPGX("destination", p.pool.Stat())
}

// Close closes the pool.
func (p *PostgresDestination) Close() error {
	p.pool.Close()
	return nil
}
