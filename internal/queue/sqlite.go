package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite implements Queue on a local SQLite table. A received message is
// hidden for the visibility timeout; if it is neither acked nor nacked by
// then, it becomes visible again and is redelivered.
type SQLite struct {
	db         *sql.DB
	writeMu    sync.Mutex
	visibility time.Duration
	pollEvery  time.Duration
}

// NewSQLite opens (or creates) queue.db in dataDir.
func NewSQLite(dataDir string, visibility time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	q := &SQLite{db: db, visibility: visibility, pollEvery: 100 * time.Millisecond}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating queue schema: %w", err)
	}
	return q, nil
}

func (q *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		channel TEXT NOT NULL,
		body BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		visible_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, visible_at, seq);
	`
	_, err := q.db.Exec(schema)
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func leaseOf(msg *Message) int64 {
	n, _ := strconv.ParseInt(msg.receipt, 10, 64)
	return n
}

// Publish inserts a message.
func (q *SQLite) Publish(ctx context.Context, channel string, body []byte) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	now := millis(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel, body, attempts, enqueued_at, visible_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, uuid.NewString(), channel, body, now, now)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// claim leases the oldest visible message, or returns nil if there is none.
func (q *SQLite) claim(ctx context.Context, channel string) (*Message, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	now := time.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE messages
		SET attempts = attempts + 1, visible_at = ?
		WHERE seq = (
			SELECT seq FROM messages
			WHERE channel = ? AND visible_at <= ?
			ORDER BY seq LIMIT 1
		)
		RETURNING id, body, attempts, enqueued_at, visible_at
	`, millis(now.Add(q.visibility)), channel, millis(now))

	var msg Message
	var enqueuedAt, visibleAt int64
	err := row.Scan(&msg.ID, &msg.Body, &msg.Attempts, &enqueuedAt, &visibleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", channel, err)
	}
	msg.Channel = channel
	msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	// The lease deadline doubles as receipt so a stale holder cannot ack a redelivery
	msg.receipt = strconv.FormatInt(visibleAt, 10)
	return &msg, nil
}

// Receive polls for a visible message until wait elapses.
func (q *SQLite) Receive(ctx context.Context, channel string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()

	for {
		msg, err := q.claim(ctx, channel)
		if err != nil || msg != nil {
			return msg, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack deletes the message if this lease still holds it.
func (q *SQLite) Ack(ctx context.Context, msg *Message) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND visible_at = ?`, msg.ID, leaseOf(msg))
	if err != nil {
		return fmt.Errorf("acking %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Nack makes the message visible immediately.
func (q *SQLite) Nack(ctx context.Context, msg *Message) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx, `UPDATE messages SET visible_at = ? WHERE id = ? AND visible_at = ?`,
		millis(time.Now()), msg.ID, leaseOf(msg))
	if err != nil {
		return fmt.Errorf("nacking %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Len counts visible messages.
func (q *SQLite) Len(ctx context.Context, channel string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ? AND visible_at <= ?`,
		channel, millis(time.Now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", channel, err)
	}
	return n, nil
}

// Peek returns up to limit visible messages, oldest first.
func (q *SQLite) Peek(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, body, attempts, enqueued_at FROM messages
		WHERE channel = ? AND visible_at <= ?
		ORDER BY seq LIMIT ?
	`, channel, millis(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("peeking %s: %w", channel, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var enqueuedAt int64
		if err := rows.Scan(&msg.ID, &msg.Body, &msg.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Channel = channel
		msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Recover makes every leased message of the channel visible again.
func (q *SQLite) Recover(ctx context.Context, channel string) (int, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	now := millis(time.Now())
	res, err := q.db.ExecContext(ctx, `UPDATE messages SET visible_at = ? WHERE channel = ? AND visible_at > ?`,
		now, channel, now)
	if err != nil {
		return 0, fmt.Errorf("recovering %s: %w", channel, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (q *SQLite) Close() error {
	return q.db.Close()
}

var (
	_ Queue     = (*SQLite)(nil)
	_ Recoverer = (*SQLite)(nil)
)
