// Package catalog maintains the embedded SQLite bookkeeping database: a
// derived, filterable index over context metadata (rebuilt from the turn
// store on startup) and the durable idempotency-key table.
//
// Nothing here is authoritative for the turn DAG; the context rows can be
// reconstructed from heads.tbl and contexts.meta at any time.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/cxdb/internal/turns"
)

// ErrIdempotencyMismatch is returned when an idempotency key is replayed
// with a different request payload.
var ErrIdempotencyMismatch = errors.New("catalog: idempotency key reused with different payload")

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	context_id        INTEGER PRIMARY KEY,
	parent_context_id INTEGER,
	root_context_id   INTEGER,
	spawn_reason      TEXT,
	client_tag        TEXT,
	session_id        TEXT,
	title             TEXT,
	labels            TEXT,
	created_at_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contexts_parent  ON contexts(parent_context_id);
CREATE INDEX IF NOT EXISTS idx_contexts_tag     ON contexts(client_tag);
CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	context_id      INTEGER NOT NULL,
	idempotency_key TEXT    NOT NULL,
	turn_id         INTEGER NOT NULL,
	request_hash    TEXT    NOT NULL,
	created_at_ms   INTEGER NOT NULL,
	PRIMARY KEY (context_id, idempotency_key)
);
`

// Catalog wraps the embedded database.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the catalog database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// A single writer keeps SQLite happy under the store's append lock.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RecordContext upserts the derived row for a context.
func (c *Catalog) RecordContext(ctx context.Context, contextID uint64, createdAtMS int64, meta *turns.ContextMeta) error {
	var (
		parent, root               sql.NullInt64
		spawn, tag, session, title sql.NullString
		labels                     sql.NullString
	)
	if meta != nil {
		if meta.ParentContextID != 0 {
			parent = sql.NullInt64{Int64: int64(meta.ParentContextID), Valid: true} //nolint:gosec // allocator IDs are small
		}
		if meta.RootContextID != 0 {
			root = sql.NullInt64{Int64: int64(meta.RootContextID), Valid: true} //nolint:gosec // allocator IDs are small
		}
		spawn = nullStr(meta.SpawnReason)
		tag = nullStr(meta.ClientTag)
		session = nullStr(meta.SessionID)
		title = nullStr(meta.Title)
		if len(meta.Labels) > 0 {
			raw, err := json.Marshal(meta.Labels)
			if err != nil {
				return fmt.Errorf("catalog: marshal labels: %w", err)
			}
			labels = sql.NullString{String: string(raw), Valid: true}
		}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contexts
		 (context_id, parent_context_id, root_context_id, spawn_reason, client_tag, session_id, title, labels, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(contextID), parent, root, spawn, tag, session, title, labels, createdAtMS) //nolint:gosec // allocator IDs are small
	if err != nil {
		return fmt.Errorf("catalog: record context: %w", err)
	}
	return nil
}

// Rebuild repopulates the derived context rows from the turn store.
func (c *Catalog) Rebuild(ctx context.Context, contexts []turns.Context) error {
	for _, tc := range contexts {
		if err := c.RecordContext(ctx, tc.ContextID, tc.CreatedAtMS, tc.Meta); err != nil {
			return err
		}
	}
	if c.logger != nil {
		c.logger.Debug("catalog rebuilt", "contexts", len(contexts))
	}
	return nil
}

// Filter narrows ListContexts results. Zero values match everything.
type Filter struct {
	ClientTag string
	SessionID string
	Label     string
	Limit     int
}

// ListContexts returns context IDs matching the filter, newest first.
func (c *Catalog) ListContexts(ctx context.Context, f Filter) ([]uint64, error) {
	q := `SELECT context_id FROM contexts WHERE 1=1`
	args := []any{}
	if f.ClientTag != "" {
		q += ` AND client_tag = ?`
		args = append(args, f.ClientTag)
	}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Label != "" {
		raw, err := json.Marshal(f.Label)
		if err != nil {
			return nil, fmt.Errorf("catalog: marshal label filter: %w", err)
		}
		q += ` AND labels LIKE ?`
		args = append(args, "%"+string(raw)+"%")
	}
	q += ` ORDER BY created_at_ms DESC, context_id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list contexts: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: scan context: %w", err)
		}
		out = append(out, uint64(id)) //nolint:gosec // IDs are non-negative
	}
	return out, rows.Err()
}

// Children returns the direct child context IDs of parentID, newest first.
func (c *Catalog) Children(ctx context.Context, parentID uint64) ([]uint64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT context_id FROM contexts WHERE parent_context_id = ?
		 ORDER BY context_id DESC`, int64(parentID)) //nolint:gosec // allocator IDs are small
	if err != nil {
		return nil, fmt.Errorf("catalog: children: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: scan child: %w", err)
		}
		out = append(out, uint64(id)) //nolint:gosec // IDs are non-negative
	}
	return out, rows.Err()
}

// Descendants returns all transitive child context IDs of parentID in
// breadth-first order, deduplicated, capped at limit when positive.
func (c *Catalog) Descendants(ctx context.Context, parentID uint64, limit int) ([]uint64, error) {
	seen := make(map[uint64]bool)
	queue, err := c.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
		kids, err := c.Children(ctx, id)
		if err != nil {
			return nil, err
		}
		queue = append(queue, kids...)
	}
	return out, nil
}

// IdempotencyLookup is the stored binding of a key to a committed turn.
type IdempotencyLookup struct {
	TurnID      uint64
	RequestHash string
}

// LookupIdempotency returns the committed turn for a key, if present.
func (c *Catalog) LookupIdempotency(ctx context.Context, contextID uint64, key string) (IdempotencyLookup, bool, error) {
	var (
		turnID int64
		hash   string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT turn_id, request_hash FROM idempotency_keys
		 WHERE context_id = ? AND idempotency_key = ?`,
		int64(contextID), key).Scan(&turnID, &hash) //nolint:gosec // allocator IDs are small
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyLookup{}, false, nil
	}
	if err != nil {
		return IdempotencyLookup{}, false, fmt.Errorf("catalog: lookup idempotency: %w", err)
	}
	return IdempotencyLookup{TurnID: uint64(turnID), RequestHash: hash}, true, nil //nolint:gosec // IDs are non-negative
}

// RecordIdempotency binds a key to its committed turn.
func (c *Catalog) RecordIdempotency(ctx context.Context, contextID uint64, key string, turnID uint64, requestHash string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys
		 (context_id, idempotency_key, turn_id, request_hash, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(contextID), key, int64(turnID), requestHash, time.Now().UnixMilli()) //nolint:gosec // allocator IDs are small
	if err != nil {
		return fmt.Errorf("catalog: record idempotency: %w", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
