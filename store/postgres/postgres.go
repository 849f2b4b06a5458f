// Package postgres implements the silas persistence interfaces using
// PostgreSQL. Keyword search over memories uses tsvector full-text
// indexes.
//
// All stores accept an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	silas "github.com/DavSimFel/silas"
)

// Store implements silas.ChronicleStore and silas.WorkItemStore backed
// by PostgreSQL, for deployments that outgrow the single-file SQLite
// store.
type Store struct {
	pool *pgxpool.Pool
}

var _ silas.ChronicleStore = (*Store)(nil)
var _ silas.WorkItemStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chronicle (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			zone TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			source TEXT NOT NULL,
			taint TEXT NOT NULL,
			kind TEXT NOT NULL,
			relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			masked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chronicle_scope_idx ON chronicle(scope, created_at)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			parent TEXT,
			scope TEXT NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS work_items_status_idx ON work_items(status)`,
		`CREATE INDEX IF NOT EXISTS work_items_parent_idx ON work_items(parent)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			session TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			taint TEXT NOT NULL,
			relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memories_scope_idx ON memories(scope, created_at)`,
		`CREATE INDEX IF NOT EXISTS memories_kind_idx ON memories(scope, kind)`,
		`CREATE INDEX IF NOT EXISTS memories_fts_idx ON memories USING gin(to_tsvector('english', content))`,

		`CREATE TABLE IF NOT EXISTS raw_memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			turn INTEGER NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			taint TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS raw_memories_scope_idx ON raw_memories(scope, turn)`,
		`CREATE INDEX IF NOT EXISTS raw_memories_fts_idx ON raw_memories USING gin(to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Append writes one context item to the scope's chronicle.
func (s *Store) Append(ctx context.Context, scope string, item silas.ContextItem) error {
	if item.ID == "" {
		item.ID = silas.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chronicle (id, scope, zone, content, tokens, turn, source, taint, kind, relevance, pinned, masked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, masked = EXCLUDED.masked, relevance = EXCLUDED.relevance`,
		item.ID, scope, string(item.Zone), item.Content, item.Tokens, item.Turn,
		item.Source, item.Taint.String(), string(item.Kind), item.Relevance,
		item.Pinned, item.Masked, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chronicle append: %w", err)
	}
	return nil
}

// GetRecent returns up to limit most recent chronicle items for a scope,
// ordered chronologically (oldest first).
func (s *Store) GetRecent(ctx context.Context, scope string, limit int) ([]silas.ContextItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, zone, content, tokens, turn, source, taint, kind, relevance, pinned, masked, created_at
		 FROM chronicle WHERE scope = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chronicle get recent: %w", err)
	}
	defer rows.Close()

	var items []silas.ContextItem
	for rows.Next() {
		var item silas.ContextItem
		var zone, taint, kind string
		if err := rows.Scan(&item.ID, &zone, &item.Content, &item.Tokens, &item.Turn,
			&item.Source, &taint, &kind, &item.Relevance, &item.Pinned, &item.Masked, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chronicle item: %w", err)
		}
		item.Zone = silas.Zone(zone)
		item.Taint = silas.ParseTaint(taint)
		item.Kind = silas.ContextKind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chronicle: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// PruneBefore removes chronicle entries created before the cutoff and
// returns the number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chronicle WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("chronicle prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Scopes returns the distinct scopes present in the chronicle.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT scope FROM chronicle ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("chronicle scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Save inserts or replaces a work item.
func (s *Store) Save(ctx context.Context, item silas.WorkItem) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	item.UpdatedAt = silas.NowUnix()

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	var parent any
	if item.Parent != "" {
		parent = item.Parent
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_items (id, parent, scope, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET parent = EXCLUDED.parent, scope = EXCLUDED.scope,
			status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		item.ID, parent, item.Scope, string(item.Status), data, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	return nil
}

// Get returns a work item by id.
func (s *Store) Get(ctx context.Context, id string) (silas.WorkItem, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM work_items WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return silas.WorkItem{}, &silas.ErrNotFound{Kind: "work_item", ID: id}
	}
	if err != nil {
		return silas.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	var item silas.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return silas.WorkItem{}, fmt.Errorf("unmarshal work item: %w", err)
	}
	return item, nil
}

// ListByStatus returns all items with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status silas.WorkItemStatus) ([]silas.WorkItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM work_items WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// ListByParent returns all direct children of a work item, oldest first.
func (s *Store) ListByParent(ctx context.Context, parent string) ([]silas.WorkItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM work_items WHERE parent = $1 ORDER BY created_at, id`, parent)
	if err != nil {
		return nil, fmt.Errorf("list by parent: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// UpdateStatus transitions an item's status and merges budget usage into
// the stored body.
func (s *Store) UpdateStatus(ctx context.Context, id string, status silas.WorkItemStatus, used silas.BudgetUsed) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Status = status
	item.BudgetUsed.Merge(used)
	return s.Save(ctx, item)
}

func scanWorkItems(rows pgx.Rows) ([]silas.WorkItem, error) {
	var items []silas.WorkItem
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		var item silas.WorkItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("unmarshal work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
