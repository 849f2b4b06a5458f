package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	silas "github.com/DavSimFel/silas"
)

// MemoryStore implements silas.MemoryStore backed by PostgreSQL.
// Keyword search uses websearch_to_tsquery over a GIN tsvector index.
type MemoryStore struct {
	pool *pgxpool.Pool
}

var _ silas.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing pgxpool.Pool.
// Share the pool with Store; Store.Init creates the tables.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

// Store inserts a memory and returns its id, generating one if unset.
func (s *MemoryStore) Store(ctx context.Context, item silas.MemoryItem) (string, error) {
	if item.ID == "" {
		item.ID = silas.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, scope, session, kind, content, source, taint, relevance, access_count, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, relevance = EXCLUDED.relevance`,
		item.ID, item.Scope, item.Session, item.Kind, item.Content,
		item.Source, item.Taint.String(), item.Relevance, item.AccessCount, item.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	return item.ID, nil
}

// Get returns a memory by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (silas.MemoryItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, scope, COALESCE(session, ''), kind, content, COALESCE(source, ''), taint, relevance, access_count, created_at
		 FROM memories WHERE id = $1`, id)
	item, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return silas.MemoryItem{}, &silas.ErrNotFound{Kind: "memory", ID: id}
	}
	if err != nil {
		return silas.MemoryItem{}, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

// Update overwrites an existing memory.
func (s *MemoryStore) Update(ctx context.Context, item silas.MemoryItem) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET scope=$1, session=NULLIF($2, ''), kind=$3, content=$4, source=NULLIF($5, ''), taint=$6, relevance=$7, access_count=$8 WHERE id=$9`,
		item.Scope, item.Session, item.Kind, item.Content, item.Source,
		item.Taint.String(), item.Relevance, item.AccessCount, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &silas.ErrNotFound{Kind: "memory", ID: item.ID}
	}
	return nil
}

// Delete removes a memory. Deleting an unknown id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// IncrementAccess bumps a memory's access counter.
func (s *MemoryStore) IncrementAccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET access_count = access_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment access: %w", err)
	}
	return nil
}

// SearchKeyword performs full-text keyword search over a scope's
// memories, ranked by ts_rank.
func (s *MemoryStore) SearchKeyword(ctx context.Context, scope, query string, limit int) ([]silas.MemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, COALESCE(session, ''), kind, content, COALESCE(source, ''), taint, relevance, access_count, created_at
		 FROM memories
		 WHERE scope = $1 AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $2)) DESC
		 LIMIT $3`,
		scope, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchSession returns all memories tagged with a session id.
func (s *MemoryStore) SearchSession(ctx context.Context, scope, session string) ([]silas.MemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, COALESCE(session, ''), kind, content, COALESCE(source, ''), taint, relevance, access_count, created_at
		 FROM memories WHERE scope = $1 AND session = $2 ORDER BY created_at`,
		scope, session,
	)
	if err != nil {
		return nil, fmt.Errorf("search session: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchByType returns the most recent memories of one kind.
func (s *MemoryStore) SearchByType(ctx context.Context, scope, kind string, limit int) ([]silas.MemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, COALESCE(session, ''), kind, content, COALESCE(source, ''), taint, relevance, access_count, created_at
		 FROM memories WHERE scope = $1 AND kind = $2 ORDER BY created_at DESC LIMIT $3`,
		scope, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search by type: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListRecent returns the most recent memories for a scope.
func (s *MemoryStore) ListRecent(ctx context.Context, scope string, limit int) ([]silas.MemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, COALESCE(session, ''), kind, content, COALESCE(source, ''), taint, relevance, access_count, created_at
		 FROM memories WHERE scope = $1 ORDER BY created_at DESC LIMIT $2`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// StoreRaw appends one raw ingest chunk.
func (s *MemoryStore) StoreRaw(ctx context.Context, item silas.RawMemoryItem) (string, error) {
	if item.ID == "" {
		item.ID = silas.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO raw_memories (id, scope, turn, content, source, taint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Scope, item.Turn, item.Content, item.Source, item.Taint.String(), item.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("store raw memory: %w", err)
	}
	return item.ID, nil
}

// SearchRaw keyword-searches the raw ingest chunks for a scope.
func (s *MemoryStore) SearchRaw(ctx context.Context, scope, query string, limit int) ([]silas.RawMemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, turn, content, source, taint, created_at
		 FROM raw_memories
		 WHERE scope = $1 AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $2)) DESC
		 LIMIT $3`,
		scope, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search raw: %w", err)
	}
	defer rows.Close()

	var items []silas.RawMemoryItem
	for rows.Next() {
		var item silas.RawMemoryItem
		var taint string
		if err := rows.Scan(&item.ID, &item.Scope, &item.Turn, &item.Content, &item.Source, &taint, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan raw memory: %w", err)
		}
		item.Taint = silas.ParseTaint(taint)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanMemory(row pgx.Row) (silas.MemoryItem, error) {
	var item silas.MemoryItem
	var taint string
	err := row.Scan(&item.ID, &item.Scope, &item.Session, &item.Kind, &item.Content,
		&item.Source, &taint, &item.Relevance, &item.AccessCount, &item.CreatedAt)
	if err != nil {
		return silas.MemoryItem{}, err
	}
	item.Taint = silas.ParseTaint(taint)
	return item, nil
}

func scanMemories(rows pgx.Rows) ([]silas.MemoryItem, error) {
	var items []silas.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
