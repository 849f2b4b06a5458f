package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	silas "github.com/DavSimFel/silas"
)

// MemoryStoreOption configures a SQLite MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets a structured logger for the memory store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// MemoryStore implements silas.MemoryStore backed by SQLite. Keyword
// search goes through FTS5 with a LIKE fallback when the query cannot
// be expressed as an FTS match.
//
// Use NewMemoryStore with a shared *sql.DB from Store.DB() so both
// stores share the same serialized connection.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ silas.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewMemoryStore(db *sql.DB, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store inserts a memory and returns its id, generating one if unset.
func (s *MemoryStore) Store(ctx context.Context, item silas.MemoryItem) (string, error) {
	start := time.Now()
	if item.ID == "" {
		item.ID = silas.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	s.logger.Debug("sqlite: store memory", "id", item.ID, "scope", item.Scope, "kind", item.Kind)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, scope, session, kind, content, source, taint, relevance, access_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Scope, nullable(item.Session), item.Kind, item.Content,
		nullable(item.Source), item.Taint.String(), item.Relevance, item.AccessCount, item.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store memory failed", "id", item.ID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("store memory: %w", err)
	}

	// Keep FTS index in sync.
	_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, item.ID)
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`, item.ID, item.Content); err != nil {
		return "", fmt.Errorf("insert memory fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: store memory ok", "id", item.ID, "duration", time.Since(start))
	return item.ID, nil
}

// Get returns a memory by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (silas.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, session, kind, content, source, taint, relevance, access_count, created_at
		 FROM memories WHERE id = ?`, id)
	item, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return silas.MemoryItem{}, &silas.ErrNotFound{Kind: "memory", ID: id}
	}
	if err != nil {
		return silas.MemoryItem{}, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

// Update overwrites an existing memory, rewriting the FTS entry.
func (s *MemoryStore) Update(ctx context.Context, item silas.MemoryItem) error {
	start := time.Now()
	s.logger.Debug("sqlite: update memory", "id", item.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET scope=?, session=?, kind=?, content=?, source=?, taint=?, relevance=?, access_count=? WHERE id=?`,
		item.Scope, nullable(item.Session), item.Kind, item.Content,
		nullable(item.Source), item.Taint.String(), item.Relevance, item.AccessCount, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &silas.ErrNotFound{Kind: "memory", ID: item.ID}
	}

	_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, item.ID)
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`, item.ID, item.Content); err != nil {
		return fmt.Errorf("update memory fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update memory ok", "id", item.ID, "duration", time.Since(start))
	return nil
}

// Delete removes a memory and its FTS entry. Deleting an unknown id is
// not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return tx.Commit()
}

// IncrementAccess bumps a memory's access counter.
func (s *MemoryStore) IncrementAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment access: %w", err)
	}
	return nil
}

// SearchKeyword performs full-text keyword search over a scope's
// memories using FTS5, falling back to LIKE when the query contains
// characters FTS5 would reject.
func (s *MemoryStore) SearchKeyword(ctx context.Context, scope, query string, limit int) ([]silas.MemoryItem, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search memories", "scope", scope, "query", query, "limit", limit)

	items, err := s.searchFTS(ctx, scope, query, limit)
	if err != nil {
		// FTS5 query syntax errors (unbalanced quotes, bare operators)
		// degrade to a substring scan rather than failing the turn.
		s.logger.Debug("sqlite: fts search failed, falling back to like", "error", err)
		items, err = s.searchLike(ctx, scope, query, limit)
		if err != nil {
			return nil, err
		}
	}
	s.logger.Debug("sqlite: search memories ok", "scope", scope, "count", len(items), "duration", time.Since(start))
	return items, nil
}

func (s *MemoryStore) searchFTS(ctx context.Context, scope, query string, limit int) ([]silas.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.scope, m.session, m.kind, m.content, m.source, m.taint, m.relevance, m.access_count, m.created_at
		 FROM memories_fts f
		 JOIN memories m ON m.id = f.memory_id
		 WHERE memories_fts MATCH ? AND m.scope = ?
		 ORDER BY f.rank LIMIT ?`,
		ftsQuery(query), scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *MemoryStore) searchLike(ctx context.Context, scope, query string, limit int) ([]silas.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, session, kind, content, source, taint, relevance, access_count, created_at
		 FROM memories
		 WHERE scope = ? AND content LIKE ?
		 ORDER BY created_at DESC LIMIT ?`,
		scope, "%"+query+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchSession returns all memories tagged with a session id.
func (s *MemoryStore) SearchSession(ctx context.Context, scope, session string) ([]silas.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, session, kind, content, source, taint, relevance, access_count, created_at
		 FROM memories WHERE scope = ? AND session = ? ORDER BY created_at`,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, session, kind, content, source, taint, relevance, access_count, created_at
		 FROM memories WHERE scope = ? AND kind = ? ORDER BY created_at DESC LIMIT ?`,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, session, kind, content, source, taint, relevance, access_count, created_at
		 FROM memories WHERE scope = ? ORDER BY created_at DESC LIMIT ?`,
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO raw_memories (id, scope, turn, content, source, taint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Scope, item.Turn, item.Content, item.Source, item.Taint.String(), item.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("store raw memory: %w", err)
	}

	_, _ = tx.ExecContext(ctx, `DELETE FROM raw_memories_fts WHERE raw_id = ?`, item.ID)
	if _, err := tx.ExecContext(ctx, `INSERT INTO raw_memories_fts(raw_id, content) VALUES (?, ?)`, item.ID, item.Content); err != nil {
		return "", fmt.Errorf("insert raw fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return item.ID, nil
}

// SearchRaw keyword-searches the raw ingest chunks for a scope.
func (s *MemoryStore) SearchRaw(ctx context.Context, scope, query string, limit int) ([]silas.RawMemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.scope, r.turn, r.content, r.source, r.taint, r.created_at
		 FROM raw_memories_fts f
		 JOIN raw_memories r ON r.id = f.raw_id
		 WHERE raw_memories_fts MATCH ? AND r.scope = ?
		 ORDER BY f.rank LIMIT ?`,
		ftsQuery(query), scope, limit,
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

// ftsQuery quotes each whitespace-separated term so user text with FTS5
// operators (AND, NEAR, *) is treated as literal words.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " OR ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (silas.MemoryItem, error) {
	var item silas.MemoryItem
	var session, source sql.NullString
	var taint string
	err := row.Scan(&item.ID, &item.Scope, &session, &item.Kind, &item.Content,
		&source, &taint, &item.Relevance, &item.AccessCount, &item.CreatedAt)
	if err != nil {
		return silas.MemoryItem{}, err
	}
	if session.Valid {
		item.Session = session.String
	}
	if source.Valid {
		item.Source = source.String
	}
	item.Taint = silas.ParseTaint(taint)
	return item, nil
}

func scanMemories(rows *sql.Rows) ([]silas.MemoryItem, error) {
	var items []silas.MemoryItem
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
