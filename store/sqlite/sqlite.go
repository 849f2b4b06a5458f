// Package sqlite implements the silas persistence interfaces using
// pure-Go SQLite. Zero CGO required. Keyword search over memories uses
// an FTS5 virtual table kept in sync on every write.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	silas "github.com/DavSimFel/silas"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store bundles the chronicle, memory, work-item, and audit stores over
// one local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ silas.ChronicleStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
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
			relevance REAL NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			masked INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			session TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			taint TEXT NOT NULL,
			relevance REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS raw_memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			turn INTEGER NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			taint TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			parent TEXT,
			scope TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			event TEXT NOT NULL,
			data TEXT NOT NULL,
			ts INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_checkpoints (
			seq INTEGER PRIMARY KEY,
			hash TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chronicle_scope ON chronicle(scope, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(scope, kind)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_raw_scope ON raw_memories(scope, turn)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_items_status ON work_items(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_items_parent ON work_items(parent)`)

	// FTS5 full-text indexes for keyword search over memories and raw
	// ingest chunks.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content)`)
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS raw_memories_fts USING fts5(raw_id UNINDEXED, content)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append writes one context item to the scope's chronicle.
func (s *Store) Append(ctx context.Context, scope string, item silas.ContextItem) error {
	start := time.Now()
	s.logger.Debug("sqlite: chronicle append", "scope", scope, "id", item.ID, "turn", item.Turn)

	if item.ID == "" {
		item.ID = silas.NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chronicle (id, scope, zone, content, tokens, turn, source, taint, kind, relevance, pinned, masked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, scope, string(item.Zone), item.Content, item.Tokens, item.Turn,
		item.Source, item.Taint.String(), string(item.Kind), item.Relevance,
		boolToInt(item.Pinned), boolToInt(item.Masked), item.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: chronicle append failed", "id", item.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("chronicle append: %w", err)
	}
	s.logger.Debug("sqlite: chronicle append ok", "id", item.ID, "duration", time.Since(start))
	return nil
}

// GetRecent returns up to limit most recent chronicle items for a scope,
// ordered chronologically (oldest first).
func (s *Store) GetRecent(ctx context.Context, scope string, limit int) ([]silas.ContextItem, error) {
	start := time.Now()
	s.logger.Debug("sqlite: chronicle get recent", "scope", scope, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, content, tokens, turn, source, taint, kind, relevance, pinned, masked, created_at
		 FROM chronicle
		 WHERE scope = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		scope, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: chronicle get recent failed", "scope", scope, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("chronicle get recent: %w", err)
	}
	defer rows.Close()

	var items []silas.ContextItem
	for rows.Next() {
		item, err := scanContextItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chronicle: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	s.logger.Debug("sqlite: chronicle get recent ok", "scope", scope, "count", len(items), "duration", time.Since(start))
	return items, nil
}

// PruneBefore removes chronicle entries created before the cutoff and
// returns the number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff int64) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: chronicle prune", "cutoff", cutoff)

	res, err := s.db.ExecContext(ctx, `DELETE FROM chronicle WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("sqlite: chronicle prune failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("chronicle prune: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: chronicle prune ok", "deleted", n, "duration", time.Since(start))
	return int(n), nil
}

// Scopes returns the distinct scopes present in the chronicle, used
// during rehydration to discover which connections have history.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM chronicle ORDER BY scope`)
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

func scanContextItem(rows *sql.Rows) (silas.ContextItem, error) {
	var item silas.ContextItem
	var zone, taint, kind string
	var pinned, masked int
	if err := rows.Scan(&item.ID, &zone, &item.Content, &item.Tokens, &item.Turn,
		&item.Source, &taint, &kind, &item.Relevance, &pinned, &masked, &item.CreatedAt); err != nil {
		return silas.ContextItem{}, fmt.Errorf("scan chronicle item: %w", err)
	}
	item.Zone = silas.Zone(zone)
	item.Taint = silas.ParseTaint(taint)
	item.Kind = silas.ContextKind(kind)
	item.Pinned = pinned != 0
	item.Masked = masked != 0
	return item, nil
}

// DB returns the underlying *sql.DB for sharing with the other stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
