package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	silas "github.com/DavSimFel/silas"
)

// WorkItemStoreOption configures a SQLite WorkItemStore.
type WorkItemStoreOption func(*WorkItemStore)

// WithWorkItemLogger sets a structured logger for the work-item store.
func WithWorkItemLogger(l *slog.Logger) WorkItemStoreOption {
	return func(s *WorkItemStore) { s.logger = l }
}

// WorkItemStore implements silas.WorkItemStore backed by SQLite. The
// item body is stored as a JSON blob; parent, scope, and status are
// lifted into columns for the executor's index queries.
type WorkItemStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ silas.WorkItemStore = (*WorkItemStore)(nil)

// NewWorkItemStore creates a WorkItemStore over an existing *sql.DB.
// Pass store.DB() to share the same serialized connection.
func NewWorkItemStore(db *sql.DB, opts ...WorkItemStoreOption) *WorkItemStore {
	s := &WorkItemStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save inserts or replaces a work item.
func (s *WorkItemStore) Save(ctx context.Context, item silas.WorkItem) error {
	start := time.Now()
	if item.CreatedAt == 0 {
		item.CreatedAt = silas.NowUnix()
	}
	item.UpdatedAt = silas.NowUnix()
	s.logger.Debug("sqlite: save work item", "id", item.ID, "status", item.Status)

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO work_items (id, parent, scope, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, nullable(item.Parent), item.Scope, string(item.Status), string(data),
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save work item failed", "id", item.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save work item: %w", err)
	}
	s.logger.Debug("sqlite: save work item ok", "id", item.ID, "duration", time.Since(start))
	return nil
}

// Get returns a work item by id.
func (s *WorkItemStore) Get(ctx context.Context, id string) (silas.WorkItem, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM work_items WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return silas.WorkItem{}, &silas.ErrNotFound{Kind: "work_item", ID: id}
	}
	if err != nil {
		return silas.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	var item silas.WorkItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return silas.WorkItem{}, fmt.Errorf("unmarshal work item: %w", err)
	}
	return item, nil
}

// ListByStatus returns all items with the given status, oldest first.
func (s *WorkItemStore) ListByStatus(ctx context.Context, status silas.WorkItemStatus) ([]silas.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM work_items WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// ListByParent returns all direct children of a work item, oldest first.
func (s *WorkItemStore) ListByParent(ctx context.Context, parent string) ([]silas.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM work_items WHERE parent = ? ORDER BY created_at, id`, parent)
	if err != nil {
		return nil, fmt.Errorf("list by parent: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// UpdateStatus transitions an item's status and merges budget usage into
// the stored body. Read-modify-write is safe because the pool is
// serialized to one connection.
func (s *WorkItemStore) UpdateStatus(ctx context.Context, id string, status silas.WorkItemStatus, used silas.BudgetUsed) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Status = status
	item.BudgetUsed.Merge(used)
	return s.Save(ctx, item)
}

func scanWorkItems(rows *sql.Rows) ([]silas.WorkItem, error) {
	var items []silas.WorkItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		var item silas.WorkItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("unmarshal work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
