package silas

import "context"

// MemoryItem is one durable long-term memory record.
type MemoryItem struct {
	ID          string  `json:"id"`
	Scope       string  `json:"scope"`
	Session     string  `json:"session,omitempty"`
	Kind        string  `json:"kind"` // "fact", "profile", "session", "evicted_context"
	Content     string  `json:"content"`
	Source      string  `json:"source,omitempty"`
	Taint       Taint   `json:"taint"`
	Relevance   float64 `json:"relevance"`
	AccessCount int     `json:"access_count"`
	CreatedAt   int64   `json:"created_at"`
}

// RawMemoryItem is an unindexed ingest record: chunks of raw conversation
// text written before any extraction or indexing happens.
type RawMemoryItem struct {
	ID        string `json:"id"`
	Scope     string `json:"scope"`
	Turn      int    `json:"turn"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Taint     Taint  `json:"taint"`
	CreatedAt int64  `json:"created_at"`
}

// ChronicleStore persists the append-only conversation chronicle.
// Implementations must be safe for concurrent use.
type ChronicleStore interface {
	// Append writes one context item to the scope's chronicle.
	Append(ctx context.Context, scope string, item ContextItem) error
	// GetRecent returns up to limit most recent items, oldest first.
	GetRecent(ctx context.Context, scope string, limit int) ([]ContextItem, error)
	// PruneBefore removes entries created before the cutoff (Unix seconds)
	// and returns the number removed.
	PruneBefore(ctx context.Context, cutoff int64) (int, error)
}

// MemoryStore persists long-term memories with keyword retrieval.
// Implementations must be safe for concurrent use.
type MemoryStore interface {
	Store(ctx context.Context, item MemoryItem) (string, error)
	Get(ctx context.Context, id string) (MemoryItem, error)
	Update(ctx context.Context, item MemoryItem) error
	Delete(ctx context.Context, id string) error
	IncrementAccess(ctx context.Context, id string) error

	SearchKeyword(ctx context.Context, scope, query string, limit int) ([]MemoryItem, error)
	SearchSession(ctx context.Context, scope, session string) ([]MemoryItem, error)
	SearchByType(ctx context.Context, scope, kind string, limit int) ([]MemoryItem, error)
	ListRecent(ctx context.Context, scope string, limit int) ([]MemoryItem, error)

	StoreRaw(ctx context.Context, item RawMemoryItem) (string, error)
	SearchRaw(ctx context.Context, scope, query string, limit int) ([]RawMemoryItem, error)
}

// WorkItemStore persists work items. The executor borrows it as its
// persistence boundary. Implementations must be safe for concurrent use.
type WorkItemStore interface {
	Save(ctx context.Context, item WorkItem) error
	Get(ctx context.Context, id string) (WorkItem, error)
	ListByStatus(ctx context.Context, status WorkItemStatus) ([]WorkItem, error)
	ListByParent(ctx context.Context, parent string) ([]WorkItem, error)
	UpdateStatus(ctx context.Context, id string, status WorkItemStatus, used BudgetUsed) error
}

// PendingLister is an optional WorkItemStore extension for rehydration:
// batch reviews, suggestions, and autonomy proposals awaiting the owner.
// Stores that do not implement it degrade to engine-generated listings.
type PendingLister interface {
	ListPendingBatchReviews(ctx context.Context, scope string) ([]WorkItem, error)
	ListPendingSuggestions(ctx context.Context, scope string) ([]Suggestion, error)
	ListPendingAutonomyProposals(ctx context.Context, scope string) ([]WorkItem, error)
}

// AuditLog appends to a hash-chained append-only event log.
// Implementations must be safe for concurrent use.
type AuditLog interface {
	// Log appends one event and returns its id.
	Log(ctx context.Context, event string, data map[string]any) (string, error)
	// VerifyChain walks the full chain and reports integrity plus length.
	VerifyChain(ctx context.Context) (bool, int, error)
	// WriteCheckpoint records the current chain head for incremental checks.
	WriteCheckpoint(ctx context.Context) error
	// VerifyFromCheckpoint verifies from the last checkpoint forward.
	VerifyFromCheckpoint(ctx context.Context) (bool, int, error)
}
