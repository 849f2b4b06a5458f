package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	silas "github.com/DavSimFel/silas"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "silas.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChronicleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []silas.ContextItem{
		{ID: "c1", Zone: silas.ZoneChronicle, Content: "first", Tokens: 2, Turn: 1, Source: "user:alice", Taint: silas.TaintOwner, Kind: silas.KindMessage, CreatedAt: 100},
		{ID: "c2", Zone: silas.ZoneChronicle, Content: "second", Tokens: 2, Turn: 2, Source: "agent", Taint: silas.TaintOwner, Kind: silas.KindMessage, CreatedAt: 200},
		{ID: "c3", Zone: silas.ZoneSystem, Content: "note", Tokens: 1, Turn: 2, Source: "system", Taint: silas.TaintExternal, Kind: silas.KindSystem, Relevance: 0.7, Pinned: true, Masked: true, CreatedAt: 300},
	}
	for _, item := range items {
		if err := s.Append(ctx, "owner", item); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetRecent(ctx, "owner", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("items = %d, want 2", len(got))
	}
	// Most recent two, oldest first.
	if got[0].ID != "c2" || got[1].ID != "c3" {
		t.Errorf("order = [%s %s], want [c2 c3]", got[0].ID, got[1].ID)
	}
	c3 := got[1]
	if c3.Zone != silas.ZoneSystem || c3.Kind != silas.KindSystem || c3.Taint != silas.TaintExternal {
		t.Errorf("enum columns lost: %+v", c3)
	}
	if !c3.Pinned || !c3.Masked || c3.Relevance != 0.7 {
		t.Errorf("flags lost: %+v", c3)
	}

	if got, _ := s.GetRecent(ctx, "other-scope", 10); len(got) != 0 {
		t.Errorf("scope leaked %d items", len(got))
	}
}

func TestChronicleGeneratesIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "owner", silas.ContextItem{Zone: silas.ZoneChronicle, Content: "x", Kind: silas.KindMessage}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecent(ctx, "owner", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID == "" || got[0].CreatedAt == 0 {
		t.Errorf("item = %+v, want generated id and timestamp", got)
	}
}

func TestChroniclePruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		item := silas.ContextItem{Content: "x", Turn: i, Zone: silas.ZoneChronicle, Kind: silas.KindMessage, CreatedAt: ts}
		if err := s.Append(ctx, "owner", item); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneBefore(ctx, 250)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	got, _ := s.GetRecent(ctx, "owner", 10)
	if len(got) != 1 || got[0].CreatedAt != 300 {
		t.Errorf("remaining = %+v", got)
	}
}

func TestChronicleScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, scope := range []string{"owner", "conn2", "owner"} {
		if err := s.Append(ctx, scope, silas.ContextItem{Content: "x", Zone: silas.ZoneChronicle, Kind: silas.KindMessage}); err != nil {
			t.Fatal(err)
		}
	}
	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 || scopes[0] != "conn2" || scopes[1] != "owner" {
		t.Errorf("scopes = %v, want [conn2 owner]", scopes)
	}
}

func TestMemoryCRUD(t *testing.T) {
	s := newTestStore(t)
	mem := NewMemoryStore(s.DB())
	ctx := context.Background()

	id, err := mem.Store(ctx, silas.MemoryItem{
		Scope:   "owner",
		Session: "sess-1",
		Kind:    "fact",
		Content: "the deploy runs from ci",
		Source:  "user:alice",
		Taint:   silas.TaintAuth,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("store returned empty id")
	}

	got, err := mem.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Session != "sess-1" || got.Source != "user:alice" || got.Taint != silas.TaintAuth || got.CreatedAt == 0 {
		t.Errorf("item = %+v", got)
	}

	got.Content = "the deploy runs from ci on main"
	if err := mem.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	updated, _ := mem.Get(ctx, id)
	if updated.Content != got.Content {
		t.Errorf("content = %q after update", updated.Content)
	}

	var notFound *silas.ErrNotFound
	if _, err := mem.Get(ctx, "nope"); !errors.As(err, &notFound) {
		t.Errorf("get unknown = %v, want ErrNotFound", err)
	}
	if err := mem.Update(ctx, silas.MemoryItem{ID: "nope"}); !errors.As(err, &notFound) {
		t.Errorf("update unknown = %v, want ErrNotFound", err)
	}

	if err := mem.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Get(ctx, id); !errors.As(err, &notFound) {
		t.Errorf("get deleted = %v, want ErrNotFound", err)
	}
	if err := mem.Delete(ctx, "nope"); err != nil {
		t.Errorf("delete unknown = %v, want nil", err)
	}
}

func TestMemoryIncrementAccess(t *testing.T) {
	s := newTestStore(t)
	mem := NewMemoryStore(s.DB())
	ctx := context.Background()

	id, err := mem.Store(ctx, silas.MemoryItem{Scope: "owner", Kind: "fact", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := mem.IncrementAccess(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := mem.Get(ctx, id)
	if got.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", got.AccessCount)
	}
}

func TestMemorySearchKeyword(t *testing.T) {
	s := newTestStore(t)
	mem := NewMemoryStore(s.DB())
	ctx := context.Background()

	seed := []silas.MemoryItem{
		{Scope: "owner", Kind: "fact", Content: "deploy happens every friday afternoon"},
		{Scope: "owner", Kind: "fact", Content: "the cat prefers the windowsill"},
		{Scope: "other", Kind: "fact", Content: "deploy is manual here"},
	}
	for _, item := range seed {
		if _, err := mem.Store(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	got, err := mem.SearchKeyword(ctx, "owner", "deploy", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != seed[0].Content {
		t.Errorf("results = %+v", got)
	}

	// Updated content must be re-indexed.
	id := got[0].ID
	got[0].Content = "release happens every friday afternoon"
	if err := mem.Update(ctx, got[0]); err != nil {
		t.Fatal(err)
	}
	if res, _ := mem.SearchKeyword(ctx, "owner", "deploy", 10); len(res) != 0 {
		t.Errorf("stale fts entry matched: %+v", res)
	}
	if res, _ := mem.SearchKeyword(ctx, "owner", "release", 10); len(res) != 1 || res[0].ID != id {
		t.Errorf("reindexed search = %+v", res)
	}

	// FTS operator words are treated as literal text, not syntax.
	if _, err := mem.SearchKeyword(ctx, "owner", `friday AND NEAR(`, 10); err != nil {
		t.Errorf("operator-laden query errored: %v", err)
	}
}

func TestMemorySearchSessionAndType(t *testing.T) {
	s := newTestStore(t)
	mem := NewMemoryStore(s.DB())
	ctx := context.Background()

	seed := []silas.MemoryItem{
		{Scope: "owner", Session: "s1", Kind: "fact", Content: "a", CreatedAt: 100},
		{Scope: "owner", Session: "s1", Kind: "profile", Content: "b", CreatedAt: 200},
		{Scope: "owner", Session: "s2", Kind: "profile", Content: "c", CreatedAt: 300},
	}
	for _, item := range seed {
		if _, err := mem.Store(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	bySession, err := mem.SearchSession(ctx, "owner", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 2 {
		t.Errorf("session results = %d, want 2", len(bySession))
	}

	byType, err := mem.SearchByType(ctx, "owner", "profile", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 2 || byType[0].Content != "c" {
		t.Errorf("type results = %+v, want newest first", byType)
	}

	recent, err := mem.ListRecent(ctx, "owner", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Content != "c" || recent[1].Content != "b" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestRawMemoryStoreAndSearch(t *testing.T) {
	s := newTestStore(t)
	mem := NewMemoryStore(s.DB())
	ctx := context.Background()

	chunks := []silas.RawMemoryItem{
		{Scope: "owner", Turn: 1, Content: "we talked about the migration plan", Source: "user:alice", Taint: silas.TaintOwner},
		{Scope: "owner", Turn: 2, Content: "weather is fine", Source: "user:alice", Taint: silas.TaintOwner},
		{Scope: "other", Turn: 1, Content: "migration elsewhere", Source: "user:bob", Taint: silas.TaintExternal},
	}
	for _, c := range chunks {
		if _, err := mem.StoreRaw(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := mem.SearchRaw(ctx, "owner", "migration", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Turn != 1 || got[0].Taint != silas.TaintOwner {
		t.Errorf("results = %+v", got)
	}
}

func TestWorkItemStore(t *testing.T) {
	s := newTestStore(t)
	items := NewWorkItemStore(s.DB())
	ctx := context.Background()

	item := silas.WorkItem{
		ID:        "w1",
		Scope:     "owner",
		Title:     "build report",
		Executor:  silas.ExecutorShell,
		Args:      map[string]any{"command": "make report"},
		DependsOn: []string{"w0"},
		Status:    silas.StatusPending,
		Budget:    silas.Budget{MaxAttempts: 3},
	}
	if err := items.Save(ctx, item); err != nil {
		t.Fatal(err)
	}

	got, err := items.Get(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != item.Title || got.Args["command"] != "make report" || len(got.DependsOn) != 1 {
		t.Errorf("item = %+v", got)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not set on save")
	}

	var notFound *silas.ErrNotFound
	if _, err := items.Get(ctx, "nope"); !errors.As(err, &notFound) {
		t.Errorf("get unknown = %v, want ErrNotFound", err)
	}
}

func TestWorkItemListAndUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	items := NewWorkItemStore(s.DB())
	ctx := context.Background()

	seed := []silas.WorkItem{
		{ID: "root", Scope: "owner", Status: silas.StatusRunning, CreatedAt: 100},
		{ID: "a", Parent: "root", Scope: "owner", Status: silas.StatusPending, CreatedAt: 200},
		{ID: "b", Parent: "root", Scope: "owner", Status: silas.StatusPending, CreatedAt: 300},
	}
	for _, item := range seed {
		if err := items.Save(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := items.ListByStatus(ctx, silas.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Errorf("pending = %+v, want [a b] oldest first", pending)
	}

	children, err := items.ListByParent(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Errorf("children = %d, want 2", len(children))
	}

	if err := items.UpdateStatus(ctx, "a", silas.StatusDone, silas.BudgetUsed{Attempts: 1, Tokens: 40}); err != nil {
		t.Fatal(err)
	}
	if err := items.UpdateStatus(ctx, "a", silas.StatusDone, silas.BudgetUsed{Attempts: 1, Tokens: 10}); err != nil {
		t.Fatal(err)
	}
	got, _ := items.Get(ctx, "a")
	if got.Status != silas.StatusDone {
		t.Errorf("status = %s", got.Status)
	}
	if got.BudgetUsed.Attempts != 2 || got.BudgetUsed.Tokens != 50 {
		t.Errorf("budget = %+v, want merged usage", got.BudgetUsed)
	}

	var notFound *silas.ErrNotFound
	if err := items.UpdateStatus(ctx, "nope", silas.StatusDone, silas.BudgetUsed{}); !errors.As(err, &notFound) {
		t.Errorf("update unknown = %v, want ErrNotFound", err)
	}
}

func TestAuditChainVerifies(t *testing.T) {
	s := newTestStore(t)
	audit := NewAuditLog(s.DB())
	ctx := context.Background()

	for _, event := range []string{"turn_processed", "turn_blocked", "rehydrated"} {
		id, err := audit.Log(ctx, event, map[string]any{"scope": "owner"})
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("log returned empty id")
		}
	}

	ok, n, err := audit.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || n != 3 {
		t.Errorf("verify = %v/%d, want true/3", ok, n)
	}
}

func TestAuditChainDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	audit := NewAuditLog(s.DB())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := audit.Log(ctx, "turn_processed", map[string]any{"turn": i}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("edited payload", func(t *testing.T) {
		if _, err := s.DB().ExecContext(ctx, `UPDATE audit_log SET data = '{"turn":99}' WHERE seq = 2`); err != nil {
			t.Fatal(err)
		}
		ok, _, err := audit.VerifyChain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("edited entry passed verification")
		}
		// Restore for the next subtest.
		if _, err := s.DB().ExecContext(ctx, `UPDATE audit_log SET data = '{"turn":1}' WHERE seq = 2`); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("deleted entry", func(t *testing.T) {
		if _, err := s.DB().ExecContext(ctx, `DELETE FROM audit_log WHERE seq = 2`); err != nil {
			t.Fatal(err)
		}
		ok, _, err := audit.VerifyChain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("gap in sequence passed verification")
		}
	})
}

func TestAuditCheckpoint(t *testing.T) {
	s := newTestStore(t)
	audit := NewAuditLog(s.DB())
	ctx := context.Background()

	// Checkpointing an empty log is a no-op and verification still works.
	if err := audit.WriteCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, n, err := audit.VerifyFromCheckpoint(ctx); err != nil || !ok || n != 0 {
		t.Fatalf("empty log verify = %v/%d/%v", ok, n, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := audit.Log(ctx, "turn_processed", nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := audit.WriteCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := audit.Log(ctx, "turn_processed", nil); err != nil {
			t.Fatal(err)
		}
	}

	ok, n, err := audit.VerifyFromCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || n != 2 {
		t.Errorf("incremental verify = %v/%d, want true/2 entries after checkpoint", ok, n)
	}

	// A tampered anchor entry invalidates the checkpoint itself.
	if _, err := s.DB().ExecContext(ctx, `UPDATE audit_log SET hash = 'forged' WHERE seq = 2`); err != nil {
		t.Fatal(err)
	}
	ok, _, err = audit.VerifyFromCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("forged checkpoint anchor passed verification")
	}
}
