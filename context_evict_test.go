package silas

import (
	"context"
	"errors"
	"testing"
)

// evictBudget keeps the numbers small enough to reason about: chronicle
// gets 50 tokens, memory 20, workspace 10, with tier-2 kicking in above
// 200 tokens total.
func evictBudget() TokenBudget {
	return TokenBudget{
		Total:             100,
		SystemMax:         20,
		EvictThresholdPct: 0.9,
		Profiles: map[string]ZoneProfile{
			"p": {Chronicle: 0.50, Memory: 0.20, Workspace: 0.10},
		},
		DefaultProfile: "p",
	}
}

func addItem(m *ContextManager, scope string, it ContextItem) string {
	if it.Content == "" {
		it.Content = "x"
	}
	return m.Add(scope, it)
}

func TestTier1EvictionOrder(t *testing.T) {
	m, err := NewContextManager(evictBudget())
	if err != nil {
		t.Fatal(err)
	}
	// Chronicle budget is 50. Three 30-token items force two evictions.
	low := addItem(m, "s", ContextItem{ID: "c-low", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.1, Turn: 5})
	old := addItem(m, "s", ContextItem{ID: "c-old", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.5, Turn: 1})
	addItem(m, "s", ContextItem{ID: "c-new", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.5, Turn: 9})

	evicted := m.EnforceBudget(context.Background(), "s", 10, "", TaintOwner)
	if len(evicted) != 2 {
		t.Fatalf("evicted %d items, want 2: %v", len(evicted), evicted)
	}
	// Lowest relevance first, then lowest turn among equals.
	if evicted[0] != low || evicted[1] != old {
		t.Errorf("eviction order = %v, want [%s %s]", evicted, low, old)
	}
	if _, ok := m.Get("s", "c-new"); !ok {
		t.Error("most relevant recent item should survive")
	}
}

func TestTier1IDTieBreak(t *testing.T) {
	m, err := NewContextManager(evictBudget())
	if err != nil {
		t.Fatal(err)
	}
	// Identical tuples except the id: the smaller ctx_id goes first.
	addItem(m, "s", ContextItem{ID: "b", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.5, Turn: 1, CreatedAt: 100})
	addItem(m, "s", ContextItem{ID: "a", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.5, Turn: 1, CreatedAt: 100})
	addItem(m, "s", ContextItem{ID: "c", Zone: ZoneChronicle, Tokens: 30, Relevance: 0.5, Turn: 1, CreatedAt: 100})

	evicted := m.EnforceBudget(context.Background(), "s", 2, "", TaintOwner)
	if len(evicted) != 2 || evicted[0] != "a" || evicted[1] != "b" {
		t.Errorf("eviction order = %v, want [a b]", evicted)
	}
}

func TestEnforceBudgetSkipsPinned(t *testing.T) {
	m, err := NewContextManager(evictBudget())
	if err != nil {
		t.Fatal(err)
	}
	addItem(m, "s", ContextItem{ID: "p1", Zone: ZoneChronicle, Tokens: 40, Pinned: true})
	addItem(m, "s", ContextItem{ID: "p2", Zone: ZoneChronicle, Tokens: 40, Pinned: true})

	evicted := m.EnforceBudget(context.Background(), "s", 1, "", TaintOwner)
	if len(evicted) != 0 {
		t.Errorf("pinned items were evicted: %v", evicted)
	}
	if _, ok := m.Get("s", "p1"); !ok {
		t.Error("pinned item removed")
	}
}

func TestEvictHookFiresBeforeRemoval(t *testing.T) {
	var hooked []string
	var m *ContextManager
	hook := func(scope string, it ContextItem) {
		// The item must still be retrievable while the hook runs.
		if _, ok := m.Get(scope, it.ID); !ok {
			t.Errorf("item %s already gone inside the hook", it.ID)
		}
		hooked = append(hooked, it.ID)
	}
	var err error
	m, err = NewContextManager(evictBudget(), WithEvictHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	addItem(m, "s", ContextItem{ID: "a", Zone: ZoneChronicle, Tokens: 60})

	evicted := m.EnforceBudget(context.Background(), "s", 1, "", TaintOwner)
	if len(hooked) != len(evicted) {
		t.Errorf("hook saw %v, evicted %v", hooked, evicted)
	}
}

// stubScorer returns a fixed advice list, recording each call.
type stubScorer struct {
	ids   []string
	err   error
	calls int
}

func (s *stubScorer) Advise(_ context.Context, req ScorerRequest) ([]string, error) {
	s.calls++
	return s.ids, s.err
}

func TestTier2ScorerApplied(t *testing.T) {
	// Threshold 20: tier-1 is satisfied (zone budgets hold) but total
	// usage still exceeds the threshold, so the scorer runs.
	budget := evictBudget()
	budget.EvictThresholdPct = 0.2
	scorer := &stubScorer{ids: []string{"sys", "pin", "m1", "c1"}}
	m, err := NewContextManager(budget, WithScorer(scorer))
	if err != nil {
		t.Fatal(err)
	}
	addItem(m, "s", ContextItem{ID: "sys", Zone: ZoneSystem, Tokens: 10})
	addItem(m, "s", ContextItem{ID: "pin", Zone: ZoneChronicle, Tokens: 10, Pinned: true})
	addItem(m, "s", ContextItem{ID: "m1", Zone: ZoneMemory, Tokens: 15})
	addItem(m, "s", ContextItem{ID: "c1", Zone: ZoneChronicle, Tokens: 20})

	evicted := m.EnforceBudget(context.Background(), "s", 1, "goal", TaintOwner)
	if scorer.calls != 1 {
		t.Fatalf("scorer called %d times, want 1", scorer.calls)
	}
	for _, id := range evicted {
		if id == "sys" || id == "pin" {
			t.Errorf("scorer advice for %s must not be honored", id)
		}
	}
	if _, ok := m.Get("s", "sys"); !ok {
		t.Error("system item evicted")
	}
	if _, ok := m.Get("s", "pin"); !ok {
		t.Error("pinned item evicted")
	}
	if _, ok := m.Get("s", "m1"); ok {
		t.Error("scorer-advised m1 should be gone")
	}
}

func TestScorerFailureFallsBackToAggressive(t *testing.T) {
	budget := evictBudget()
	budget.EvictThresholdPct = 0.2
	scorer := &stubScorer{err: errors.New("model down")}
	m, err := NewContextManager(budget, WithScorer(scorer))
	if err != nil {
		t.Fatal(err)
	}
	addItem(m, "s", ContextItem{ID: "c1", Zone: ZoneChronicle, Tokens: 15})
	addItem(m, "s", ContextItem{ID: "m1", Zone: ZoneMemory, Tokens: 15})
	addItem(m, "s", ContextItem{ID: "w1", Zone: ZoneWorkspace, Tokens: 5})

	m.EnforceBudget(context.Background(), "s", 1, "", TaintOwner)
	if scorer.calls != 1 {
		t.Fatalf("scorer called %d times, want 1", scorer.calls)
	}
	// Aggressive heuristic takes over: chronicle first, then memory.
	usage := m.TokenUsage("s")
	if total := totalUsage(usage); total > 20 {
		t.Errorf("total usage %d, want <= threshold 20", total)
	}
	if _, ok := m.Get("s", "c1"); ok {
		t.Error("aggressive pass should evict chronicle first")
	}
}

func TestLastChronicle(t *testing.T) {
	items := []ContextItem{
		{ID: "1", Zone: ZoneChronicle},
		{ID: "m", Zone: ZoneMemory},
		{ID: "2", Zone: ZoneChronicle},
		{ID: "3", Zone: ZoneChronicle},
		{ID: "4", Zone: ZoneChronicle},
	}
	got := lastChronicle(items, 3)
	if len(got) != 3 || got[0].ID != "2" || got[2].ID != "4" {
		t.Errorf("lastChronicle = %v", got)
	}
}
