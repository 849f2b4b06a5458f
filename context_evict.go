package silas

import (
	"context"
	"math"
)

// zoneBudget computes the token budget for one evictable zone:
// floor((total - min(system_used, system_max)) * profile_pct).
// The system zone's budget is SystemMax.
func (m *ContextManager) zoneBudget(s *scopeState, zone Zone, systemUsed int) int {
	if zone == ZoneSystem {
		return m.budget.SystemMax
	}
	sys := systemUsed
	if sys > m.budget.SystemMax {
		sys = m.budget.SystemMax
	}
	p := m.activeProfile(s)
	return int(math.Floor(float64(m.budget.Total-sys) * p.pct(zone)))
}

// ZoneBudget reports the current budget for a zone in a scope.
func (m *ContextManager) ZoneBudget(scope string, zone Zone) int {
	s := m.scope(scope)
	return m.zoneBudget(s, zone, m.TokenUsage(scope)[ZoneSystem])
}

// evictItem removes one item by index, running the evict hook first so
// the caller can persist the content before removal becomes visible.
func (m *ContextManager) evictItem(scope string, s *scopeState, idx int) string {
	it := s.items[idx]
	if m.onEvict != nil {
		m.onEvict(scope, it)
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	delete(s.referenced, it.ID)
	return it.ID
}

// tier1Candidate returns the index of the non-pinned item in the zone
// minimizing (relevance, turn, created_at, ctx_id), or -1 when every
// remaining item is pinned. The ctx_id tie-break keeps eviction stable.
func tier1Candidate(items []ContextItem, zone Zone) int {
	best := -1
	for i, it := range items {
		if it.Zone != zone || it.Pinned {
			continue
		}
		if best == -1 || lessEvictable(it, items[best]) {
			best = i
		}
	}
	return best
}

// lessEvictable orders items by the tier-1 tuple.
func lessEvictable(a, b ContextItem) bool {
	if a.Relevance != b.Relevance {
		return a.Relevance < b.Relevance
	}
	if a.Turn != b.Turn {
		return a.Turn < b.Turn
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// tier1 brings each evictable zone under its budget with the deterministic
// heuristic. Returns the evicted ids.
func (m *ContextManager) tier1(scope string, s *scopeState) []string {
	var evicted []string
	usage := usageOf(s.items)
	for _, zone := range evictableZones {
		budget := m.zoneBudget(s, zone, usage[ZoneSystem])
		for usage[zone] > budget {
			idx := tier1Candidate(s.items, zone)
			if idx < 0 {
				break // only pinned items left; convergence not possible
			}
			usage[zone] -= s.items[idx].Tokens
			evicted = append(evicted, m.evictItem(scope, s, idx))
		}
	}
	return evicted
}

// aggressiveHeuristic evicts across all evictable zones, chronicle first,
// then memory, then workspace, until total usage drops below target.
func (m *ContextManager) aggressiveHeuristic(scope string, s *scopeState, target int) []string {
	var evicted []string
	usage := usageOf(s.items)
	total := totalUsage(usage)
	for _, zone := range evictableZones {
		for total > target {
			idx := tier1Candidate(s.items, zone)
			if idx < 0 {
				break
			}
			total -= s.items[idx].Tokens
			evicted = append(evicted, m.evictItem(scope, s, idx))
		}
	}
	return evicted
}

// usageOf sums tokens per zone for an item slice.
func usageOf(items []ContextItem) map[Zone]int {
	usage := make(map[Zone]int, len(zoneOrder))
	for _, it := range items {
		usage[it.Zone] += it.Tokens
	}
	return usage
}

// EnforceBudget applies the combined eviction policy and returns the
// evicted ctx_ids in eviction order:
//
//  1. Observation masking (same pass as Render).
//  2. Tier-1 deterministic heuristic per zone.
//  3. If total usage still exceeds the eviction threshold, the configured
//     tier-2 scorer advises; system-zone and pinned ids are never honored.
//  4. If usage still exceeds the threshold, the aggressive heuristic
//     finishes the job, chronicle first.
//
// Eviction output never contains system-zone or pinned ids. The evict
// hook fires for every removed item before its removal is visible.
func (m *ContextManager) EnforceBudget(ctx context.Context, scope string, turn int, currentGoal string, currentTaint Taint) []string {
	s := m.scope(scope)
	m.maskObservations(s, turn)

	var span Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "context.enforce_budget",
			StringAttr("scope", scope), IntAttr("turn", turn))
		defer span.End()
	}

	evicted := m.tier1(scope, s)

	threshold := int(float64(m.budget.Total) * m.budget.EvictThresholdPct)
	total := totalUsage(usageOf(s.items))
	if total > threshold && m.scorer != nil {
		evicted = append(evicted, m.runScorer(ctx, scope, s, turn, currentGoal, currentTaint)...)
		total = totalUsage(usageOf(s.items))
	}
	if total > threshold {
		evicted = append(evicted, m.aggressiveHeuristic(scope, s, threshold)...)
	}

	if span != nil {
		span.SetAttr(IntAttr("evicted", len(evicted)), IntAttr("total_after", totalUsage(usageOf(s.items))))
	}
	if len(evicted) > 0 {
		m.logger.Info("context evicted", "scope", scope, "turn", turn, "count", len(evicted))
	}
	return evicted
}

// runScorer consults the tier-2 scorer and applies its advice, skipping
// system-zone and pinned ids and stopping once usage is under the scorer
// target. Scorer failure degrades silently; the aggressive heuristic in
// EnforceBudget picks up whatever is left.
func (m *ContextManager) runScorer(ctx context.Context, scope string, s *scopeState, turn int, goal string, taint Taint) []string {
	req := ScorerRequest{
		Scope:        scope,
		Goal:         goal,
		Turn:         turn,
		CurrentTaint: taint,
		Items:        append([]ContextItem(nil), s.items...),
		Recent:       lastChronicle(s.items, 3),
		Referenced:   referencedSet(s.referenced),
	}
	ids, err := m.scorer.Advise(ctx, req)
	if err != nil {
		m.logger.Warn("eviction scorer unavailable, falling back to heuristic", "scope", scope, "error", err)
		return nil
	}

	target := m.budget.scorerTarget()
	var evicted []string
	total := totalUsage(usageOf(s.items))
	for _, id := range ids {
		if total <= target {
			break
		}
		idx := indexOfItem(s.items, id)
		if idx < 0 {
			continue
		}
		if s.items[idx].Zone == ZoneSystem || s.items[idx].Pinned {
			continue
		}
		total -= s.items[idx].Tokens
		evicted = append(evicted, m.evictItem(scope, s, idx))
	}
	return evicted
}

// lastChronicle returns up to n most recent chronicle items, oldest first.
func lastChronicle(items []ContextItem, n int) []ContextItem {
	var chron []ContextItem
	for _, it := range items {
		if it.Zone == ZoneChronicle {
			chron = append(chron, it)
		}
	}
	if len(chron) > n {
		chron = chron[len(chron)-n:]
	}
	return chron
}

func referencedSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		if v {
			out[k] = true
		}
	}
	return out
}

func indexOfItem(items []ContextItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
