package silas

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Zone is one of the four context partitions. Budgets apply per zone;
// the system zone is privileged and never evicted.
type Zone string

const (
	ZoneSystem    Zone = "system"
	ZoneChronicle Zone = "chronicle"
	ZoneMemory    Zone = "memory"
	ZoneWorkspace Zone = "workspace"
)

// zoneOrder is the render order. System always leads so instructions
// precede everything the model reads after them.
var zoneOrder = []Zone{ZoneSystem, ZoneChronicle, ZoneMemory, ZoneWorkspace}

// evictableZones are the zones subject to budget enforcement, in tier-1
// processing order.
var evictableZones = []Zone{ZoneChronicle, ZoneMemory, ZoneWorkspace}

// ContextKind classifies a context item's origin.
type ContextKind string

const (
	KindMessage    ContextKind = "message"
	KindToolResult ContextKind = "tool_result"
	KindMemory     ContextKind = "memory"
	KindSystem     ContextKind = "system"
)

// ContextItem is one unit of context stored in a scope's window.
// Items are immutable once added except for observation masking.
type ContextItem struct {
	ID        string      `json:"id"`
	Zone      Zone        `json:"zone"`
	Content   string      `json:"content"`
	Tokens    int         `json:"tokens"`
	CreatedAt int64       `json:"created_at"`
	Turn      int         `json:"turn"`
	Source    string      `json:"source"`
	Taint     Taint       `json:"taint"`
	Kind      ContextKind `json:"kind"`
	Relevance float64     `json:"relevance"`
	Pinned    bool        `json:"pinned"`
	Masked    bool        `json:"masked"`
}

// SubscriptionType selects what a context subscription watches.
type SubscriptionType string

const (
	SubFile      SubscriptionType = "file"
	SubFileLines SubscriptionType = "file_lines"
	SubQuery     SubscriptionType = "query"
)

// Subscription is a registered context feed: a file, a file range, or a
// recurring query materialized into a zone each turn.
type Subscription struct {
	ID          string           `json:"id"`
	Type        SubscriptionType `json:"type"`
	Target      string           `json:"target"`
	Zone        Zone             `json:"zone"`
	CreatedAt   int64            `json:"created_at"`
	ContentHash string           `json:"content_hash,omitempty"`
	Active      bool             `json:"active"`
	Tokens      int              `json:"tokens"`
	// ExpiresAt is Unix seconds; zero means no expiry. Expired
	// subscriptions materialize to nothing and are purged.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// ZoneProfile is a named tuple of per-zone budget percentages. The three
// ratios must each be in [0,1] and sum to at most 0.80; the remaining 20%
// is headroom for the system zone and render overhead.
type ZoneProfile struct {
	Chronicle float64 `json:"chronicle"`
	Memory    float64 `json:"memory"`
	Workspace float64 `json:"workspace"`
}

// profileSumTolerance absorbs float accumulation when ratios land
// exactly on the 0.80 cap.
const profileSumTolerance = 1e-9

func (p ZoneProfile) validate(name string) error {
	for _, r := range []struct {
		label string
		v     float64
	}{{"chronicle", p.Chronicle}, {"memory", p.Memory}, {"workspace", p.Workspace}} {
		if r.v < 0 || r.v > 1 {
			return &ErrInvalidConfig{Component: "context", Reason: fmt.Sprintf("profile %q: %s ratio %v outside [0,1]", name, r.label, r.v)}
		}
	}
	if sum := p.Chronicle + p.Memory + p.Workspace; sum > 0.80+profileSumTolerance {
		return &ErrInvalidConfig{Component: "context", Reason: fmt.Sprintf("profile %q: ratios sum to %v, max 0.80", name, sum)}
	}
	return nil
}

// pct returns the ratio for an evictable zone.
func (p ZoneProfile) pct(z Zone) float64 {
	switch z {
	case ZoneChronicle:
		return p.Chronicle
	case ZoneMemory:
		return p.Memory
	case ZoneWorkspace:
		return p.Workspace
	default:
		return 0
	}
}

// TokenBudget configures context capacity and eviction behavior.
type TokenBudget struct {
	// Total is the full context window in tokens.
	Total int
	// SystemMax caps the system zone's claim on Total.
	SystemMax int
	// EvictThresholdPct of Total is the usage level that triggers tier-2
	// scoring after tier-1 has run.
	EvictThresholdPct float64
	// ScorerThresholdPct of Total is the target the tier-2 scorer evicts
	// down to. Zero means use EvictThresholdPct.
	ScorerThresholdPct float64
	// MaskAfterTurns is the age in turns after which tool results are
	// replaced with placeholders.
	MaskAfterTurns int
	// Profiles are the named zone allocations; DefaultProfile must name
	// one of them when the map is non-empty.
	Profiles       map[string]ZoneProfile
	DefaultProfile string
}

// Validate checks the budget at construction time.
func (b TokenBudget) Validate() error {
	if b.Total <= 0 {
		return &ErrInvalidConfig{Component: "context", Reason: "total budget must be positive"}
	}
	if b.SystemMax < 0 || b.SystemMax > b.Total {
		return &ErrInvalidConfig{Component: "context", Reason: "system max outside [0, total]"}
	}
	if b.EvictThresholdPct <= 0 || b.EvictThresholdPct > 1 {
		return &ErrInvalidConfig{Component: "context", Reason: "eviction threshold outside (0,1]"}
	}
	for name, p := range b.Profiles {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	if len(b.Profiles) > 0 {
		if _, ok := b.Profiles[b.DefaultProfile]; !ok {
			return &ErrInvalidConfig{Component: "context", Reason: fmt.Sprintf("default profile %q not defined", b.DefaultProfile)}
		}
	}
	return nil
}

// scorerTarget returns the token level tier-2 evicts down to.
func (b TokenBudget) scorerTarget() int {
	pct := b.ScorerThresholdPct
	if pct <= 0 {
		pct = b.EvictThresholdPct
	}
	return int(float64(b.Total) * pct)
}

// scopeState is the per-scope slice of the manager. Item order is
// insertion order within the scope.
type scopeState struct {
	items      []ContextItem
	profile    string
	subs       map[string]Subscription
	referenced map[string]bool
}

// EvictHook is called for each item just before eviction removes it,
// giving the caller a chance to persist the content to long-term memory.
type EvictHook func(scope string, item ContextItem)

// ContextManager stores context items per scope across four zones and
// enforces profile-driven token budgets with two-tier eviction.
//
// Operations on a single scope are not safe for concurrent use; the
// owning turn processor serializes them. Distinct scopes may be used
// concurrently.
type ContextManager struct {
	budget  TokenBudget
	scorer  EvictionScorer
	onEvict EvictHook
	logger  *slog.Logger
	tracer  Tracer

	mu     sync.RWMutex // guards the scopes map itself
	scopes map[string]*scopeState
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithScorer sets the tier-2 eviction scorer. Without one, enforcement
// falls straight from tier-1 to the aggressive heuristic.
func WithScorer(s EvictionScorer) ContextOption {
	return func(m *ContextManager) { m.scorer = s }
}

// WithEvictHook registers a callback invoked for every evicted item
// before its removal becomes visible.
func WithEvictHook(h EvictHook) ContextOption {
	return func(m *ContextManager) { m.onEvict = h }
}

// WithContextLogger sets the structured logger for eviction decisions.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(m *ContextManager) { m.logger = l }
}

// WithContextTracer sets the tracer for budget-enforcement spans.
func WithContextTracer(t Tracer) ContextOption {
	return func(m *ContextManager) { m.tracer = t }
}

// NewContextManager creates a manager with the given budget.
// Returns ErrInvalidConfig if the budget does not validate.
func NewContextManager(budget TokenBudget, opts ...ContextOption) (*ContextManager, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	m := &ContextManager{
		budget: budget,
		logger: nopLogger,
		scopes: make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m, nil
}

// Budget returns the configured token budget.
func (m *ContextManager) Budget() TokenBudget { return m.budget }

// scope returns (creating if needed) the state for a scope key.
func (m *ContextManager) scope(key string) *scopeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[key]
	if !ok {
		s = &scopeState{
			profile:    m.budget.DefaultProfile,
			subs:       make(map[string]Subscription),
			referenced: make(map[string]bool),
		}
		m.scopes[key] = s
	}
	return s
}

// Scopes returns the known scope keys, sorted.
func (m *ContextManager) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.scopes))
	for k := range m.scopes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add appends a deep copy of the item to the scope and returns its ctx_id.
// Missing ids, timestamps, and token counts are filled in.
func (m *ContextManager) Add(scope string, item ContextItem) string {
	s := m.scope(scope)
	if item.ID == "" {
		item.ID = NewID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = NowUnix()
	}
	if item.Tokens == 0 {
		item.Tokens = EstimateTokens(item.Content)
	}
	if item.Zone == ZoneSystem {
		item.Kind = KindSystem
	}
	s.items = append(s.items, item)
	return item.ID
}

// Drop removes the item with the given ctx_id if present.
func (m *ContextManager) Drop(scope, ctxID string) {
	s := m.scope(scope)
	for i, it := range s.items {
		if it.ID == ctxID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// GetZone returns copies of the items in a zone, in insertion order.
func (m *ContextManager) GetZone(scope string, zone Zone) []ContextItem {
	s := m.scope(scope)
	var out []ContextItem
	for _, it := range s.items {
		if it.Zone == zone {
			out = append(out, it)
		}
	}
	return out
}

// Get returns the item with the given id, if present.
func (m *ContextManager) Get(scope, ctxID string) (ContextItem, bool) {
	s := m.scope(scope)
	for _, it := range s.items {
		if it.ID == ctxID {
			return it, true
		}
	}
	return ContextItem{}, false
}

// Subscribe registers a subscription and returns its id.
func (m *ContextManager) Subscribe(scope string, sub Subscription) string {
	s := m.scope(scope)
	if sub.ID == "" {
		sub.ID = NewID()
	}
	if sub.CreatedAt == 0 {
		sub.CreatedAt = NowUnix()
	}
	sub.Active = true
	s.subs[sub.ID] = sub
	return sub.ID
}

// Unsubscribe deactivates a subscription. Inactive subscriptions are
// purged on the next render.
func (m *ContextManager) Unsubscribe(scope, subID string) {
	s := m.scope(scope)
	if sub, ok := s.subs[subID]; ok {
		sub.Active = false
		s.subs[subID] = sub
	}
}

// Subscriptions returns the scope's active subscriptions.
func (m *ContextManager) Subscriptions(scope string) []Subscription {
	s := m.scope(scope)
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Active {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetProfile selects the named zone profile for a scope. When the budget
// defines profiles, unknown names fail with ErrUnknownProfile.
func (m *ContextManager) SetProfile(scope, name string) error {
	if len(m.budget.Profiles) > 0 {
		if _, ok := m.budget.Profiles[name]; !ok {
			return &ErrUnknownProfile{Name: name}
		}
	}
	m.scope(scope).profile = name
	return nil
}

// Profile returns the scope's active profile name.
func (m *ContextManager) Profile(scope string) string {
	return m.scope(scope).profile
}

// MarkReferenced records that the given ctx_ids were referenced this turn.
// The local scorer grants referenced items an eviction bonus.
func (m *ContextManager) MarkReferenced(scope string, ids ...string) {
	s := m.scope(scope)
	for _, id := range ids {
		s.referenced[id] = true
	}
}

// activeProfile resolves the scope's profile to a ZoneProfile. Scopes with
// no resolvable profile get an even default allocation.
func (m *ContextManager) activeProfile(s *scopeState) ZoneProfile {
	if p, ok := m.budget.Profiles[s.profile]; ok {
		return p
	}
	if p, ok := m.budget.Profiles[m.budget.DefaultProfile]; ok {
		return p
	}
	return ZoneProfile{Chronicle: 0.40, Memory: 0.20, Workspace: 0.20}
}

// maskObservations applies observation masking: tool results older than
// MaskAfterTurns become placeholders with recomputed token counts.
// Idempotent; masked items are never re-masked.
func (m *ContextManager) maskObservations(s *scopeState, turn int) {
	if m.budget.MaskAfterTurns <= 0 {
		return
	}
	for i := range s.items {
		it := &s.items[i]
		if it.Kind != KindToolResult || it.Masked {
			continue
		}
		if turn-it.Turn <= m.budget.MaskAfterTurns {
			continue
		}
		it.Content = fmt.Sprintf("[Result of %s — %d tokens — see memory for details]", it.Source, it.Tokens)
		it.Masked = true
		it.Tokens = EstimateTokens(it.Content)
	}
}

// purgeSubscriptions drops inactive and expired subscriptions.
func (m *ContextManager) purgeSubscriptions(s *scopeState, now int64) {
	for id, sub := range s.subs {
		if !sub.Active || (sub.ExpiresAt > 0 && sub.ExpiresAt <= now) {
			delete(s.subs, id)
		}
	}
}

// Render applies observation masking, purges dead subscriptions, and
// returns the scope's context as concatenated blocks in zone order
// system, chronicle, memory, workspace. Calling twice with no state change
// in between produces identical text.
func (m *ContextManager) Render(scope string, turn int) string {
	s := m.scope(scope)
	m.maskObservations(s, turn)
	m.purgeSubscriptions(s, NowUnix())

	var b strings.Builder
	for _, zone := range zoneOrder {
		for _, it := range s.items {
			if it.Zone != zone {
				continue
			}
			fmt.Fprintf(&b, "--- %s | turn %d | %s ---\n", it.Zone, it.Turn, it.Source)
			b.WriteString(it.Content)
			b.WriteString("\n--- end ---\n")
		}
	}
	return b.String()
}

// TokenUsage returns the per-zone token sums for a scope.
func (m *ContextManager) TokenUsage(scope string) map[Zone]int {
	s := m.scope(scope)
	usage := make(map[Zone]int, len(zoneOrder))
	for _, it := range s.items {
		usage[it.Zone] += it.Tokens
	}
	return usage
}

// totalUsage sums all zones.
func totalUsage(usage map[Zone]int) int {
	var n int
	for _, v := range usage {
		n += v
	}
	return n
}

// Snapshot reports a scope's state for diagnostics.
func (m *ContextManager) Snapshot(scope string) map[string]any {
	s := m.scope(scope)
	usage := m.TokenUsage(scope)
	return map[string]any{
		"scope":         scope,
		"profile":       s.profile,
		"items":         len(s.items),
		"subscriptions": len(s.subs),
		"usage":         usage,
		"total":         totalUsage(usage),
	}
}
