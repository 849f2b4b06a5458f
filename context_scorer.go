package silas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ScorerRequest is the tier-2 scorer's view of a scope at enforcement time.
type ScorerRequest struct {
	Scope        string
	Goal         string
	Turn         int
	CurrentTaint Taint
	// Items is a snapshot of every item in the scope, insertion order.
	Items []ContextItem
	// Recent holds the last three chronicle entries for prompt context.
	Recent []ContextItem
	// Referenced marks ctx_ids referenced earlier in the session.
	Referenced map[string]bool
}

// EvictionScorer ranks context items for tier-2 eviction. Advise returns
// candidate ctx_ids least valuable first; the manager applies them until
// usage drops under the scorer target.
type EvictionScorer interface {
	Advise(ctx context.Context, req ScorerRequest) ([]string, error)
}

// --- Local scorer ---

// LocalScorerWeights are the factor weights of the deterministic scorer.
// They are normalized before use, so only their ratios matter.
type LocalScorerWeights struct {
	Recency   float64
	Zone      float64
	Taint     float64
	Keyword   float64
	Reference float64
}

// DefaultLocalScorerWeights weight keyword overlap and recency highest:
// what the user is talking about now is what must survive.
var DefaultLocalScorerWeights = LocalScorerWeights{
	Recency:   0.25,
	Zone:      0.15,
	Taint:     0.10,
	Keyword:   0.35,
	Reference: 0.15,
}

// zoneFactor is the fixed per-zone value table.
var zoneFactor = map[Zone]float64{
	ZoneSystem:    1.0,
	ZoneMemory:    0.5,
	ZoneChronicle: 0.4,
	ZoneWorkspace: 0.3,
}

// LocalScorer is the in-process tier-2 strategy: a weighted relevance
// score per item, lowest scores advised for eviction first.
type LocalScorer struct {
	weights LocalScorerWeights
}

// NewLocalScorer creates a LocalScorer. Zero-valued weights fall back to
// the defaults.
func NewLocalScorer(weights LocalScorerWeights) *LocalScorer {
	if weights == (LocalScorerWeights{}) {
		weights = DefaultLocalScorerWeights
	}
	return &LocalScorer{weights: weights}
}

// compile-time check
var _ EvictionScorer = (*LocalScorer)(nil)

// Advise scores every non-pinned, non-system item and returns their ids
// ascending by score.
func (s *LocalScorer) Advise(_ context.Context, req ScorerRequest) ([]string, error) {
	w := s.weights
	norm := w.Recency + w.Zone + w.Taint + w.Keyword + w.Reference
	if norm <= 0 {
		norm = 1
	}

	maxAge := int64(1)
	now := NowUnix()
	for _, it := range req.Items {
		if age := now - it.CreatedAt; age > maxAge {
			maxAge = age
		}
	}
	queryWords := wordSet(req.Goal)

	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	for _, it := range req.Items {
		if it.Zone == ZoneSystem || it.Pinned {
			continue
		}
		recency := 1 - float64(now-it.CreatedAt)/float64(maxAge)
		taint := 0.0
		switch {
		case it.Taint == req.CurrentTaint:
			taint = 1.0
		case it.Taint == TaintOwner:
			taint = 0.5
		}
		keyword := keywordOverlap(queryWords, it.Content)
		ref := 0.0
		if req.Referenced[it.ID] {
			ref = 1.0
		}
		score := (w.Recency*recency + w.Zone*zoneFactor[it.Zone] + w.Taint*taint + w.Keyword*keyword + w.Reference*ref) / norm
		ranked = append(ranked, scored{id: it.ID, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	return ids, nil
}

// wordSet lowercases and splits text into a word set.
func wordSet(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// keywordOverlap returns |query ∩ item| / |query|, clamped to 1.0.
func keywordOverlap(query map[string]bool, content string) float64 {
	if len(query) == 0 {
		return 0
	}
	itemWords := wordSet(content)
	var hits int
	for w := range query {
		if itemWords[w] {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(query))
	if overlap > 1 {
		overlap = 1
	}
	return overlap
}

// --- Advisory LLM scorer ---

// ScorerGroup is one block of ids with the scorer's stated reason.
type ScorerGroup struct {
	Reason   string   `json:"reason"`
	BlockIDs []string `json:"block_ids"`
}

// ScorerOutput is the structured reply expected from the advisory scorer.
// Only evict_groups are honored; keep_groups are informational.
type ScorerOutput struct {
	KeepGroups  []ScorerGroup `json:"keep_groups"`
	EvictGroups []ScorerGroup `json:"evict_groups"`
}

// breaker is a simple failure-counting circuit breaker. Opens after
// maxFailures consecutive failures for the cooldown duration; success
// closes it and resets the counter.
type breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	failures    int
	openUntil   time.Time
	now         func() time.Time
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

// open reports whether the breaker is currently open.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

// failure records one failure, opening the breaker at the threshold.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.maxFailures {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
	}
}

// success closes the breaker and resets the counter.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// Advisory scorer defaults.
const (
	defaultScorerFailures = 3
	defaultScorerCooldown = 5 * time.Minute
	defaultScorerTimeout  = 10 * time.Second
	scorerContentPreview  = 120 // runes of item content shown in the prompt
)

// AdvisoryScorer asks a structured LLM agent which context blocks to
// evict. Failures (timeout, invalid output) trip a circuit breaker; while
// open the scorer reports unavailable and the manager's heuristics take
// over. Safe for concurrent use.
type AdvisoryScorer struct {
	agent   StructuredAgent
	timeout time.Duration
	breaker *breaker
	logger  *slog.Logger
}

// AdvisoryOption configures an AdvisoryScorer.
type AdvisoryOption func(*AdvisoryScorer)

// WithAdvisoryTimeout sets the hard timeout per scorer call.
// Default: 10 seconds.
func WithAdvisoryTimeout(d time.Duration) AdvisoryOption {
	return func(s *AdvisoryScorer) { s.timeout = d }
}

// WithAdvisoryBreaker overrides the breaker thresholds.
// Defaults: 3 consecutive failures, 5 minute cooldown.
func WithAdvisoryBreaker(maxFailures int, cooldown time.Duration) AdvisoryOption {
	return func(s *AdvisoryScorer) { s.breaker = newBreaker(maxFailures, cooldown) }
}

// WithAdvisoryLogger sets the structured logger.
func WithAdvisoryLogger(l *slog.Logger) AdvisoryOption {
	return func(s *AdvisoryScorer) { s.logger = l }
}

// NewAdvisoryScorer creates an LLM-backed tier-2 scorer.
func NewAdvisoryScorer(agent StructuredAgent, opts ...AdvisoryOption) *AdvisoryScorer {
	s := &AdvisoryScorer{
		agent:   agent,
		timeout: defaultScorerTimeout,
		breaker: newBreaker(defaultScorerFailures, defaultScorerCooldown),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// compile-time check
var _ EvictionScorer = (*AdvisoryScorer)(nil)

// Advise builds the eviction prompt, invokes the agent under the timeout,
// and flattens the reply's evict_groups into an id list.
func (s *AdvisoryScorer) Advise(ctx context.Context, req ScorerRequest) ([]string, error) {
	if s.breaker.open() {
		return nil, fmt.Errorf("advisory scorer: circuit open")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.agent.Complete(ctx, buildScorerPrompt(req))
	if err != nil {
		s.breaker.failure()
		return nil, fmt.Errorf("advisory scorer: %w", err)
	}

	var out ScorerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		s.breaker.failure()
		return nil, fmt.Errorf("advisory scorer: invalid output: %w", err)
	}
	s.breaker.success()

	var ids []string
	for _, g := range out.EvictGroups {
		ids = append(ids, g.BlockIDs...)
	}
	return ids, nil
}

// buildScorerPrompt renders the goal, recent chronicle, and one descriptor
// line per item.
func buildScorerPrompt(req ScorerRequest) string {
	var b strings.Builder
	b.WriteString("You advise a context manager on which blocks to evict.\n")
	fmt.Fprintf(&b, "Current goal: %s\n\nRecent chronicle:\n", req.Goal)
	for _, it := range req.Recent {
		fmt.Fprintf(&b, "  [turn %d] %s\n", it.Turn, truncateStr(it.Content, scorerContentPreview))
	}
	b.WriteString("\nContext blocks:\n")
	for _, it := range req.Items {
		fmt.Fprintf(&b, "%s | %s | %s | turn %d | %s | %d tokens | relevance %.2f | pinned %v | %s\n",
			it.ID, it.Zone, it.Kind, it.Turn, it.Source, it.Tokens, it.Relevance, it.Pinned,
			truncateStr(it.Content, scorerContentPreview))
	}
	b.WriteString("\nReply with JSON: {\"keep_groups\":[{\"reason\":...,\"block_ids\":[...]}],\"evict_groups\":[...]}.\n")
	b.WriteString("Never list system-zone or pinned blocks in evict_groups.\n")
	return b.String()
}
