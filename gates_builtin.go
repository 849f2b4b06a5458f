package silas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// PII detection regexes. Text is NFKC-normalized before matching so
// fullwidth and otherwise obfuscated variants still hit.
var (
	piiEmailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	piiPhoneRe = regexp.MustCompile(`\+?\d{1,3}[ .\-]?\(?\d{2,4}\)?[ .\-]?\d{3,4}[ .\-]?\d{4}`)
)

// registerBuiltins installs the built-in output gates and the
// deterministic predicate provider.
func (r *GateRunner) registerBuiltins() {
	r.RegisterProvider("taint_ceiling", GateProviderFunc(r.checkTaintCeiling))
	r.RegisterProvider("length_limit", GateProviderFunc(checkLengthLimit))
	r.RegisterProvider("pii_marker", GateProviderFunc(r.checkPIIMarker))
	r.RegisterProvider("guardrails", NewGuardrailProvider(WithGuardrailLogger(r.logger)))
}

// responseText pulls the working response out of the gate context.
func responseText(gctx GateContext) string {
	s, _ := gctx["response"].(string)
	return s
}

// checkTaintCeiling blocks responses whose taint exceeds the configured
// ceiling. The gate's config "ceiling" overrides the runner default.
func (r *GateRunner) checkTaintCeiling(_ context.Context, g Gate, gctx GateContext) (GateResult, error) {
	ceiling := r.taintCeil
	if v, ok := g.Config["ceiling"].(string); ok {
		ceiling = ParseTaint(v)
	}
	taint, _ := gctx["response_taint"].(Taint)
	if taint.Exceeds(ceiling) {
		return GateResult{
			Lane:   LanePolicy,
			Action: ActionBlock,
			Reason: fmt.Sprintf("response taint %s exceeds ceiling %s", taint, ceiling),
			Flags:  []string{"taint_ceiling_exceeded"},
		}, nil
	}
	return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
}

// checkLengthLimit enforces a token limit on the response. Modes:
// truncate (default) rewrites the response to fit, warn passes with a
// flag, block blocks.
func checkLengthLimit(_ context.Context, g Gate, gctx GateContext) (GateResult, error) {
	maxTokens := configInt(g.Config, "max_tokens", 0)
	if maxTokens <= 0 {
		return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
	}
	text := responseText(gctx)
	tokens := EstimateTokens(text)
	if tokens <= maxTokens {
		return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
	}

	mode, _ := g.Config["mode"].(string)
	switch mode {
	case "warn":
		return GateResult{
			Lane:   LanePolicy,
			Action: ActionContinue,
			Reason: fmt.Sprintf("response is %d tokens, limit %d", tokens, maxTokens),
			Flags:  []string{"length_warn"},
		}, nil
	case "block":
		return GateResult{
			Lane:   LanePolicy,
			Action: ActionBlock,
			Reason: fmt.Sprintf("response is %d tokens, limit %d", tokens, maxTokens),
			Flags:  []string{"length_exceeded"},
		}, nil
	default: // truncate
		return GateResult{
			Lane:            LanePolicy,
			Action:          ActionContinue,
			Reason:          fmt.Sprintf("truncated from %d to %d tokens", tokens, maxTokens),
			Flags:           []string{"truncated"},
			ModifiedContext: map[string]any{"response": TruncateToTokens(text, maxTokens)},
		}, nil
	}
}

// checkPIIMarker scans the response for email addresses and common phone
// formats. With an escalation configured for the gate it blocks (and the
// escalation decides the outcome); without one it passes with warn flags.
func (r *GateRunner) checkPIIMarker(_ context.Context, g Gate, gctx GateContext) (GateResult, error) {
	text := norm.NFKC.String(responseText(gctx))

	var flags []string
	if piiEmailRe.MatchString(text) {
		flags = append(flags, "pii_email")
	}
	if piiPhoneRe.MatchString(text) {
		flags = append(flags, "pii_phone")
	}
	if len(flags) == 0 {
		return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
	}
	flags = append([]string{"pii_detected"}, flags...)

	if r.resolveEscalation(g) != "" {
		return GateResult{
			Lane:   LanePolicy,
			Action: ActionBlock,
			Reason: "response contains PII markers",
			Flags:  flags,
		}, nil
	}
	return GateResult{
		Lane:   LanePolicy,
		Action: ActionContinue,
		Reason: "response contains PII markers",
		Flags:  append(flags, "warn"),
	}, nil
}

// configInt reads an int out of a gate config map, tolerating the float64
// and int64 shapes TOML and JSON decoders produce.
func configInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// --- Predicate provider ---

// PredicateFunc is a deterministic in-process check. Returning ok=false
// blocks with the given reason.
type PredicateFunc func(gctx GateContext) (ok bool, reason string)

// PredicateProvider evaluates gates whose Check names a registered
// predicate. Safe for concurrent use after registration completes.
type PredicateProvider struct {
	funcs map[string]PredicateFunc
}

// NewPredicateProvider creates a provider from named predicates.
func NewPredicateProvider(funcs map[string]PredicateFunc) *PredicateProvider {
	return &PredicateProvider{funcs: funcs}
}

// compile-time check
var _ GateProvider = (*PredicateProvider)(nil)

func (p *PredicateProvider) Check(_ context.Context, g Gate, gctx GateContext) (GateResult, error) {
	fn, ok := p.funcs[g.Check]
	if !ok {
		return GateResult{}, fmt.Errorf("unknown predicate %q", g.Check)
	}
	passed, reason := fn(gctx)
	if passed {
		return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
	}
	return GateResult{Lane: LanePolicy, Action: ActionBlock, Reason: reason}, nil
}

// --- Script provider ---

// ScriptRunner executes a gate's check command in isolation and reports
// its exit code. The sandbox manager provides the production
// implementation via sandbox.GateScriptRunner.
type ScriptRunner interface {
	RunCheck(ctx context.Context, command string, timeout time.Duration) (exitCode int, output string, err error)
}

// ScriptProvider runs gate checks as sandboxed commands: exit code zero
// continues, anything else blocks with the command output as reason.
type ScriptProvider struct {
	runner ScriptRunner
}

// NewScriptProvider creates a script-backed gate provider.
func NewScriptProvider(runner ScriptRunner) *ScriptProvider {
	return &ScriptProvider{runner: runner}
}

// compile-time check
var _ GateProvider = (*ScriptProvider)(nil)

func (p *ScriptProvider) Check(ctx context.Context, g Gate, _ GateContext) (GateResult, error) {
	timeout := time.Duration(configInt(g.Config, "timeout_seconds", 30)) * time.Second
	code, output, err := p.runner.RunCheck(ctx, g.Check, timeout)
	if err != nil {
		return GateResult{}, fmt.Errorf("script gate: %w", err)
	}
	if code == 0 {
		return GateResult{Lane: LanePolicy, Action: ActionContinue}, nil
	}
	return GateResult{
		Lane:   LanePolicy,
		Action: ActionBlock,
		Reason: fmt.Sprintf("check exited %d: %s", code, truncateStr(output, 200)),
	}, nil
}

// --- LLM provider ---

// llmGateReply is the structured verdict expected from an LLM gate agent.
type llmGateReply struct {
	Action GateAction `json:"action"`
	Reason string     `json:"reason"`
	Score  *float64   `json:"score,omitempty"`
	Value  any        `json:"value,omitempty"`
	Flags  []string   `json:"flags,omitempty"`
}

// LLMGateProvider evaluates gates with a structured LLM agent under a
// hard timeout and a circuit breaker. Failures never block: the result
// passes with a flag and the breaker opens after repeated failures, so a
// flaky model cannot stall the turn hot path.
type LLMGateProvider struct {
	agent   StructuredAgent
	timeout time.Duration
	breaker *breaker
	logger  *slog.Logger
}

// LLMGateOption configures an LLMGateProvider.
type LLMGateOption func(*LLMGateProvider)

// WithLLMGateTimeout sets the per-call timeout. Default: 10 seconds.
func WithLLMGateTimeout(d time.Duration) LLMGateOption {
	return func(p *LLMGateProvider) { p.timeout = d }
}

// WithLLMGateBreaker overrides the breaker thresholds.
// Defaults: 3 consecutive failures, 5 minute cooldown.
func WithLLMGateBreaker(maxFailures int, cooldown time.Duration) LLMGateOption {
	return func(p *LLMGateProvider) { p.breaker = newBreaker(maxFailures, cooldown) }
}

// WithLLMGateLogger sets the structured logger.
func WithLLMGateLogger(l *slog.Logger) LLMGateOption {
	return func(p *LLMGateProvider) { p.logger = l }
}

// NewLLMGateProvider creates an LLM-backed gate provider.
func NewLLMGateProvider(agent StructuredAgent, opts ...LLMGateOption) *LLMGateProvider {
	p := &LLMGateProvider{
		agent:   agent,
		timeout: defaultScorerTimeout,
		breaker: newBreaker(defaultScorerFailures, defaultScorerCooldown),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// compile-time check
var _ GateProvider = (*LLMGateProvider)(nil)

func (p *LLMGateProvider) Check(ctx context.Context, g Gate, gctx GateContext) (GateResult, error) {
	if p.breaker.open() {
		return GateResult{Lane: g.Lane(), Action: ActionContinue, Flags: []string{"circuit_open"}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.agent.Complete(ctx, p.buildPrompt(g, gctx))
	if err != nil {
		p.breaker.failure()
		p.logger.Warn("llm gate unavailable", "gate", g.Name, "error", err)
		return GateResult{Lane: g.Lane(), Action: ActionContinue, Flags: []string{"llm_gate_unavailable"}}, nil
	}

	var reply llmGateReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		p.breaker.failure()
		return GateResult{Lane: g.Lane(), Action: ActionContinue, Flags: []string{"llm_gate_invalid_output"}}, nil
	}
	p.breaker.success()

	res := GateResult{
		Lane:   g.Lane(),
		Action: reply.Action,
		Reason: reply.Reason,
		Score:  reply.Score,
		Value:  reply.Value,
		Flags:  reply.Flags,
	}
	if res.Action == "" {
		res.Action = ActionContinue
	}
	p.validateExtract(g, &res)
	return res, nil
}

// validateExtract checks an extracted value against the gate's allowed
// list and numeric bounds; violations block.
func (p *LLMGateProvider) validateExtract(g Gate, res *GateResult) {
	if g.Extract == "" || res.Value == nil {
		return
	}
	if len(g.Allowed) > 0 {
		s := fmt.Sprintf("%v", res.Value)
		if !slices.Contains(g.Allowed, s) {
			res.Action = ActionBlock
			res.Reason = fmt.Sprintf("extracted %s=%q not in allowed set", g.Extract, s)
			return
		}
	}
	if g.Min != nil || g.Max != nil {
		f, ok := res.Value.(float64)
		if !ok {
			res.Action = ActionBlock
			res.Reason = fmt.Sprintf("extracted %s is not numeric", g.Extract)
			return
		}
		if (g.Min != nil && f < *g.Min) || (g.Max != nil && f > *g.Max) {
			res.Action = ActionBlock
			res.Reason = fmt.Sprintf("extracted %s=%v outside range", g.Extract, f)
		}
	}
}

func (p *LLMGateProvider) buildPrompt(g Gate, gctx GateContext) string {
	var b strings.Builder
	b.WriteString("You are a gate evaluator for an agent runtime.\n")
	fmt.Fprintf(&b, "Gate: %s\nInstruction: %s\n", g.Name, g.Check)
	if msg, ok := gctx["message"].(string); ok && msg != "" {
		fmt.Fprintf(&b, "Message:\n%s\n", msg)
	}
	if resp := responseText(gctx); resp != "" {
		fmt.Fprintf(&b, "Response:\n%s\n", resp)
	}
	if g.Extract != "" {
		fmt.Fprintf(&b, "Extract the value %q into the \"value\" field.\n", g.Extract)
	}
	b.WriteString(`Reply with JSON: {"action":"continue|block|require_approval","reason":"...","score":0.0,"value":null,"flags":[]}` + "\n")
	return b.String()
}
