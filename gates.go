package silas

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
)

// GateTrigger selects when a gate is evaluated.
type GateTrigger string

const (
	TriggerUserMessage   GateTrigger = "every_user_message"
	TriggerAgentResponse GateTrigger = "every_agent_response"
	TriggerAfterStep     GateTrigger = "after_step"
	TriggerToolCall      GateTrigger = "on_tool_call"
)

// GateLane classifies a gate's authority: policy gates may block or
// mutate, quality gates only advise.
type GateLane string

const (
	LanePolicy  GateLane = "policy"
	LaneQuality GateLane = "quality"
)

// GateAction is a gate's verdict.
type GateAction string

const (
	ActionContinue        GateAction = "continue"
	ActionBlock           GateAction = "block"
	ActionRequireApproval GateAction = "require_approval"
)

// Gate is one configured check. Provider names the registered provider
// that evaluates it; Check carries the provider-specific expression
// (predicate name, script command, or LLM instruction).
type Gate struct {
	Name      string         `json:"name"`
	Trigger   GateTrigger    `json:"trigger"`
	AfterStep int            `json:"after_step,omitempty"`
	Provider  string         `json:"provider"` // predicate | script | llm | guardrails | custom
	Type      string         `json:"type,omitempty"`
	Check     string         `json:"check,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	// Extract names a context key the provider's value is stored under.
	Extract string `json:"extract,omitempty"`
	// Allowed and Approval constrain extracted values.
	Allowed  []string `json:"allowed,omitempty"`
	Approval []string `json:"approval,omitempty"`
	// Min and Max bound numeric extracted values when non-nil.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// OnBlock names the escalation applied when this gate blocks.
	OnBlock string `json:"on_block,omitempty"`
	// PromoteToPolicy forces an LLM gate into the policy lane.
	PromoteToPolicy bool `json:"promote_to_policy,omitempty"`
}

// Lane derives the gate's lane: LLM gates default to quality; promotion
// or any non-LLM provider makes it policy.
func (g Gate) Lane() GateLane {
	if strings.EqualFold(g.Provider, "llm") && !g.PromoteToPolicy {
		return LaneQuality
	}
	return LanePolicy
}

// clone deep-copies the gate so precompiled sets are unaffected by later
// mutation of the originals.
func (g Gate) clone() Gate {
	c := g
	if g.Config != nil {
		c.Config = make(map[string]any, len(g.Config))
		maps.Copy(c.Config, g.Config)
	}
	c.Allowed = append([]string(nil), g.Allowed...)
	c.Approval = append([]string(nil), g.Approval...)
	if g.Min != nil {
		v := *g.Min
		c.Min = &v
	}
	if g.Max != nil {
		v := *g.Max
		c.Max = &v
	}
	return c
}

// GateResult is one gate's verdict plus its annotations.
type GateResult struct {
	Gate   string     `json:"gate"`
	Lane   GateLane   `json:"lane"`
	Action GateAction `json:"action"`
	Reason string     `json:"reason,omitempty"`
	Score  *float64   `json:"score,omitempty"`
	Value  any        `json:"value,omitempty"`
	Flags  []string   `json:"flags,omitempty"`
	// ModifiedContext carries requested mutations of the working context.
	// Policy-lane mutations are sanitized and merged; quality-lane ones
	// are discarded.
	ModifiedContext map[string]any `json:"modified_context,omitempty"`
}

// HasFlag reports whether the result carries the given flag.
func (r GateResult) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// GateContext is the working context a trigger's gates evaluate against
// and may mutate: "response", "message", "tool_args", plus read-only keys
// such as "response_taint" and "sender".
type GateContext map[string]any

func (c GateContext) clone() GateContext {
	out := make(GateContext, len(c))
	maps.Copy(out, c)
	return out
}

// mutableContextKeys are the only keys a policy mutation may touch.
var mutableContextKeys = map[string]bool{
	"response":  true,
	"message":   true,
	"tool_args": true,
}

// GateProvider evaluates one gate against the working context.
// Implementations must be safe for concurrent use.
type GateProvider interface {
	Check(ctx context.Context, gate Gate, gctx GateContext) (GateResult, error)
}

// GateProviderFunc adapts a function to the GateProvider interface.
type GateProviderFunc func(ctx context.Context, gate Gate, gctx GateContext) (GateResult, error)

func (f GateProviderFunc) Check(ctx context.Context, gate Gate, gctx GateContext) (GateResult, error) {
	return f(ctx, gate, gctx)
}

// rejectedMutation records one dropped mutation key for diagnostics.
type rejectedMutation struct {
	Gate string
	Key  string
}

// GateRunner evaluates two-lane gate sets. Policy gates run before any
// quality gate within a trigger; mutations from earlier policy gates are
// visible to everything after them.
type GateRunner struct {
	mu          sync.RWMutex
	providers   map[string]GateProvider
	rejected    []rejectedMutation
	outputGates []Gate
	escalations map[string]string // gate name -> escalation, highest priority
	taintCeil   Taint
	logger      *slog.Logger
	tracer      Tracer
}

// GateRunnerOption configures a GateRunner.
type GateRunnerOption func(*GateRunner)

// WithOutputGates sets the default gate set for EvaluateOutput when the
// caller passes none.
func WithOutputGates(gates []Gate) GateRunnerOption {
	return func(r *GateRunner) { r.outputGates = cloneGates(gates) }
}

// WithEscalations provides the runner-level escalation map. Entries here
// take priority over per-gate configuration.
func WithEscalations(m map[string]string) GateRunnerOption {
	return func(r *GateRunner) {
		r.escalations = make(map[string]string, len(m))
		maps.Copy(r.escalations, m)
	}
}

// WithTaintCeiling sets the outbound taint ceiling enforced by the
// built-in taint_ceiling gate. Default: TaintExternal (everything passes).
func WithTaintCeiling(t Taint) GateRunnerOption {
	return func(r *GateRunner) { r.taintCeil = t }
}

// WithGateLogger sets the structured logger.
func WithGateLogger(l *slog.Logger) GateRunnerOption {
	return func(r *GateRunner) { r.logger = l }
}

// WithGateTracer sets the tracer for gate-evaluation spans.
func WithGateTracer(t Tracer) GateRunnerOption {
	return func(r *GateRunner) { r.tracer = t }
}

// NewGateRunner creates a runner with the built-in output providers
// (taint_ceiling, length_limit, pii_marker) and the deterministic
// predicate provider pre-registered.
func NewGateRunner(opts ...GateRunnerOption) *GateRunner {
	r := &GateRunner{
		providers: make(map[string]GateProvider),
		taintCeil: TaintExternal,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	r.registerBuiltins()
	return r
}

// RegisterProvider registers a provider under a case-insensitive name.
// Later registrations replace earlier ones.
func (r *GateRunner) RegisterProvider(name string, p GateProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(name)] = p
}

func (r *GateRunner) provider(name string) (GateProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// RejectedMutations returns the mutations dropped so far, oldest first.
func (r *GateRunner) RejectedMutations() []rejectedMutation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]rejectedMutation(nil), r.rejected...)
}

func cloneGates(gates []Gate) []Gate {
	out := make([]Gate, len(gates))
	for i, g := range gates {
		out[i] = g.clone()
	}
	return out
}

// PrecompileTurnGates deep-copy merges the system gates with the active
// work item's gates (appended after) into a stable set reused across a
// turn. Mutating the originals afterwards does not affect the result.
func (r *GateRunner) PrecompileTurnGates(systemGates, workItemGates []Gate) []Gate {
	out := cloneGates(systemGates)
	return append(out, cloneGates(workItemGates)...)
}

// PrecompileExecutionGates merges system gates with a work item's own
// gates for the execution path.
func (r *GateRunner) PrecompileExecutionGates(systemGates []Gate, item *WorkItem) []Gate {
	out := cloneGates(systemGates)
	if item != nil {
		out = append(out, cloneGates(item.Gates)...)
	}
	return out
}

// CheckGates evaluates every gate matching the trigger. Policy gates run
// first in declaration order, then quality gates; the merged working
// context reflects all accepted policy mutations.
func (r *GateRunner) CheckGates(ctx context.Context, gates []Gate, trigger GateTrigger, gctx GateContext) (policy, quality []GateResult, merged GateContext) {
	return r.check(ctx, gates, func(g Gate) bool { return g.Trigger == trigger }, gctx)
}

// CheckAfterStep evaluates after_step gates whose step index matches.
func (r *GateRunner) CheckAfterStep(ctx context.Context, gates []Gate, stepIndex int, gctx GateContext) (policy, quality []GateResult, merged GateContext) {
	return r.check(ctx, gates, func(g Gate) bool {
		return g.Trigger == TriggerAfterStep && g.AfterStep == stepIndex
	}, gctx)
}

func (r *GateRunner) check(ctx context.Context, gates []Gate, match func(Gate) bool, gctx GateContext) (policy, quality []GateResult, merged GateContext) {
	merged = gctx.clone()

	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "gates.check", IntAttr("gate_count", len(gates)))
		defer span.End()
	}

	// Policy lane first: its mutations must be visible to every gate
	// that runs after it, quality included.
	for _, g := range gates {
		if !match(g) || g.Lane() != LanePolicy {
			continue
		}
		res := r.evaluate(ctx, g, merged)
		r.applyPolicyMutations(g, &res, merged)
		policy = append(policy, res)
	}
	for _, g := range gates {
		if !match(g) || g.Lane() != LaneQuality {
			continue
		}
		res := r.evaluate(ctx, g, merged)
		r.coerceQuality(&res)
		quality = append(quality, res)
	}
	if span != nil {
		span.SetAttr(IntAttr("policy_results", len(policy)), IntAttr("quality_results", len(quality)))
	}
	return policy, quality, merged
}

// evaluate calls the gate's provider, converting any error into a policy
// block with the provider_error flag, and normalizes the result's lane.
func (r *GateRunner) evaluate(ctx context.Context, g Gate, gctx GateContext) GateResult {
	p, ok := r.provider(g.Provider)
	if !ok {
		return GateResult{
			Gate:   g.Name,
			Lane:   g.Lane(),
			Action: ActionBlock,
			Reason: fmt.Sprintf("no provider registered for %q", g.Provider),
			Flags:  []string{"provider_error"},
		}
	}

	res, err := func() (res GateResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("provider panic: %v", p)
			}
		}()
		return p.Check(ctx, g, gctx)
	}()
	if err != nil {
		r.logger.Error("gate provider failed", "gate", g.Name, "provider", g.Provider, "error", err)
		return GateResult{
			Gate:   g.Name,
			Lane:   g.Lane(),
			Action: ActionBlock,
			Reason: err.Error(),
			Flags:  []string{"provider_error"},
		}
	}

	res.Gate = g.Name
	expected := g.Lane()
	if res.Lane != expected {
		if res.Lane == LanePolicy {
			res.Flags = append(res.Flags, "lane_coerced_policy")
		}
		res.Lane = expected
	}
	if res.Action == "" {
		res.Action = ActionContinue
	}
	return res
}

// applyPolicyMutations sanitizes and merges a policy result's mutations
// into the working context. Unknown keys are dropped, recorded, and
// flagged; tool_args is shallow-merged, other keys are replaced.
func (r *GateRunner) applyPolicyMutations(g Gate, res *GateResult, merged GateContext) {
	if len(res.ModifiedContext) == 0 {
		return
	}
	for key, val := range res.ModifiedContext {
		if !mutableContextKeys[key] {
			r.mu.Lock()
			r.rejected = append(r.rejected, rejectedMutation{Gate: g.Name, Key: key})
			r.mu.Unlock()
			res.Flags = append(res.Flags, "rejected_mutation:"+key)
			delete(res.ModifiedContext, key)
			continue
		}
		if key == "tool_args" {
			existing, okE := merged["tool_args"].(map[string]any)
			incoming, okI := val.(map[string]any)
			if okE && okI {
				// Merge into a copy: the existing map may still be
				// aliased by the caller's original context.
				combined := make(map[string]any, len(existing)+len(incoming))
				for k, v := range existing {
					combined[k] = v
				}
				for k, v := range incoming {
					combined[k] = v
				}
				merged["tool_args"] = combined
				continue
			}
		}
		merged[key] = val
	}
}

// coerceQuality enforces the quality lane's advisory-only contract: any
// non-continue action is coerced and flagged, and mutations are discarded.
func (r *GateRunner) coerceQuality(res *GateResult) {
	if res.Action != ActionContinue {
		res.Action = ActionContinue
		res.Flags = append(res.Flags, "quality_lane_violation")
	}
	if len(res.ModifiedContext) > 0 {
		res.ModifiedContext = nil
		res.Flags = append(res.Flags, "quality_mutation_ignored")
	}
}
