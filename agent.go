package silas

import (
	"context"
	"encoding/json"
)

// ProxyAgent is the fast first-line router. It sees the rendered context
// and the inbound message, and either answers directly or routes to the
// planner. Implementations wrap an LLM adapter; the core never speaks a
// wire format itself.
type ProxyAgent interface {
	Route(ctx context.Context, rendered string, msg Message, tools []ToolSpec) (RouteDecision, error)
}

// PlannerAgent turns a routed request into an executable plan.
type PlannerAgent interface {
	Plan(ctx context.Context, rendered string, msg Message, tools []ToolSpec) (Plan, error)
}

// StructuredAgent is the generic timeout-bounded structured-output agent
// used by LLM gate providers and the advisory eviction scorer. The reply
// must be valid JSON for the caller's expected shape; anything else counts
// as a provider failure.
type StructuredAgent interface {
	Complete(ctx context.Context, prompt string) (json.RawMessage, error)
}

// ConsultGuidance is the planner's advice for a stuck work item.
type ConsultGuidance struct {
	Guidance string `json:"guidance"`
	// GiveUp set means the planner sees no recoverable path; the executor
	// escalates straight to replan.
	GiveUp bool `json:"give_up"`
}

// ConsultManager asks the planner what to do about a failing work item.
// A nil-guidance return (timeout, refusal) triggers replan escalation.
type ConsultManager interface {
	Consult(ctx context.Context, item WorkItem, failure string) (*ConsultGuidance, error)
}

// ReplanManager decides whether a stuck work item warrants a full replan.
// Accepting leaves the item in status stuck for the planner to pick up.
type ReplanManager interface {
	RequestReplan(ctx context.Context, item WorkItem, failure string) (accepted bool, err error)
}

// SkillInvoker executes one named skill against a work-item body and
// returns its textual output. Loading and integrity hashing of skills is
// an external concern.
type SkillInvoker interface {
	Invoke(ctx context.Context, skill string, body string) (string, error)
}

// SuggestionEngine produces proactive suggestions for an inbound message.
type SuggestionEngine interface {
	Suggest(ctx context.Context, scope string, msg Message) ([]Suggestion, error)
}

// QueueBridge dispatches a turn through a durable queue instead of the
// in-process proxy/planner path. TraceID is "<scope>:<turn>".
type QueueBridge interface {
	Running() bool
	Dispatch(ctx context.Context, traceID string, rendered string, msg Message) error
}
