package silas

import "encoding/json"

// Message is one inbound channel message. ConnectionID identifies the
// transport connection it arrived on; Sender is the transport-level sender
// identity used for taint and access decisions.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Taint     Taint  `json:"taint"`
	CreatedAt int64  `json:"created_at"`
}

// RouteDecision is the proxy agent's verdict on how to handle a turn.
type RouteDecision struct {
	// Route selects the execution path: "direct" answers inline,
	// "planner" escalates to the planner agent.
	Route string `json:"route"`
	// Reason is the proxy's short justification, used in audit events.
	Reason string `json:"reason"`
	// Response carries the inline answer when Route is "direct".
	Response AgentResponse `json:"response"`
	// InteractionRegister and InteractionMode tune the persona engine;
	// opaque to the core, forwarded to the channel.
	InteractionRegister string `json:"interaction_register,omitempty"`
	InteractionMode     string `json:"interaction_mode,omitempty"`
	// ContextProfile names the zone-budget profile the rest of the turn
	// should run under.
	ContextProfile string `json:"context_profile,omitempty"`
}

// AgentResponse is an agent's reply plus the side effects it requests.
type AgentResponse struct {
	Message string `json:"message"`
	Taint   Taint  `json:"taint"`
	// MemoryQueries are retrieval requests the orchestrator resolves
	// after the agent call (step 15 of the turn pipeline).
	MemoryQueries []string `json:"memory_queries,omitempty"`
	// MemoryWrites are durable facts the agent wants persisted.
	MemoryWrites []MemoryItem `json:"memory_writes,omitempty"`
}

// Plan is the planner agent's output for a turn that needs tools.
type Plan struct {
	Goal             string     `json:"goal"`
	Items            []WorkItem `json:"items"`
	RequiresApproval bool       `json:"requires_approval"`
	Summary          string     `json:"summary"`
}

// Suggestion is a proactive suggestion card generated before routing.
type Suggestion struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Scope      string  `json:"scope"`
}

// ToolSpec describes one tool exposed to the proxy/planner toolsets.
// Taint names the provenance level of the tool's outputs ("owner",
// "auth", "external"); tools that do not declare one resolve to external.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
	Taint       string          `json:"taint,omitempty"`
}

// OutputTaint resolves the declared taint of the tool's outputs. Unset
// or unknown names resolve to TaintExternal.
func (t ToolSpec) OutputTaint() Taint {
	return ParseTaint(t.Taint)
}

// FilterToolSpecs returns the specs whose names appear in allowed.
// A single "*" entry passes everything through unfiltered.
func FilterToolSpecs(specs []ToolSpec, allowed []string) []ToolSpec {
	for _, a := range allowed {
		if a == "*" {
			return specs
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var out []ToolSpec
	for _, s := range specs {
		if set[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
