package silas

import (
	"context"
	"regexp"
	"strings"
)

// DefaultBlockMessage is dispatched when a policy gate blocks and no
// escalation supplies its own message.
const DefaultBlockMessage = "I cannot share that."

const approvalHoldMessage = "This response is held pending approval."

var redactKeyRe = regexp.MustCompile(`\b(?:sk|pk|key|token)[-_][A-Za-z0-9_\-]{16,}\b`)

// resolveEscalation returns the escalation for a blocking gate. Priority:
// runner-level map, then the gate's "escalation" config, then its
// "on_block" config, then the Gate.OnBlock field. Empty means plain block.
func (r *GateRunner) resolveEscalation(g Gate) string {
	r.mu.RLock()
	esc, ok := r.escalations[g.Name]
	r.mu.RUnlock()
	if ok && esc != "" {
		return esc
	}
	if v, ok := g.Config["escalation"].(string); ok && v != "" {
		return v
	}
	if v, ok := g.Config["on_block"].(string); ok && v != "" {
		return v
	}
	return g.OnBlock
}

// RedactPII rewrites email addresses, phone numbers, and bearer-style
// keys in text with redaction markers.
func RedactPII(text string) string {
	text = piiEmailRe.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = piiPhoneRe.ReplaceAllString(text, "[REDACTED_PHONE]")
	text = redactKeyRe.ReplaceAllString(text, "[REDACTED_KEY]")
	return text
}

// applyEscalation transforms one blocking policy result according to its
// resolved escalation and updates the working response in merged.
//
//	block_with_message[:msg]  block, response becomes msg (or default)
//	redact                    continue with PII markers rewritten
//	require_approval          hold the response for human approval
//	log_and_pass              continue, logged with a flag
//
// No escalation (or an unknown one) is a plain block with the default
// message.
func (r *GateRunner) applyEscalation(g Gate, res *GateResult, merged GateContext) {
	esc := r.resolveEscalation(g)
	name, arg, _ := strings.Cut(esc, ":")

	switch name {
	case "block_with_message":
		msg := strings.TrimSpace(arg)
		if msg == "" {
			msg = DefaultBlockMessage
		}
		merged["response"] = msg
		res.Flags = append(res.Flags, "escalation:block_with_message")
	case "redact":
		if text, ok := merged["response"].(string); ok {
			merged["response"] = RedactPII(text)
		}
		res.Action = ActionContinue
		res.Flags = append(res.Flags, "escalation:redact")
	case "require_approval":
		res.Action = ActionRequireApproval
		merged["response"] = approvalHoldMessage
		res.Flags = append(res.Flags, "escalation:require_approval")
	case "log_and_pass":
		r.logger.Warn("policy gate passed by escalation", "gate", g.Name, "reason", res.Reason)
		res.Action = ActionContinue
		res.Flags = append(res.Flags, "escalation:log_and_pass")
	case "", "block":
		merged["response"] = DefaultBlockMessage
	default:
		r.logger.Error("unknown escalation, blocking", "gate", g.Name, "escalation", esc)
		merged["response"] = DefaultBlockMessage
		res.Flags = append(res.Flags, "escalation_unknown")
	}
}

// EvaluateOutput runs the agent-response gates over an outbound message
// and returns the text to dispatch with all gate results. Blocking policy
// gates are resolved through their escalations; a result that still
// carries ActionBlock or ActionRequireApproval after escalation means the
// returned text is the block or hold message, not the original response.
// Passing nil gates uses the runner's configured output gate set.
func (r *GateRunner) EvaluateOutput(ctx context.Context, text string, taint Taint, sender string, gates []Gate) (string, []GateResult) {
	if gates == nil {
		gates = r.outputGates
	}
	gctx := GateContext{
		"response":       text,
		"response_taint": taint,
		"sender":         sender,
	}
	policy, quality, merged := r.check(ctx, gates, func(g Gate) bool {
		return g.Trigger == TriggerAgentResponse
	}, gctx)

	byName := make(map[string]Gate, len(gates))
	for _, g := range gates {
		byName[g.Name] = g
	}
	for i := range policy {
		if policy[i].Action != ActionBlock {
			continue
		}
		r.applyEscalation(byName[policy[i].Gate], &policy[i], merged)
	}

	out, _ := merged["response"].(string)
	return out, append(policy, quality...)
}
