package silas

import (
	"context"
	"fmt"
	"strings"
)

const suggestionHighConfidence = 0.80

// processTurn runs the full pipeline for one inbound message. The caller
// holds the processor lock.
func (o *Orchestrator) processTurn(ctx context.Context, p *TurnProcessor, msg Message) {
	p.turn++
	turn := p.turn

	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "turn.process",
			StringAttr("scope", p.scope), IntAttr("turn", turn))
		defer span.End()
	}

	p.taint.Reset()
	gates := o.gates.PrecompileTurnGates(o.systemGates, p.activeGates())

	high := o.emitSuggestions(ctx, p, msg)

	// Input gates. A blocking policy gate short-circuits the turn with
	// its block message; no agent response is appended for this turn.
	text, blockText, blocked := o.runInputGates(ctx, gates, msg)
	if blocked {
		o.dispatch(ctx, p, msg, blockText)
		o.auditEvent(ctx, "turn_blocked", map[string]any{"scope": p.scope, "turn": turn})
		if span != nil {
			span.SetAttr(StringAttr("route", "blocked"))
		}
		return
	}

	// Inbound taint, chronicle, raw ingest.
	p.taint.Record(msg.Taint)
	o.appendChronicle(ctx, p, ContextItem{
		Zone:    ZoneChronicle,
		Kind:    KindMessage,
		Content: text,
		Source:  "user:" + msg.Sender,
		Taint:   msg.Taint,
		Turn:    turn,
	})
	if o.ingest != nil {
		o.ingest.IngestTurn(ctx, p.scope, turn, "user", msg.Taint, text)
	}

	o.retrieveMemories(ctx, p, text, turn)

	// Budget enforcement; the manager's evict hook persists removals
	// before they become visible.
	o.contexts.EnforceBudget(ctx, p.scope, turn, text, p.taint.Current())

	tools := o.tools
	if o.access != nil {
		tools = o.access.FilterTools(p.connection, o.tools)
	}

	rendered := o.contexts.Render(p.scope, turn)

	if o.bridge != nil && o.bridge.Running() {
		traceID := fmt.Sprintf("%s:%d", p.scope, turn)
		if err := o.bridge.Dispatch(ctx, traceID, rendered, msg); err != nil {
			o.logger.Error("queue dispatch failed", "trace", traceID, "error", err)
			o.dispatch(ctx, p, msg, internalFaultText)
		}
		o.auditEvent(ctx, "turn_processed", map[string]any{"scope": p.scope, "turn": turn, "route": "queue"})
		return
	}

	route, response := o.routeTurn(ctx, p, rendered, msg, tools)

	if len(high) > 0 {
		response.Message = joinSuggestions(high) + response.Message
	}

	// Aggregate taint and run output gates; escalations may rewrite or
	// replace the response text.
	p.taint.Record(response.Taint)
	out, results := o.gates.EvaluateOutput(ctx, response.Message, p.taint.Current(), msg.Sender, gates)
	o.handleApprovalResults(results)

	o.processMemoryOps(ctx, p, response)

	o.appendChronicle(ctx, p, ContextItem{
		Zone:    ZoneChronicle,
		Kind:    KindMessage,
		Content: out,
		Source:  "agent",
		Taint:   p.taint.Current(),
		Turn:    turn,
	})
	if o.ingest != nil {
		o.ingest.IngestTurn(ctx, p.scope, turn, "agent", p.taint.Current(), out)
	}

	o.dispatch(ctx, p, msg, out)
	o.auditEvent(ctx, "turn_processed", map[string]any{"scope": p.scope, "turn": turn, "route": route})
	if span != nil {
		span.SetAttr(StringAttr("route", route))
	}
}

// emitSuggestions generates proactive suggestions, pushes low-confidence
// ones to the side panel, and returns the high-confidence set for
// prepending to the response.
func (o *Orchestrator) emitSuggestions(ctx context.Context, p *TurnProcessor, msg Message) []Suggestion {
	if o.suggest == nil {
		return nil
	}
	suggestions, err := o.suggest.Suggest(ctx, p.scope, msg)
	if err != nil {
		o.logger.Warn("suggestion engine failed", "scope", p.scope, "error", err)
		return nil
	}
	sender, _ := o.channel.(SuggestionSender)
	var high []Suggestion
	for _, s := range suggestions {
		if s.Confidence > suggestionHighConfidence {
			high = append(high, s)
			continue
		}
		if sender != nil {
			if err := sender.SendSuggestion(ctx, p.connection, s); err != nil {
				o.logger.Warn("suggestion send failed", "scope", p.scope, "error", err)
			}
		}
	}
	return high
}

func joinSuggestions(high []Suggestion) string {
	var b strings.Builder
	for _, s := range high {
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// runInputGates evaluates every_user_message gates. Returns the possibly
// mutated message text, and when a policy gate still blocks after its
// escalation, the block text to dispatch.
func (o *Orchestrator) runInputGates(ctx context.Context, gates []Gate, msg Message) (text, blockText string, blocked bool) {
	gctx := GateContext{
		"message":       msg.Text,
		"message_taint": msg.Taint,
		"sender":        msg.Sender,
	}
	policy, _, merged := o.gates.CheckGates(ctx, gates, TriggerUserMessage, gctx)

	byName := make(map[string]Gate, len(gates))
	for _, g := range gates {
		byName[g.Name] = g
	}
	for i := range policy {
		if policy[i].Action != ActionBlock {
			continue
		}
		o.gates.applyEscalation(byName[policy[i].Gate], &policy[i], merged)
		if policy[i].Action == ActionBlock || policy[i].Action == ActionRequireApproval {
			blockText, _ = merged["response"].(string)
			if blockText == "" {
				blockText = DefaultBlockMessage
			}
			return "", blockText, true
		}
	}

	text, _ = merged["message"].(string)
	if text == "" {
		text = msg.Text
	}
	return text, "", false
}

// appendChronicle adds the item to the context window and persists it.
func (o *Orchestrator) appendChronicle(ctx context.Context, p *TurnProcessor, item ContextItem) {
	id := o.contexts.Add(p.scope, item)
	if o.chronicle == nil {
		return
	}
	stored, _ := o.contexts.Get(p.scope, id)
	if err := o.chronicle.Append(ctx, p.scope, stored); err != nil {
		o.logger.Error("chronicle append failed", "scope", p.scope, "error", err)
	}
}

// retrieveMemories auto-retrieves relevant memories for the inbound text
// and adds them to the memory zone.
func (o *Orchestrator) retrieveMemories(ctx context.Context, p *TurnProcessor, query string, turn int) {
	if o.memory == nil {
		return
	}
	items, err := o.memory.SearchKeyword(ctx, p.scope, query, 5)
	if err != nil {
		o.logger.Warn("memory retrieval failed", "scope", p.scope, "error", err)
		return
	}
	for _, m := range items {
		o.contexts.Add(p.scope, ContextItem{
			Zone:      ZoneMemory,
			Kind:      KindMemory,
			Content:   m.Content,
			Source:    "memory:" + m.Kind,
			Taint:     m.Taint,
			Turn:      turn,
			Relevance: m.Relevance,
		})
		if err := o.memory.IncrementAccess(ctx, m.ID); err != nil {
			o.logger.Warn("memory access count failed", "id", m.ID, "error", err)
		}
	}
}

// routeTurn calls the proxy and follows its decision, escalating to the
// planner and executor when routed. Returns the route label and the
// agent response.
func (o *Orchestrator) routeTurn(ctx context.Context, p *TurnProcessor, rendered string, msg Message, tools []ToolSpec) (string, AgentResponse) {
	decision, err := o.proxy.Route(ctx, rendered, msg, tools)
	if err != nil {
		o.logger.Error("proxy route failed", "scope", p.scope, "error", err)
		return "fault", AgentResponse{Message: internalFaultText}
	}

	if decision.ContextProfile != "" {
		if err := o.contexts.SetProfile(p.scope, decision.ContextProfile); err != nil {
			o.logger.Warn("profile switch rejected", "scope", p.scope, "profile", decision.ContextProfile, "error", err)
		}
	}

	if decision.Route != "planner" || o.planner == nil {
		return decision.Route, decision.Response
	}

	plan, err := o.planner.Plan(ctx, rendered, msg, tools)
	if err != nil {
		o.logger.Error("planner failed", "scope", p.scope, "error", err)
		return "planner", AgentResponse{Message: internalFaultText}
	}
	return "planner", o.runPlan(ctx, p, plan)
}

// runPlan handles approval and executes the plan's root items.
func (o *Orchestrator) runPlan(ctx context.Context, p *TurnProcessor, plan Plan) AgentResponse {
	if plan.RequiresApproval {
		approved := o.requestApproval(ctx, p, plan)
		if !approved {
			o.auditEvent(ctx, "plan_denied", map[string]any{"scope": p.scope, "goal": plan.Goal})
			return AgentResponse{Message: "The plan was not approved, so I have not run it."}
		}
	}
	if o.executor == nil || o.workItems == nil {
		return AgentResponse{Message: internalFaultText}
	}

	for _, item := range plan.Items {
		if item.Scope == "" {
			item.Scope = p.scope
		}
		if err := o.workItems.Save(ctx, item); err != nil {
			o.logger.Error("plan item save failed", "item", item.ID, "error", err)
			return AgentResponse{Message: internalFaultText}
		}
	}

	var parts []string
	taint := p.taint.Current()
	for _, root := range planRoots(plan.Items) {
		p.activeItem = &root
		res, err := o.executor.Execute(ctx, root)
		p.activeItem = nil
		if err != nil {
			o.logger.Error("plan execution failed", "item", root.ID, "error", err)
			parts = append(parts, fmt.Sprintf("%s: failed (%s)", root.Title, truncateStr(err.Error(), 120)))
			continue
		}
		taint = taint.Join(o.itemTaint(root))
		switch res.Status {
		case StatusDone:
			parts = append(parts, fmt.Sprintf("%s: %s", root.Title, res.Summary))
		case StatusBlocked:
			parts = append(parts, fmt.Sprintf("%s: blocked (%s)", root.Title, res.LastError))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", root.Title, res.Status, truncateStr(res.LastError, 120)))
		}
	}
	p.taint.Record(taint)

	message := plan.Summary
	if message != "" && len(parts) > 0 {
		message += "\n\n"
	}
	message += strings.Join(parts, "\n")
	if message == "" {
		message = "Done."
	}
	return AgentResponse{Message: message, Taint: taint}
}

// toolTaint returns the declared output taint of a registered tool.
// Tools the orchestrator does not know are treated as external.
func (o *Orchestrator) toolTaint(name string) Taint {
	for _, t := range o.tools {
		if t.Name == name {
			return t.OutputTaint()
		}
	}
	return TaintExternal
}

// itemTaint is the provenance a completed work item contributes to the
// turn: the join of its skills' declared taints. Shell and python output
// is always external.
func (o *Orchestrator) itemTaint(item WorkItem) Taint {
	if item.Executor != ExecutorSkill || len(item.Skills) == 0 {
		return TaintExternal
	}
	taint := TaintOwner
	for _, name := range item.Skills {
		taint = taint.Join(o.toolTaint(name))
	}
	return taint
}

// requestApproval sends the approval card and on approval attaches
// signed tokens to every plan item. Absent an ApprovalSender the plan is
// denied outright.
func (o *Orchestrator) requestApproval(ctx context.Context, p *TurnProcessor, plan Plan) bool {
	sender, ok := o.channel.(ApprovalSender)
	if !ok || len(plan.Items) == 0 {
		return false
	}
	verdict, err := sender.SendApprovalRequest(ctx, p.connection, plan.Items[0])
	if err != nil {
		o.logger.Warn("approval request failed", "scope", p.scope, "error", err)
		return false
	}
	if !verdict {
		return false
	}
	if o.approvals != nil {
		for i := range plan.Items {
			token, err := o.approvals.IssueToken(plan.Items[i], "approve", ApprovalSingle)
			if err != nil {
				o.logger.Error("token issue failed", "item", plan.Items[i].ID, "error", err)
				return false
			}
			plan.Items[i].ApprovalToken = token
		}
	}
	return true
}

// planRoots returns the items no other item lists as a dependency or
// sub-task, preserving plan order.
func planRoots(items []WorkItem) []WorkItem {
	child := make(map[string]bool)
	for _, it := range items {
		for _, d := range it.DependsOn {
			child[d] = true
		}
		for _, t := range it.Tasks {
			child[t] = true
		}
	}
	var roots []WorkItem
	for _, it := range items {
		if !child[it.ID] {
			roots = append(roots, it)
		}
	}
	return roots
}

// handleApprovalResults logs output gates that demanded approval; the
// held text already replaced the response during escalation.
func (o *Orchestrator) handleApprovalResults(results []GateResult) {
	for _, r := range results {
		if r.Action == ActionRequireApproval {
			o.logger.Info("response held for approval", "gate", r.Gate, "reason", r.Reason)
		}
	}
}

// processMemoryOps resolves the agent's memory queries into the memory
// zone and persists requested writes.
func (o *Orchestrator) processMemoryOps(ctx context.Context, p *TurnProcessor, response AgentResponse) {
	if o.memory == nil {
		return
	}
	for _, q := range response.MemoryQueries {
		o.retrieveMemories(ctx, p, q, p.turn)
	}
	for _, w := range response.MemoryWrites {
		if w.Scope == "" {
			w.Scope = p.scope
		}
		if w.CreatedAt == 0 {
			w.CreatedAt = NowUnix()
		}
		if _, err := o.memory.Store(ctx, w); err != nil {
			o.logger.Error("memory write failed", "scope", p.scope, "error", err)
		}
	}
}

// dispatch sends the final text, streaming when the adapter supports it.
func (o *Orchestrator) dispatch(ctx context.Context, p *TurnProcessor, msg Message, text string) {
	if streamer, ok := o.channel.(StreamSender); ok {
		rest, done := o.dispatchStream(ctx, streamer, p.connection, text)
		if done {
			return
		}
		text = rest
	}
	if err := o.channel.Send(ctx, p.connection, text, msg.ID); err != nil {
		o.logger.Error("send failed", "connection", p.connection, "error", err)
	}
}

const streamChunkRunes = 800

// dispatchStream delivers text in chunks. A stream error falls back to
// plain Send with the undelivered remainder, so chunks the connection
// already received are never repeated.
func (o *Orchestrator) dispatchStream(ctx context.Context, s StreamSender, conn, text string) (rest string, done bool) {
	id, err := s.SendStreamStart(ctx, conn)
	if err != nil {
		return text, false
	}
	runes := []rune(text)
	for start := 0; start < len(runes); start += streamChunkRunes {
		end := min(start+streamChunkRunes, len(runes))
		if err := s.SendStreamChunk(ctx, id, string(runes[start:end])); err != nil {
			o.logger.Warn("stream chunk failed, falling back", "connection", conn, "error", err)
			return string(runes[start:]), false
		}
	}
	if err := s.SendStreamEnd(ctx, id); err != nil {
		o.logger.Warn("stream end failed", "connection", conn, "error", err)
	}
	return "", true
}
