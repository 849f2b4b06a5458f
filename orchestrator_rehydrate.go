package silas

import (
	"context"
)

const rehydrateSessionNote = "[SYSTEM] Session rehydrated after restart."

// Rehydrate restores runtime state before listening: system-zone
// installs, chronicle reload, memory preload, subscription restore, a
// rehydration marker per scope, work-item resume, and re-emission of
// pending reviews and suggestions. Run calls it automatically.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "orchestrator.rehydrate")
		defer span.End()
	}

	scopes := o.contexts.Scopes()
	if len(scopes) == 0 {
		scopes = []string{o.ownerScope}
	}

	for _, scope := range scopes {
		o.installSystemZone(scope)
		if err := o.reloadChronicle(ctx, scope); err != nil {
			return err
		}
		o.preloadMemories(ctx, scope)
	}

	o.restoreSubscriptions(ctx)

	for _, scope := range scopes {
		turn := o.rehydratedTurn[scope]
		o.contexts.Add(scope, ContextItem{
			Zone:    ZoneChronicle,
			Kind:    KindSystem,
			Content: rehydrateSessionNote,
			Source:  "system",
			Taint:   TaintOwner,
			Turn:    turn,
		})
	}

	o.resumeWorkItems(ctx)
	o.reemitPending(ctx, scopes)

	o.auditEvent(ctx, "rehydrated", map[string]any{"scopes": len(scopes)})
	if span != nil {
		span.SetAttr(IntAttr("scopes", len(scopes)))
	}
	return nil
}

// installSystemZone pins the constitution, tool descriptions, and
// serialized configuration into the scope's system zone.
func (o *Orchestrator) installSystemZone(scope string) {
	add := func(content, source string) {
		if content == "" {
			return
		}
		o.contexts.Add(scope, ContextItem{
			Zone:    ZoneSystem,
			Kind:    KindSystem,
			Content: content,
			Source:  source,
			Taint:   TaintOwner,
			Pinned:  true,
		})
	}
	add(o.constitution, "constitution")
	add(renderToolDescriptions(o.tools), "tools")
	add(o.configText, "config")
}

func renderToolDescriptions(tools []ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}
	var b []byte
	for _, t := range tools {
		b = append(b, t.Name...)
		b = append(b, ": "...)
		b = append(b, t.Description...)
		b = append(b, '\n')
	}
	return string(b)
}

// reloadChronicle loads the last N chronicle entries into the scope and
// advances the scope's rehydrated turn to the highest turn observed.
// Observation masking applies on the next render.
func (o *Orchestrator) reloadChronicle(ctx context.Context, scope string) error {
	if o.chronicle == nil {
		return nil
	}
	items, err := o.chronicle.GetRecent(ctx, scope, o.rehydrateN)
	if err != nil {
		return &ErrSystemFault{Reason: "chronicle reload", Err: err}
	}
	maxTurn := o.rehydratedTurn[scope]
	for _, it := range items {
		o.contexts.Add(scope, it)
		if it.Turn > maxTurn {
			maxTurn = it.Turn
		}
	}
	o.mu.Lock()
	o.rehydratedTurn[scope] = maxTurn
	o.mu.Unlock()
	return nil
}

// preloadMemories loads owner profile memories plus up to ten recent
// session memories for the scope.
func (o *Orchestrator) preloadMemories(ctx context.Context, scope string) {
	if o.memory == nil {
		return
	}
	add := func(items []MemoryItem, err error, what string) {
		if err != nil {
			o.logger.Warn("memory preload failed", "scope", scope, "kind", what, "error", err)
			return
		}
		for _, m := range items {
			o.contexts.Add(scope, ContextItem{
				Zone:      ZoneMemory,
				Kind:      KindMemory,
				Content:   m.Content,
				Source:    "memory:" + m.Kind,
				Taint:     m.Taint,
				Relevance: m.Relevance,
			})
		}
	}
	profile, err := o.memory.SearchByType(ctx, o.ownerScope, "profile", 10)
	add(profile, err, "profile")
	recent, err := o.memory.ListRecent(ctx, scope, 10)
	add(recent, err, "recent")
}

// restoreSubscriptions re-registers file subscriptions declared by
// in-progress work items.
func (o *Orchestrator) restoreSubscriptions(ctx context.Context) {
	if o.workItems == nil {
		return
	}
	for _, status := range []WorkItemStatus{StatusRunning, StatusStuck, StatusPaused} {
		items, err := o.workItems.ListByStatus(ctx, status)
		if err != nil {
			o.logger.Warn("work item listing failed", "status", status, "error", err)
			continue
		}
		for _, it := range items {
			scope := it.Scope
			if scope == "" {
				scope = o.ownerScope
			}
			for _, path := range it.InputArtifactsFrom {
				o.contexts.Subscribe(scope, Subscription{
					Type:   SubFile,
					Target: path,
					Zone:   ZoneWorkspace,
				})
			}
		}
	}
}

// resumeWorkItems re-executes items that were running when the process
// stopped.
func (o *Orchestrator) resumeWorkItems(ctx context.Context) {
	if o.workItems == nil || o.executor == nil {
		return
	}
	items, err := o.workItems.ListByStatus(ctx, StatusRunning)
	if err != nil {
		o.logger.Warn("resume listing failed", "error", err)
		return
	}
	for _, it := range items {
		res, err := o.executor.Execute(ctx, it)
		if err != nil {
			o.logger.Error("work item resume failed", "item", it.ID, "error", err)
			continue
		}
		o.logger.Info("work item resumed", "item", it.ID, "status", res.Status)
	}
}

// reemitPending re-sends pending batch reviews and suggestions, using
// store listings when the store supports them and engine-generated
// suggestions otherwise.
func (o *Orchestrator) reemitPending(ctx context.Context, scopes []string) {
	lister, _ := o.workItems.(PendingLister)
	batch, _ := o.channel.(BatchReviewSender)
	cards, _ := o.channel.(SuggestionSender)
	if lister == nil || (batch == nil && cards == nil) {
		return
	}
	for _, scope := range scopes {
		if batch != nil {
			items, err := lister.ListPendingBatchReviews(ctx, scope)
			if err != nil {
				o.logger.Warn("pending review listing failed", "scope", scope, "error", err)
			} else if len(items) > 0 {
				if err := batch.SendBatchReview(ctx, scope, items); err != nil {
					o.logger.Warn("batch review re-emit failed", "scope", scope, "error", err)
				}
			}
		}
		if cards != nil {
			suggestions, err := lister.ListPendingSuggestions(ctx, scope)
			if err != nil {
				o.logger.Warn("pending suggestion listing failed", "scope", scope, "error", err)
				continue
			}
			for _, s := range suggestions {
				if err := cards.SendSuggestion(ctx, scope, s); err != nil {
					o.logger.Warn("suggestion re-emit failed", "scope", scope, "error", err)
				}
			}
		}
	}
}
