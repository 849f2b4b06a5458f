// Package silas is an agent runtime core that orchestrates conversational
// turns with an LLM planner/executor under a strict safety and resource model.
//
// It provides five cooperating components:
//
//   - [Stream] — per-connection turn orchestration with taint tracking,
//     chronicle/memory writes, and gate enforcement on both ends of a turn
//   - [ContextManager] — zone-based context storage with profile-driven
//     budgets, observation masking, and two-tier eviction
//   - [GateRunner] — a two-lane (policy/quality) gate pipeline with
//     pluggable providers and controlled output rewrites
//   - [WorkItemExecutor] — dependency-ordered work execution with retries,
//     verification, and planner-consult recovery under explicit budgets
//   - sandbox.Manager — isolated process execution with resource limits,
//     network isolation, and guaranteed teardown
//
// External collaborators (channel transports, LLM adapters, persistence)
// plug in through the interfaces in this package: [Channel],
// [ChronicleStore], [MemoryStore], [WorkItemStore], [AuditLog],
// [ProxyAgent], [PlannerAgent], and [StructuredAgent].
//
// # Quick start
//
//	cm := silas.NewContextManager(budget)
//	gates := silas.NewGateRunner(silas.WithGateLogger(logger))
//	exec := silas.NewWorkItemExecutor(store, sandboxes, verifier)
//	stream := silas.NewStream(tmpl, channel, silas.WithStreamLogger(logger))
//	err := stream.Run(ctx)
//
// All components accept a *slog.Logger and an optional Tracer; both default
// to no-ops when unset.
package silas
