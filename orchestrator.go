package silas

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// internalFaultText is sent when a turn fails inside the runtime. The
// real error stays in logs and audit; the channel never sees internals.
const internalFaultText = "Something went wrong on my side. Please try again."

// TurnProcessor owns one connection's turn state. The orchestrator
// creates one lazily per connection id; its mutex serializes turns so a
// connection's chronicle order always matches its receive order.
type TurnProcessor struct {
	mu         sync.Mutex
	connection string
	scope      string
	session    string
	turn       int
	taint      TaintTracker
	// activeItem is the in-progress work item whose gates join the
	// turn's precompiled set.
	activeItem *WorkItem
}

// Orchestrator runs the turn pipeline: it listens on the channel,
// serializes turns per connection, and wires the context manager, gate
// runner, executor, and stores together.
type Orchestrator struct {
	channel   Channel
	contexts  *ContextManager
	gates     *GateRunner
	executor  *Executor
	access    *AccessController
	approvals *ApprovalManager
	proxy     ProxyAgent
	planner   PlannerAgent
	chronicle ChronicleStore
	memory    MemoryStore
	workItems WorkItemStore
	audit     AuditLog
	ingest    *RawIngestor
	suggest   SuggestionEngine
	bridge    QueueBridge

	systemGates  []Gate
	tools        []ToolSpec
	ownerScope   string
	constitution string
	configText   string
	rehydrateN   int

	logger *slog.Logger
	tracer Tracer

	mu             sync.Mutex
	procs          map[string]*TurnProcessor
	rehydratedTurn map[string]int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithExecutor sets the work-item executor for planner-routed turns.
func WithExecutor(e *Executor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = e }
}

// WithAccessController enables per-connection tool filtering.
func WithAccessController(a *AccessController) OrchestratorOption {
	return func(o *Orchestrator) { o.access = a }
}

// WithApprovalManager enables token issuance on plan approval.
func WithApprovalManager(a *ApprovalManager) OrchestratorOption {
	return func(o *Orchestrator) { o.approvals = a }
}

// WithPlanner sets the planner agent.
func WithPlanner(p PlannerAgent) OrchestratorOption {
	return func(o *Orchestrator) { o.planner = p }
}

// WithChronicleStore sets the chronicle persistence.
func WithChronicleStore(s ChronicleStore) OrchestratorOption {
	return func(o *Orchestrator) { o.chronicle = s }
}

// WithMemoryStore sets long-term memory. Evicted context items and agent
// memory writes land here.
func WithMemoryStore(s MemoryStore) OrchestratorOption {
	return func(o *Orchestrator) { o.memory = s }
}

// WithWorkItemStore sets work-item persistence for rehydration.
func WithWorkItemStore(s WorkItemStore) OrchestratorOption {
	return func(o *Orchestrator) { o.workItems = s }
}

// WithAuditLog sets the audit log.
func WithAuditLog(a AuditLog) OrchestratorOption {
	return func(o *Orchestrator) { o.audit = a }
}

// WithRawIngestor enables raw-memory ingest of messages and responses.
func WithRawIngestor(r *RawIngestor) OrchestratorOption {
	return func(o *Orchestrator) { o.ingest = r }
}

// WithSuggestionEngine enables proactive suggestions.
func WithSuggestionEngine(s SuggestionEngine) OrchestratorOption {
	return func(o *Orchestrator) { o.suggest = s }
}

// WithQueueBridge routes turns through a durable queue when it is
// running instead of the in-process proxy path.
func WithQueueBridge(b QueueBridge) OrchestratorOption {
	return func(o *Orchestrator) { o.bridge = b }
}

// WithSystemGates sets the always-active gate set.
func WithSystemGates(gates []Gate) OrchestratorOption {
	return func(o *Orchestrator) { o.systemGates = cloneGates(gates) }
}

// WithTools sets the full toolset offered to agents before access
// filtering.
func WithTools(tools []ToolSpec) OrchestratorOption {
	return func(o *Orchestrator) { o.tools = append([]ToolSpec(nil), tools...) }
}

// WithOwnerScope sets the privileged owner scope id. Default: "owner".
func WithOwnerScope(scope string) OrchestratorOption {
	return func(o *Orchestrator) { o.ownerScope = scope }
}

// WithConstitution sets the system-zone constitution text installed on
// rehydration.
func WithConstitution(text string) OrchestratorOption {
	return func(o *Orchestrator) { o.constitution = text }
}

// WithConfigText sets the serialized configuration installed into the
// system zone on rehydration.
func WithConfigText(text string) OrchestratorOption {
	return func(o *Orchestrator) { o.configText = text }
}

// WithRehydrateDepth sets how many chronicle entries per scope are
// reloaded at startup. Default: 50.
func WithRehydrateDepth(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.rehydrateN = n }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets the tracer for turn spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates an orchestrator. Channel, context manager,
// gate runner, and proxy agent are mandatory.
func NewOrchestrator(ch Channel, cm *ContextManager, gr *GateRunner, proxy ProxyAgent, opts ...OrchestratorOption) (*Orchestrator, error) {
	if ch == nil || cm == nil || gr == nil || proxy == nil {
		return nil, &ErrInvalidConfig{Component: "orchestrator", Reason: "channel, context manager, gate runner, and proxy agent are required"}
	}
	o := &Orchestrator{
		channel:        ch,
		contexts:       cm,
		gates:          gr,
		proxy:          proxy,
		ownerScope:     "owner",
		rehydrateN:     50,
		logger:         nopLogger,
		procs:          make(map[string]*TurnProcessor),
		rehydratedTurn: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o, nil
}

// processor returns (creating if needed) the connection's processor.
// Non-owner connections get their own scope equal to the connection id;
// the owner connection shares the owner scope.
func (o *Orchestrator) processor(conn string) *TurnProcessor {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.procs[conn]
	if !ok {
		scope := conn
		if conn == o.ownerScope {
			scope = o.ownerScope
		}
		p = &TurnProcessor{
			connection: conn,
			scope:      scope,
			session:    NewID(),
			turn:       o.rehydratedTurn[scope],
		}
		o.procs[conn] = p
	}
	return p
}

// activeGates returns the processor's work-item gates, if any.
func (p *TurnProcessor) activeGates() []Gate {
	if p.activeItem == nil {
		return nil
	}
	return p.activeItem.Gates
}

// Run rehydrates state, then listens and processes turns until ctx is
// cancelled or the channel closes. Turns for distinct connections run
// concurrently; turns on one connection are serialized by its processor.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Rehydrate(ctx); err != nil {
		return err
	}

	stream, err := o.channel.Listen(ctx)
	if err != nil {
		return &ErrSystemFault{Reason: "channel listen", Err: err}
	}

	g, ctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case in, ok := <-stream:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				o.handleInbound(ctx, in)
				return nil
			})
		}
	}
}

// handleInbound serializes on the connection's processor and runs one
// turn. Panics are converted to the fault fallback; the lock is always
// released and the failure audited.
func (o *Orchestrator) handleInbound(ctx context.Context, in InboundMessage) {
	p := o.processor(in.ConnectionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "connection", in.ConnectionID, "turn", p.turn, "panic", r)
			o.auditEvent(ctx, "turn_fault", map[string]any{"connection": in.ConnectionID, "turn": p.turn})
			if err := o.channel.Send(ctx, in.ConnectionID, internalFaultText, in.Message.ID); err != nil {
				o.logger.Error("fault fallback send failed", "connection", in.ConnectionID, "error", err)
			}
		}
	}()

	o.processTurn(ctx, p, in.Message)
}

func (o *Orchestrator) auditEvent(ctx context.Context, event string, data map[string]any) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.Log(ctx, event, data); err != nil {
		o.logger.Error("audit write failed", "event", event, "error", err)
	}
}
