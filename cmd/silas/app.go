package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	silas "github.com/DavSimFel/silas"
	"github.com/DavSimFel/silas/internal/config"
	"github.com/DavSimFel/silas/observer"
	"github.com/DavSimFel/silas/sandbox"
	"github.com/DavSimFel/silas/store/postgres"
	"github.com/DavSimFel/silas/store/sqlite"
)

// app owns every long-lived component of a running instance and their
// shutdown order.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	orchestrator *silas.Orchestrator
	sandboxes    *sandbox.Manager

	chronicleDB *sqlite.Store
	auditDB     *sqlite.Store
	pgPool      *pgxpool.Pool
	traceStop   func(context.Context) error
}

func newApp(cfg config.Config) (*app, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := &app{cfg: cfg, logger: logger}

	var tracer silas.Tracer
	if cfg.Observer.Enabled {
		stop, err := observer.Init(context.Background(), cfg.Observer.ServiceName, cfg.Observer.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
		a.traceStop = stop
		tracer = observer.NewTracer()
	}

	// Stores. The audit log stays in its own local SQLite file even when
	// the chronicle moves to PostgreSQL.
	ctx := context.Background()
	a.auditDB = sqlite.New(cfg.Data.AuditPath, sqlite.WithLogger(logger))
	if err := a.auditDB.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("audit store: %w", err)
	}
	audit := sqlite.NewAuditLog(a.auditDB.DB(), sqlite.WithAuditLogger(logger))

	ok, checked, err := audit.VerifyFromCheckpoint(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("audit verify: %w", err)
	}
	if !ok {
		a.Close()
		return nil, fmt.Errorf("audit chain integrity check failed after %d entries", checked)
	}
	logger.Info("audit chain verified", "entries", checked)

	var (
		chronicle silas.ChronicleStore
		memory    silas.MemoryStore
		items     silas.WorkItemStore
	)
	if cfg.Data.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Data.PostgresURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pgPool = pool
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		chronicle, items = pg, pg
		memory = postgres.NewMemoryStore(pool)
	} else {
		a.chronicleDB = sqlite.New(cfg.Data.ChroniclePath, sqlite.WithLogger(logger))
		if err := a.chronicleDB.Init(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("chronicle store: %w", err)
		}
		chronicle = a.chronicleDB
		memory = sqlite.NewMemoryStore(a.chronicleDB.DB(), sqlite.WithMemoryLogger(logger))
		items = sqlite.NewWorkItemStore(a.chronicleDB.DB(), sqlite.WithWorkItemLogger(logger))
	}

	// Sandbox: host processes by default, containers when an image is
	// configured.
	a.sandboxes = sandbox.NewManager()
	var execSandbox silas.SandboxExec
	runner := sandbox.NewRunner(a.sandboxes, sandbox.Config{
		WorkDirBase:    cfg.Sandbox.WorkDir,
		MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
		MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	})
	execSandbox = runner
	if cfg.Sandbox.DockerImage != "" {
		docker, err := sandbox.NewDockerRunner(cfg.Sandbox.DockerImage,
			sandbox.WithDockerMemoryMB(int64(cfg.Sandbox.MaxMemoryMB)))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("docker sandbox: %w", err)
		}
		execSandbox = docker
	}

	// Agent endpoint: all three roles (route, plan, structured complete).
	var (
		proxy      silas.ProxyAgent
		planner    silas.PlannerAgent
		structured silas.StructuredAgent
	)
	if cfg.Agent.URL != "" {
		agent := newHTTPAgent(cfg.Agent.URL, time.Duration(cfg.Agent.TimeoutSeconds)*time.Second)
		proxy, planner, structured = agent, agent, agent
	} else {
		a.Close()
		return nil, fmt.Errorf("agent.url is required (or set SILAS_AGENT_URL)")
	}

	// Context manager with the standard zone profiles.
	cmOpts := []silas.ContextOption{
		silas.WithContextLogger(logger),
		silas.WithEvictHook(func(scope string, item silas.ContextItem) {
			_, _ = memory.Store(ctx, silas.MemoryItem{
				Scope:   scope,
				Kind:    "evicted_context",
				Content: item.Content,
				Source:  item.Source,
				Taint:   item.Taint,
			})
		}),
	}
	var scorer silas.EvictionScorer = silas.NewLocalScorer(silas.LocalScorerWeights{})
	if cfg.Context.Scorer == "llm" && structured != nil {
		scorer = silas.NewAdvisoryScorer(structured, silas.WithAdvisoryLogger(logger))
	}
	cmOpts = append(cmOpts, silas.WithScorer(scorer))
	if tracer != nil {
		cmOpts = append(cmOpts, silas.WithContextTracer(tracer))
	}
	contexts, err := silas.NewContextManager(silas.TokenBudget{
		Total:             cfg.Context.WindowTokens,
		SystemMax:         cfg.Context.WindowTokens / 5,
		EvictThresholdPct: 0.85,
		MaskAfterTurns:    3,
		Profiles: map[string]silas.ZoneProfile{
			"conversation": {Chronicle: 0.50, Memory: 0.20, Workspace: 0.10},
			"focused_work": {Chronicle: 0.20, Memory: 0.10, Workspace: 0.50},
			"research":     {Chronicle: 0.25, Memory: 0.35, Workspace: 0.20},
		},
		DefaultProfile: cfg.Context.DefaultProfile,
	}, cmOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Gates.
	grOpts := []silas.GateRunnerOption{silas.WithGateLogger(logger)}
	if tracer != nil {
		grOpts = append(grOpts, silas.WithGateTracer(tracer))
	}
	systemGates := buildGates(cfg.Gates)
	grOpts = append(grOpts, silas.WithOutputGates(systemGates))
	gates := silas.NewGateRunner(grOpts...)
	gates.RegisterProvider("script", silas.NewScriptProvider(sandbox.NewGateScriptRunner(runner)))
	gates.RegisterProvider("guardrails", silas.NewGuardrailProvider(silas.WithGuardrailLogger(logger)))
	if structured != nil {
		gates.RegisterProvider("llm", silas.NewLLMGateProvider(structured, silas.WithLLMGateLogger(logger)))
	}

	// Approvals. The passphrase is mandatory: without it no plan that
	// requires approval could ever run.
	if cfg.Approval.Passphrase == "" {
		a.Close()
		return nil, fmt.Errorf("SILAS_SIGNING_PASSPHRASE is required")
	}
	approvals, err := silas.NewApprovalManager(cfg.Approval.Passphrase,
		silas.WithApprovalTTL(time.Duration(cfg.Approval.TTLSeconds)*time.Second))
	if err != nil {
		a.Close()
		return nil, err
	}

	// Executor.
	execOpts := []silas.ExecutorOption{
		silas.WithSandboxExec(execSandbox),
		silas.WithVerifier(runner, cfg.Sandbox.VerifyDir, cfg.Sandbox.WorkDir),
		silas.WithApprovalChecker(approvals),
		silas.WithExecutorAudit(audit),
		silas.WithExecutorLogger(logger),
	}
	if tracer != nil {
		execOpts = append(execOpts, silas.WithExecutorTracer(tracer))
	}
	executor := silas.NewExecutor(items, execOpts...)

	// Access control.
	access := silas.NewAccessController(cfg.Access.OwnerID, buildAccessLevels(cfg.Access.Levels))

	channel := newConsoleChannel(cfg.Access.OwnerID)

	orchOpts := []silas.OrchestratorOption{
		silas.WithTools(builtinTools()),
		silas.WithExecutor(executor),
		silas.WithAccessController(access),
		silas.WithApprovalManager(approvals),
		silas.WithPlanner(planner),
		silas.WithChronicleStore(chronicle),
		silas.WithMemoryStore(memory),
		silas.WithWorkItemStore(items),
		silas.WithAuditLog(audit),
		silas.WithRawIngestor(silas.NewRawIngestor(memory, silas.WithIngestLogger(logger))),
		silas.WithSystemGates(systemGates),
		silas.WithRehydrateDepth(cfg.Context.RehydrateDepth),
		silas.WithOrchestratorLogger(logger),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, silas.WithOrchestratorTracer(tracer))
	}
	orch, err := silas.NewOrchestrator(channel, contexts, gates, proxy, orchOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

// Run blocks until the context is cancelled or the channel closes.
func (a *app) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.logger.Info("silas started")
	return a.orchestrator.Run(ctx)
}

// Close tears everything down in reverse dependency order.
func (a *app) Close() {
	if a.sandboxes != nil {
		if err := a.sandboxes.DestroyAll(); err != nil {
			a.logger.Error("sandbox teardown failed", "error", err)
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.chronicleDB != nil {
		_ = a.chronicleDB.Close()
	}
	if a.auditDB != nil {
		_ = a.auditDB.Close()
	}
	if a.traceStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.traceStop(ctx)
	}
}

// builtinTools declares the built-in toolset and the provenance of each
// tool's output. Tools added without a taint resolve to external.
func builtinTools() []silas.ToolSpec {
	return []silas.ToolSpec{
		{Name: "web_search", Description: "Search the web", Taint: "external"},
		{Name: "calendar_read", Description: "Read the owner's calendar", Taint: "auth"},
		{Name: "memory_recall", Description: "Recall stored memories", Taint: "owner"},
	}
}

// buildGates converts config gate entries to runtime gates. Built-in
// types route through the builtin provider.
func buildGates(entries []config.GateConfig) []silas.Gate {
	gates := make([]silas.Gate, 0, len(entries))
	for _, e := range entries {
		g := silas.Gate{
			Name:            e.Name,
			Type:            e.Type,
			Trigger:         silas.GateTrigger(e.Trigger),
			OnBlock:         e.OnBlock,
			Config:          e.Config,
			PromoteToPolicy: e.Lane == "policy",
		}
		if g.Trigger == "" {
			g.Trigger = silas.TriggerAgentResponse
		}
		switch e.Type {
		case "injection", "keyword":
			g.Provider = "guardrails"
		default:
			g.Provider = e.Type
		}
		gates = append(gates, g)
	}
	return gates
}

func buildAccessLevels(entries []config.AccessLevel) []silas.AccessLevel {
	levels := make([]silas.AccessLevel, 0, len(entries))
	for _, e := range entries {
		levels = append(levels, silas.AccessLevel{
			Name:         silas.AccessLevelName(e.Name),
			Requires:     e.Requires,
			Tools:        e.Tools,
			ExpiresAfter: e.ExpiresAfter,
		})
	}
	return levels
}
