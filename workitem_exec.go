package silas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ExecSpec describes one sandboxed command invocation.
type ExecSpec struct {
	Argv           []string
	Dir            string
	Env            map[string]string
	TimeoutSeconds int
	Network        bool
}

// ExecResult is the outcome of a sandboxed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// SandboxExec runs one command in a fresh sandbox. The sandbox package
// provides the production implementation; tests use fakes.
type SandboxExec interface {
	Exec(ctx context.Context, spec ExecSpec) (ExecResult, error)
}

// ApprovalChecker authorizes work-item execution. Check validates a
// token without side effects; Verify additionally consumes the token's
// single-use nonce, so one token authorizes exactly one execution. A
// missing checker means approval is not enforced.
type ApprovalChecker interface {
	Check(token string, item WorkItem) (ok bool, reason string)
	Verify(token string, item WorkItem, spawned bool) (ok bool, reason string)
}

const resultSummaryMax = 500

// Executor runs work items in dependency order with retry, verification,
// and planner-consult recovery under per-item budgets.
type Executor struct {
	store     WorkItemStore
	sandbox   SandboxExec
	verifier  SandboxExec
	skills    SkillInvoker
	consult   ConsultManager
	replan    ReplanManager
	approvals ApprovalChecker
	audit     AuditLog

	verifyDir   string
	allowedDirs []string

	logger *slog.Logger
	tracer Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSandboxExec sets the sandbox used by shell and python executors.
func WithSandboxExec(s SandboxExec) ExecutorOption {
	return func(e *Executor) { e.sandbox = s }
}

// WithVerifier sets the sandbox used by verification checks and the
// directories file_exists predicates may resolve into. The verify
// directory is always allowed.
func WithVerifier(s SandboxExec, verifyDir string, extraDirs ...string) ExecutorOption {
	return func(e *Executor) {
		e.verifier = s
		e.verifyDir = verifyDir
		e.allowedDirs = append([]string{verifyDir}, extraDirs...)
	}
}

// WithSkillInvoker sets the skill executor.
func WithSkillInvoker(s SkillInvoker) ExecutorOption {
	return func(e *Executor) { e.skills = s }
}

// WithConsultManager sets the planner-consult collaborator for stuck
// recovery.
func WithConsultManager(c ConsultManager) ExecutorOption {
	return func(e *Executor) { e.consult = c }
}

// WithReplanManager sets the replan collaborator for stuck recovery.
func WithReplanManager(r ReplanManager) ExecutorOption {
	return func(e *Executor) { e.replan = r }
}

// WithApprovalChecker enables the execution approval check. Items without
// a valid token are persisted as blocked before any attempt runs; a valid
// token is consumed, so re-running the item requires a fresh one.
func WithApprovalChecker(a ApprovalChecker) ExecutorOption {
	return func(e *Executor) { e.approvals = a }
}

// WithExecutorAudit sets the audit log for execution events.
func WithExecutorAudit(a AuditLog) ExecutorOption {
	return func(e *Executor) { e.audit = a }
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the tracer for execution spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates a work-item executor backed by the given store.
func NewExecutor(store WorkItemStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Execute persists the root item, resolves its dependency closure, and
// runs every item in deterministic topological order. A failed
// dependency fails the root with "dependency <id> failed: <last_error>";
// the returned result carries the closure's aggregate budget.
func (e *Executor) Execute(ctx context.Context, root WorkItem) (WorkItemResult, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.execute", StringAttr("item", root.ID))
		defer span.End()
	}

	if root.Status == "" {
		root.Status = StatusPending
	}
	if err := e.store.Save(ctx, root); err != nil {
		return WorkItemResult{}, &ErrSystemFault{Reason: "persist work item", Err: err}
	}

	closure, err := e.resolveClosure(ctx, root)
	if err != nil {
		return WorkItemResult{}, err
	}
	order, err := toposort(closure)
	if err != nil {
		return WorkItemResult{}, err
	}

	var aggregate BudgetUsed
	var rootResult WorkItemResult
	for _, id := range order {
		item := closure[id]

		for _, dep := range item.DependsOn {
			if closure[dep].Status != StatusDone {
				return WorkItemResult{}, fmt.Errorf("dependency %s not completed before %s", dep, id)
			}
		}

		if item.Status == StatusDone {
			aggregate.Merge(item.BudgetUsed)
			continue
		}

		res := e.executeSingle(ctx, item)
		aggregate.Merge(res.BudgetUsed)
		closure[id] = e.refresh(ctx, id, *item, res)

		if res.Status != StatusDone {
			if id == root.ID {
				res.BudgetUsed = aggregate
				return res, nil
			}
			failure := fmt.Sprintf("dependency %s failed: %s", id, res.LastError)
			e.failRoot(ctx, root.ID, failure, aggregate)
			return WorkItemResult{
				ID:         root.ID,
				Status:     StatusFailed,
				LastError:  failure,
				BudgetUsed: aggregate,
			}, nil
		}
		if id == root.ID {
			rootResult = res
		}
	}

	rootResult.BudgetUsed = aggregate
	if rootResult.Summary == "" {
		rootResult.Summary = fmt.Sprintf("completed %d work items", len(order))
	}
	if span != nil {
		span.SetAttr(StringAttr("status", string(rootResult.Status)), IntAttr("items", len(order)))
	}
	return rootResult, nil
}

// refresh reloads an item after execution so downstream dependency checks
// see its persisted status; on store failure it patches the local copy.
func (e *Executor) refresh(ctx context.Context, id string, prev WorkItem, res WorkItemResult) *WorkItem {
	if it, err := e.store.Get(ctx, id); err == nil {
		return &it
	}
	prev.Status = res.Status
	prev.LastError = res.LastError
	prev.BudgetUsed = res.BudgetUsed
	return &prev
}

func (e *Executor) failRoot(ctx context.Context, id, failure string, used BudgetUsed) {
	if err := e.store.UpdateStatus(ctx, id, StatusFailed, used); err != nil {
		e.logger.Error("failed to persist root failure", "item", id, "error", err)
	}
	e.auditEvent(ctx, "work_item_failed", map[string]any{"item": id, "error": failure})
}

// resolveClosure walks depends_on edges (and the root's tasks) breadth
// first, loading every reachable item from the store.
func (e *Executor) resolveClosure(ctx context.Context, root WorkItem) (map[string]*WorkItem, error) {
	closure := map[string]*WorkItem{root.ID: &root}
	queue := append(append([]string{}, root.DependsOn...), root.Tasks...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := closure[id]; seen {
			continue
		}
		item, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("missing dependency '%s'", id)
		}
		closure[id] = &item
		queue = append(queue, item.DependsOn...)
	}
	return closure, nil
}

// toposort orders the closure by Kahn's algorithm with a lexicographic
// tie-break among ready ids, so execution order is deterministic.
func toposort(closure map[string]*WorkItem) ([]string, error) {
	indegree := make(map[string]int, len(closure))
	dependents := make(map[string][]string, len(closure))
	for id, item := range closure {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range item.DependsOn {
			if _, ok := closure[dep]; !ok {
				return nil, fmt.Errorf("missing dependency '%s'", dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(closure))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unlocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(closure) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0] <= b[0] {
			out = append(out, a[0])
			a = a[1:]
		} else {
			out = append(out, b[0])
			b = b[1:]
		}
	}
	return append(append(out, a...), b...)
}

// executeSingle runs one item's attempt loop: approval check, up to
// max_attempts tries each followed by verification, then stuck recovery
// (consult, then replan) when attempts or budget run out.
func (e *Executor) executeSingle(ctx context.Context, item *WorkItem) WorkItemResult {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.execute_single",
			StringAttr("item", item.ID), StringAttr("executor", string(item.Executor)))
		defer span.End()
	}

	if e.approvals != nil {
		if ok, reason := e.approvals.Verify(item.ApprovalToken, *item, item.Parent != ""); !ok {
			item.Status = StatusBlocked
			item.LastError = reason
			e.persist(ctx, item)
			e.auditEvent(ctx, "work_item_blocked", map[string]any{"item": item.ID, "reason": reason})
			return WorkItemResult{ID: item.ID, Status: StatusBlocked, LastError: reason, BudgetUsed: item.BudgetUsed}
		}
	}

	maxAttempts := item.Budget.maxAttempts()
	var lastError string
	for item.Attempts < maxAttempts {
		res, done := e.attempt(ctx, item, "")
		if done {
			return res
		}
		lastError = res.LastError
		if exhausted, dim := item.BudgetUsed.Exhausted(item.Budget); exhausted {
			lastError = "budget exhausted"
			e.logger.Warn("work item budget exhausted", "item", item.ID, "dimension", dim)
			break
		}
	}

	if item.OnStuck == "consult_planner" {
		return e.recoverStuck(ctx, item, lastError)
	}
	item.Status = StatusFailed
	item.LastError = lastError
	e.persist(ctx, item)
	e.auditEvent(ctx, "work_item_failed", map[string]any{"item": item.ID, "error": lastError})
	return WorkItemResult{ID: item.ID, Status: StatusFailed, LastError: lastError, BudgetUsed: item.BudgetUsed}
}

// attempt runs one try: dispatch by executor type, then verification.
// done=true means the item reached status done.
func (e *Executor) attempt(ctx context.Context, item *WorkItem, guidance string) (WorkItemResult, bool) {
	item.Attempts++
	item.BudgetUsed.Attempts++
	item.BudgetUsed.ExecutorRuns++
	item.Status = StatusRunning
	e.persist(ctx, item)

	body := item.Body
	if item.LastError != "" {
		body += "\n\nPrevious attempt failed: " + item.LastError
	}
	if guidance != "" {
		body += "\n\nPlanner guidance: " + guidance
	}

	start := time.Now()
	output, tokens, err := e.dispatch(ctx, item, body)
	item.BudgetUsed.Tokens += tokens
	item.BudgetUsed.WallTimeSeconds += time.Since(start).Seconds()

	if err != nil {
		item.LastError = err.Error()
		e.logger.Warn("work item attempt failed", "item", item.ID, "attempt", item.Attempts, "error", err)
		return WorkItemResult{ID: item.ID, Status: item.Status, LastError: item.LastError, BudgetUsed: item.BudgetUsed}, false
	}

	checks, passed := e.runChecks(ctx, item)
	item.VerificationResults = checks
	if !passed {
		item.LastError = verificationFailure(checks)
		e.logger.Warn("work item verification failed", "item", item.ID, "attempt", item.Attempts)
		return WorkItemResult{ID: item.ID, Status: item.Status, LastError: item.LastError, BudgetUsed: item.BudgetUsed, Checks: checks}, false
	}

	item.Status = StatusDone
	item.LastError = ""
	e.persist(ctx, item)
	e.auditEvent(ctx, "work_item_done", map[string]any{"item": item.ID, "attempts": item.Attempts})
	return WorkItemResult{
		ID:         item.ID,
		Status:     StatusDone,
		Summary:    truncateStr(output, resultSummaryMax),
		BudgetUsed: item.BudgetUsed,
		Checks:     checks,
	}, true
}

// recoverStuck runs the consult-then-replan ladder. A guided attempt
// bypasses max_attempts but stays bounded by the planner-call budget.
func (e *Executor) recoverStuck(ctx context.Context, item *WorkItem, lastError string) WorkItemResult {
	if e.consult != nil && e.plannerBudgetRemains(item) {
		item.BudgetUsed.PlannerCalls++
		guidance, err := e.consult.Consult(ctx, *item, lastError)
		if err != nil {
			e.logger.Warn("planner consult failed", "item", item.ID, "error", err)
		} else if guidance != nil && !guidance.GiveUp {
			res, done := e.attempt(ctx, item, guidance.Guidance)
			if done {
				return res
			}
			lastError = res.LastError
		}
	}

	if e.replan != nil {
		accepted, err := e.replan.RequestReplan(ctx, *item, lastError)
		if err != nil {
			e.logger.Warn("replan request failed", "item", item.ID, "error", err)
		}
		if accepted {
			item.Status = StatusStuck
			item.LastError = lastError
			e.persist(ctx, item)
			e.auditEvent(ctx, "work_item_stuck", map[string]any{"item": item.ID, "error": lastError})
			return WorkItemResult{ID: item.ID, Status: StatusStuck, LastError: lastError, BudgetUsed: item.BudgetUsed}
		}
	}

	item.Status = StatusFailed
	item.LastError = lastError
	e.persist(ctx, item)
	e.auditEvent(ctx, "work_item_failed", map[string]any{"item": item.ID, "error": lastError})
	return WorkItemResult{ID: item.ID, Status: StatusFailed, LastError: lastError, BudgetUsed: item.BudgetUsed}
}

func (e *Executor) plannerBudgetRemains(item *WorkItem) bool {
	return item.Budget.MaxPlannerCalls <= 0 || item.BudgetUsed.PlannerCalls < item.Budget.MaxPlannerCalls
}

// dispatch routes an attempt to its executor type, returning the output
// text and the tokens consumed.
func (e *Executor) dispatch(ctx context.Context, item *WorkItem, body string) (string, int, error) {
	switch item.Executor {
	case ExecutorSkill:
		return e.runSkills(ctx, item, body)
	case ExecutorShell:
		return e.runShell(ctx, item)
	case ExecutorPython:
		return e.runPython(ctx, item)
	default:
		return "", 0, &ErrInvalidConfig{Component: "executor", Reason: fmt.Sprintf("unknown executor type %q", item.Executor)}
	}
}

// runSkills invokes every listed skill against the attempt body,
// accumulating output and a char-count token estimate.
func (e *Executor) runSkills(ctx context.Context, item *WorkItem, body string) (string, int, error) {
	if e.skills == nil {
		return "", 0, &ErrInvalidConfig{Component: "executor", Reason: "no skill invoker configured"}
	}
	var out strings.Builder
	tokens := EstimateTokens(body)
	for _, skill := range item.Skills {
		result, err := e.skills.Invoke(ctx, skill, body)
		if err != nil {
			return "", tokens, fmt.Errorf("skill %s: %w", skill, err)
		}
		tokens += EstimateTokens(result)
		out.WriteString(result)
		out.WriteString("\n")
	}
	return out.String(), tokens, nil
}

func (e *Executor) runShell(ctx context.Context, item *WorkItem) (string, int, error) {
	argv, err := resolveArgv(item.Args["command"])
	if err != nil {
		return "", 0, err
	}
	return e.runSandboxed(ctx, item, argv)
}

func (e *Executor) runPython(ctx context.Context, item *WorkItem) (string, int, error) {
	if script, ok := item.Args["script"].(string); ok && script != "" {
		return e.runSandboxed(ctx, item, []string{"python3", "-c", script})
	}
	if path, ok := item.Args["script_path"].(string); ok && path != "" {
		return e.runSandboxed(ctx, item, []string{"python3", path})
	}
	return "", 0, &ErrInvalidConfig{Component: "executor", Reason: "python executor requires script or script_path"}
}

func (e *Executor) runSandboxed(ctx context.Context, item *WorkItem, argv []string) (string, int, error) {
	if e.sandbox == nil {
		return "", 0, &ErrInvalidConfig{Component: "executor", Reason: "no sandbox configured"}
	}
	timeout := item.Budget.MaxWallTimeSeconds
	if timeout <= 0 {
		timeout = 300
	}
	res, err := e.sandbox.Exec(ctx, ExecSpec{Argv: argv, TimeoutSeconds: timeout})
	if err != nil {
		return "", 0, err
	}
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	tokens := EstimateTokens(output)
	if res.TimedOut {
		return output, tokens, fmt.Errorf("command timed out after %ds", timeout)
	}
	if res.ExitCode != 0 {
		return output, tokens, fmt.Errorf("command exited %d: %s", res.ExitCode, truncateStr(output, 200))
	}
	return output, tokens, nil
}

// resolveArgv accepts a raw command string, a JSON-style list, or an
// object carrying "command", and returns the argv to execute.
func resolveArgv(command any) ([]string, error) {
	switch v := command.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var argv []string
			if err := json.Unmarshal([]byte(trimmed), &argv); err == nil && len(argv) > 0 {
				return argv, nil
			}
		}
		argv := SplitCommand(trimmed)
		if len(argv) == 0 {
			return nil, &ErrInvalidConfig{Component: "executor", Reason: "empty shell command"}
		}
		return argv, nil
	case []string:
		if len(v) == 0 {
			return nil, &ErrInvalidConfig{Component: "executor", Reason: "empty shell command"}
		}
		return v, nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, el := range v {
			s, ok := el.(string)
			if !ok {
				return nil, &ErrInvalidConfig{Component: "executor", Reason: "shell command list must be strings"}
			}
			argv = append(argv, s)
		}
		if len(argv) == 0 {
			return nil, &ErrInvalidConfig{Component: "executor", Reason: "empty shell command"}
		}
		return argv, nil
	case map[string]any:
		return resolveArgv(v["command"])
	default:
		return nil, &ErrInvalidConfig{Component: "executor", Reason: "shell executor requires a command"}
	}
}

// SplitCommand tokenizes a command line on whitespace, honoring single
// and double quotes. It is not a shell: no expansion, no operators. Both
// the executor and the sandbox script runner tokenize through it.
func SplitCommand(s string) []string {
	var argv []string
	var cur strings.Builder
	var quote rune
	inToken := false
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv
}

func (e *Executor) persist(ctx context.Context, item *WorkItem) {
	item.UpdatedAt = NowUnix()
	if err := e.store.Save(ctx, *item); err != nil {
		e.logger.Error("failed to persist work item", "item", item.ID, "error", err)
	}
}

func (e *Executor) auditEvent(ctx context.Context, event string, data map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Log(ctx, event, data); err != nil {
		e.logger.Error("audit write failed", "event", event, "error", err)
	}
}

func verificationFailure(checks []CheckResult) string {
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			failed = append(failed, c.Name+": "+c.Detail)
		}
	}
	return "verification failed: " + strings.Join(failed, "; ")
}
