package silas

// WorkItemStatus is a work item's lifecycle state.
type WorkItemStatus string

const (
	StatusPending WorkItemStatus = "pending"
	StatusRunning WorkItemStatus = "running"
	StatusHealthy WorkItemStatus = "healthy"
	StatusStuck   WorkItemStatus = "stuck"
	StatusPaused  WorkItemStatus = "paused"
	StatusDone    WorkItemStatus = "done"
	StatusFailed  WorkItemStatus = "failed"
	StatusBlocked WorkItemStatus = "blocked"
)

// Budget bounds a work item's execution. Zero means unlimited for that
// dimension, except MaxAttempts which defaults to 1.
type Budget struct {
	MaxAttempts        int `json:"max_attempts,omitempty"`
	MaxTokens          int `json:"max_tokens,omitempty"`
	MaxWallTimeSeconds int `json:"max_wall_time_seconds,omitempty"`
	MaxPlannerCalls    int `json:"max_planner_calls,omitempty"`
}

// BudgetUsed accumulates consumption across attempts and dependencies.
type BudgetUsed struct {
	Attempts        int     `json:"attempts"`
	Tokens          int     `json:"tokens"`
	WallTimeSeconds float64 `json:"wall_time_seconds"`
	PlannerCalls    int     `json:"planner_calls"`
	ExecutorRuns    int     `json:"executor_runs"`
}

// Merge adds another item's consumption into this one.
func (u *BudgetUsed) Merge(other BudgetUsed) {
	u.Attempts += other.Attempts
	u.Tokens += other.Tokens
	u.WallTimeSeconds += other.WallTimeSeconds
	u.PlannerCalls += other.PlannerCalls
	u.ExecutorRuns += other.ExecutorRuns
}

// Exhausted reports whether any bounded dimension is spent, naming the
// first exhausted dimension.
func (u BudgetUsed) Exhausted(b Budget) (bool, string) {
	if b.MaxTokens > 0 && u.Tokens >= b.MaxTokens {
		return true, "tokens"
	}
	if b.MaxWallTimeSeconds > 0 && u.WallTimeSeconds >= float64(b.MaxWallTimeSeconds) {
		return true, "wall_time"
	}
	if b.MaxPlannerCalls > 0 && u.PlannerCalls >= b.MaxPlannerCalls {
		return true, "planner_calls"
	}
	return false, ""
}

// maxAttempts returns the attempt ceiling, defaulting to 1.
func (b Budget) maxAttempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}

// Expectation is the single predicate a verification check evaluates
// against its command's merged output. Exactly one field must be set.
type Expectation struct {
	ExitCode   *int     `json:"exit_code,omitempty"`
	Equals     *string  `json:"equals,omitempty"`
	Contains   *string  `json:"contains,omitempty"`
	Regex      *string  `json:"regex,omitempty"`
	OutputLT   *float64 `json:"output_lt,omitempty"`
	OutputGT   *float64 `json:"output_gt,omitempty"`
	FileExists *string  `json:"file_exists,omitempty"`
	NotEmpty   *bool    `json:"not_empty,omitempty"`
}

// VerificationCheck is one external check run after a successful attempt.
type VerificationCheck struct {
	Name           string      `json:"name"`
	Run            string      `json:"run"`
	Expect         Expectation `json:"expect"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
	Network        bool        `json:"network,omitempty"`
}

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
	Output string `json:"output,omitempty"`
}

// ExecutorType selects how a work item's body is executed.
type ExecutorType string

const (
	ExecutorSkill  ExecutorType = "skill"
	ExecutorShell  ExecutorType = "shell"
	ExecutorPython ExecutorType = "python"
)

// WorkItem is one unit of executable work with its own budget,
// dependencies, verification, and approval.
type WorkItem struct {
	ID       string       `json:"id"`
	Parent   string       `json:"parent,omitempty"`
	Scope    string       `json:"scope,omitempty"`
	Type     string       `json:"type,omitempty"`
	Title    string       `json:"title"`
	Body     string       `json:"body,omitempty"`
	Executor ExecutorType `json:"executor"`
	Skills   []string     `json:"skills,omitempty"`
	// Args carries executor-specific arguments: "command" for shell,
	// "script" or "script_path" for python.
	Args map[string]any `json:"args,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`
	// Tasks are sub-item ids of a root item; they join the closure even
	// when no depends_on edge names them.
	Tasks []string `json:"tasks,omitempty"`

	Status     WorkItemStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	Budget     Budget         `json:"budget"`
	BudgetUsed BudgetUsed     `json:"budget_used"`

	Checks              []VerificationCheck `json:"checks,omitempty"`
	VerificationResults []CheckResult       `json:"verification_results,omitempty"`

	// OnStuck selects recovery when attempts run out: "consult_planner"
	// or "fail" (default).
	OnStuck string `json:"on_stuck,omitempty"`

	ApprovalToken      string   `json:"approval_token,omitempty"`
	InputArtifactsFrom []string `json:"input_artifacts_from,omitempty"`
	Gates              []Gate   `json:"gates,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// WorkItemResult is the executor's verdict for one item (or a root item
// with its closure's aggregate budget attached).
type WorkItemResult struct {
	ID         string         `json:"id"`
	Status     WorkItemStatus `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	BudgetUsed BudgetUsed     `json:"budget_used"`
	Checks     []CheckResult  `json:"checks,omitempty"`
}
