package sandbox

import (
	"context"
	"time"

	silas "github.com/DavSimFel/silas"
)

// Runner adapts the Manager to the executor's exec surface: each call
// provisions a fresh sandbox, runs the command, and always destroys the
// sandbox, even on error.
type Runner struct {
	manager *Manager
	base    Config
}

// NewRunner creates a per-call sandbox runner. The base config supplies
// limits and the work dir base; network and directory overrides come
// from each call's ExecSpec.
func NewRunner(m *Manager, base Config) *Runner {
	return &Runner{manager: m, base: base}
}

// compile-time check
var _ silas.SandboxExec = (*Runner)(nil)

func (r *Runner) Exec(ctx context.Context, spec silas.ExecSpec) (silas.ExecResult, error) {
	cfg := r.base
	cfg.NetworkAccess = spec.Network
	if spec.Dir != "" {
		cfg.WorkDirBase = spec.Dir
	}
	id, err := r.manager.Create(cfg)
	if err != nil {
		return silas.ExecResult{}, err
	}
	defer r.manager.Destroy(id)

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	return r.manager.Exec(ctx, id, spec.Argv, timeout, spec.Env, 0)
}

// GateScriptRunner adapts a Runner to the gate runner's script provider:
// the check command is tokenized and executed without network access.
type GateScriptRunner struct {
	runner *Runner
}

// NewGateScriptRunner wraps a Runner for script gates.
func NewGateScriptRunner(r *Runner) *GateScriptRunner {
	return &GateScriptRunner{runner: r}
}

// compile-time check
var _ silas.ScriptRunner = (*GateScriptRunner)(nil)

func (g *GateScriptRunner) RunCheck(ctx context.Context, command string, timeout time.Duration) (int, string, error) {
	argv := silas.SplitCommand(command)
	if len(argv) == 0 {
		return -1, "", &silas.ErrInvalidConfig{Component: "sandbox", Reason: "empty check command"}
	}
	res, err := g.runner.Exec(ctx, silas.ExecSpec{
		Argv:           argv,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		return -1, "", err
	}
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	return res.ExitCode, output, nil
}
