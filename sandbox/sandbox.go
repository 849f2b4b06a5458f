// Package sandbox provides ephemeral, isolated execution environments
// for work-item commands and verification checks: a process-based
// manager with rlimits and optional network-namespace isolation, plus a
// Docker-backed runner for stronger containment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	silas "github.com/DavSimFel/silas"
)

// ErrNetworkIsolationUnavailable is returned by Create when
// network_access=false but the platform cannot isolate the network.
// Creation fails closed: no sandbox is handed out that silently leaks
// network access.
var ErrNetworkIsolationUnavailable = errors.New("sandbox: network isolation unavailable on this platform")

// Config describes one sandbox environment.
type Config struct {
	// WorkDirBase is the directory sandbox work dirs are created under.
	WorkDirBase string
	// MaxMemoryMB and MaxCPUSeconds are hard rlimits; both must be
	// positive.
	MaxMemoryMB   int
	MaxCPUSeconds int
	// NetworkAccess false runs commands inside a fresh network namespace.
	NetworkAccess bool
	// Env is merged into every exec's environment.
	Env map[string]string
	// MaxOutputBytes truncates captured stdout and stderr. Zero uses the
	// default.
	MaxOutputBytes int
}

const defaultMaxOutput = 1 << 20

// handle is one live sandbox.
type handle struct {
	id      string
	workDir string
	cfg     Config
	mu      sync.Mutex
	pids    []int
}

// Manager creates, executes in, and destroys sandboxes. Each handle is
// owned by its creator until Destroy; the manager itself is safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates an empty sandbox manager.
func NewManager() *Manager {
	return &Manager{handles: make(map[string]*handle)}
}

// Create validates the config, provisions a fresh unique work dir, and
// returns the sandbox id.
func (m *Manager) Create(cfg Config) (string, error) {
	if cfg.MaxMemoryMB <= 0 {
		return "", &silas.ErrInvalidConfig{Component: "sandbox", Reason: "max_memory_mb must be positive"}
	}
	if cfg.MaxCPUSeconds <= 0 {
		return "", &silas.ErrInvalidConfig{Component: "sandbox", Reason: "max_cpu_seconds must be positive"}
	}
	if !cfg.NetworkAccess && !networkIsolationSupported() {
		return "", ErrNetworkIsolationUnavailable
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}

	base := cfg.WorkDirBase
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("sandbox: create base dir: %w", err)
	}
	workDir, err := os.MkdirTemp(base, "sbx-*")
	if err != nil {
		return "", fmt.Errorf("sandbox: create work dir: %w", err)
	}

	h := &handle{id: silas.NewID(), workDir: workDir, cfg: cfg}
	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()
	return h.id, nil
}

// WorkDir returns a sandbox's working directory.
func (m *Manager) WorkDir(id string) (string, error) {
	h, err := m.handle(id)
	if err != nil {
		return "", err
	}
	return h.workDir, nil
}

func (m *Manager) handle(id string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, &silas.ErrNotFound{Kind: "sandbox", ID: id}
	}
	return h, nil
}

// shellInterpreters are argv[0] basenames that make a -c argv a shell
// string command, which the sandbox refuses to run.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true,
}

// rejectArgv enforces the argv contract: non-empty, and never a shell
// interpreter evaluating a string via -c (or -lc and friends).
func rejectArgv(argv []string) error {
	if len(argv) == 0 {
		return &silas.ErrInvalidConfig{Component: "sandbox", Reason: "empty argv"}
	}
	if !shellInterpreters[filepath.Base(argv[0])] {
		return nil
	}
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "c") {
			return &silas.ErrInvalidConfig{Component: "sandbox", Reason: "shell -c commands are not allowed; pass argv"}
		}
	}
	return nil
}

// Exec runs argv inside the sandbox. The process gets a scrubbed
// environment (PATH, HOME=<work dir>, config env, call env only), runs
// in its own session with rlimits applied, and is killed as a tree on
// timeout. Output is valid UTF-8 truncated to maxOutputBytes.
func (m *Manager) Exec(ctx context.Context, id string, argv []string, timeout time.Duration, env map[string]string, maxOutputBytes int) (silas.ExecResult, error) {
	h, err := m.handle(id)
	if err != nil {
		return silas.ExecResult{}, err
	}
	if err := rejectArgv(argv); err != nil {
		return silas.ExecResult{}, err
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = h.cfg.MaxOutputBytes
	}
	if timeout <= 0 {
		timeout = time.Duration(h.cfg.MaxCPUSeconds) * time.Second
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = h.workDir
	cmd.Env = buildEnv(h, env)
	cmd.SysProcAttr = sysProcAttr(!h.cfg.NetworkAccess)

	stdout := &limitedBuffer{max: maxOutputBytes}
	stderr := &limitedBuffer{max: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return silas.ExecResult{}, fmt.Errorf("sandbox: start: %w", err)
	}
	pid := cmd.Process.Pid
	h.mu.Lock()
	h.pids = append(h.pids, pid)
	h.mu.Unlock()

	if err := applyRlimits(pid, h.cfg.MaxMemoryMB, h.cfg.MaxCPUSeconds); err != nil {
		killTree(pid)
		_ = cmd.Wait()
		return silas.ExecResult{}, fmt.Errorf("sandbox: rlimits: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
		killTree(pid)
		<-done
	case <-timer.C:
		timedOut = true
		killTree(pid)
		<-done
	}

	res := silas.ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if timedOut {
		res.ExitCode = -1
	}
	return res, nil
}

// buildEnv constructs the scrubbed environment: nothing from the host
// except PATH; HOME points at the sandbox work dir.
func buildEnv(h *handle, callEnv map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + h.workDir,
	}
	for k, v := range h.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range callEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// Destroy kills any tracked processes and removes the work dir.
// Idempotent: destroying an unknown or already-destroyed id succeeds.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	pids := append([]int(nil), h.pids...)
	h.mu.Unlock()
	for _, pid := range pids {
		killTree(pid)
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		return fmt.Errorf("sandbox: remove work dir: %w", err)
	}
	return nil
}

// DestroyAll destroys every live sandbox, returning the first error.
func (m *Manager) DestroyAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := m.Destroy(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// limitedBuffer captures up to max bytes and drops the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() < b.max {
		remaining := b.max - b.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
