package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	silas "github.com/DavSimFel/silas"
)

func testConfig(t *testing.T) Config {
	return Config{
		WorkDirBase:   t.TempDir(),
		MaxMemoryMB:   256,
		MaxCPUSeconds: 10,
		NetworkAccess: true,
	}
}

func create(t *testing.T, m *Manager, cfg Config) string {
	t.Helper()
	id, err := m.Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Destroy(id) })
	return id
}

func TestCreateValidatesLimits(t *testing.T) {
	m := NewManager()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero memory", func(c *Config) { c.MaxMemoryMB = 0 }},
		{"negative memory", func(c *Config) { c.MaxMemoryMB = -1 }},
		{"zero cpu", func(c *Config) { c.MaxCPUSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			if _, err := m.Create(cfg); err == nil {
				t.Error("invalid config accepted")
			} else {
				var cfgErr *silas.ErrInvalidConfig
				if !errors.As(err, &cfgErr) {
					t.Errorf("want *ErrInvalidConfig, got %T", err)
				}
			}
		})
	}
}

func TestCreateFailsClosedOnNetworkIsolation(t *testing.T) {
	m := NewManager()
	cfg := testConfig(t)
	cfg.NetworkAccess = false
	id, err := m.Create(cfg)
	if networkIsolationSupported() {
		if err != nil {
			t.Fatalf("isolation supported but create failed: %v", err)
		}
		m.Destroy(id)
		return
	}
	if !errors.Is(err, ErrNetworkIsolationUnavailable) {
		t.Errorf("err = %v, want ErrNetworkIsolationUnavailable", err)
	}
}

func TestCreateProvisionsUniqueWorkDirs(t *testing.T) {
	m := NewManager()
	cfg := testConfig(t)
	a := create(t, m, cfg)
	b := create(t, m, cfg)

	dirA, err := m.WorkDir(a)
	if err != nil {
		t.Fatal(err)
	}
	dirB, _ := m.WorkDir(b)
	if dirA == dirB {
		t.Error("sandboxes share a work dir")
	}
	if _, err := os.Stat(dirA); err != nil {
		t.Errorf("work dir missing: %v", err)
	}
	if !strings.HasPrefix(dirA, cfg.WorkDirBase) {
		t.Errorf("work dir %q outside base %q", dirA, cfg.WorkDirBase)
	}
}

func TestRejectArgv(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"empty", nil, true},
		{"plain command", []string{"echo", "hi"}, false},
		{"bash dash c", []string{"bash", "-c", "echo hi"}, true},
		{"sh dash c", []string{"sh", "-c", "rm -rf /"}, true},
		{"absolute shell path", []string{"/bin/sh", "-c", "x"}, true},
		{"combined flags", []string{"bash", "-lc", "x"}, true},
		{"shell running a script file", []string{"bash", "script.sh"}, false},
		{"non-shell with -c", []string{"python3", "-c", "print(1)"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rejectArgv(tt.argv)
			if (err != nil) != tt.wantErr {
				t.Errorf("rejectArgv(%v) = %v, wantErr %v", tt.argv, err, tt.wantErr)
			}
		})
	}
}

func TestExecCapturesOutput(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))

	res, err := m.Exec(context.Background(), id, []string{"echo", "hello"}, 5*time.Second, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("result = %+v", res)
	}
	if res.TimedOut {
		t.Error("spurious timeout")
	}
}

func TestExecNonZeroExit(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))

	res, err := m.Exec(context.Background(), id, []string{"false"}, 5*time.Second, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == 0 {
		t.Errorf("exit code = %d, want non-zero", res.ExitCode)
	}
}

func TestExecTimeoutKillsProcess(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))

	start := time.Now()
	res, err := m.Exec(context.Background(), id, []string{"sleep", "30"}, 200*time.Millisecond, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v, want timed out with exit -1", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}

func TestExecScrubsEnvironment(t *testing.T) {
	t.Setenv("SANDBOX_TEST_SECRET", "leak-me")
	m := NewManager()
	cfg := testConfig(t)
	cfg.Env = map[string]string{"CFG_VAR": "from-config"}
	id := create(t, m, cfg)

	res, err := m.Exec(context.Background(), id, []string{"env"}, 5*time.Second, map[string]string{"CALL_VAR": "from-call"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Stdout, "SANDBOX_TEST_SECRET") {
		t.Error("host environment leaked into the sandbox")
	}
	for _, want := range []string{"CFG_VAR=from-config", "CALL_VAR=from-call"} {
		if !strings.Contains(res.Stdout, want) {
			t.Errorf("missing %s in sandbox env", want)
		}
	}
	dir, _ := m.WorkDir(id)
	if !strings.Contains(res.Stdout, "HOME="+dir) {
		t.Error("HOME should point at the sandbox work dir")
	}
}

func TestExecTruncatesOutput(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))

	res, err := m.Exec(context.Background(), id, []string{"echo", strings.Repeat("x", 1000)}, 5*time.Second, nil, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) > 16 {
		t.Errorf("stdout is %d bytes, limit 16", len(res.Stdout))
	}
}

func TestExecRejectsShellArgv(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))
	if _, err := m.Exec(context.Background(), id, []string{"sh", "-c", "echo hi"}, time.Second, nil, 0); err == nil {
		t.Error("shell -c argv accepted")
	}
	if _, err := m.Exec(context.Background(), id, nil, time.Second, nil, 0); err == nil {
		t.Error("empty argv accepted")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := NewManager()
	id := create(t, m, testConfig(t))
	dir, _ := m.WorkDir(id)

	if err := m.Destroy(id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("work dir survived destroy")
	}
	if err := m.Destroy(id); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	if err := m.Destroy("never-existed"); err != nil {
		t.Errorf("unknown id destroy: %v", err)
	}
	if _, err := m.WorkDir(id); err == nil {
		t.Error("destroyed sandbox still resolvable")
	}
}

func TestDestroyAll(t *testing.T) {
	m := NewManager()
	cfg := testConfig(t)
	a := create(t, m, cfg)
	b := create(t, m, cfg)
	if err := m.DestroyAll(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a, b} {
		if _, err := m.WorkDir(id); err == nil {
			t.Errorf("sandbox %s survived DestroyAll", id)
		}
	}
}

func TestRunnerDestroysPerCall(t *testing.T) {
	m := NewManager()
	r := NewRunner(m, testConfig(t))

	res, err := r.Exec(context.Background(), silas.ExecSpec{
		Argv:           []string{"echo", "once"},
		TimeoutSeconds: 5,
		Network:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "once" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	m.mu.Lock()
	live := len(m.handles)
	m.mu.Unlock()
	if live != 0 {
		t.Errorf("%d sandboxes leaked after the call", live)
	}
}

func TestGateScriptRunner(t *testing.T) {
	m := NewManager()
	g := NewGateScriptRunner(NewRunner(m, Config{
		WorkDirBase:   t.TempDir(),
		MaxMemoryMB:   256,
		MaxCPUSeconds: 10,
		// Checks run without network; skip when isolation is unavailable.
	}))
	if !networkIsolationSupported() {
		t.Skip("network isolation unavailable")
	}

	code, out, err := g.RunCheck(context.Background(), "echo ok", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 || strings.TrimSpace(out) != "ok" {
		t.Errorf("code=%d out=%q", code, out)
	}

	if _, _, err := g.RunCheck(context.Background(), "   ", time.Second); err == nil {
		t.Error("empty check command accepted")
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 5}
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if b.String() != "hello" {
		t.Errorf("buffer = %q, want truncated to 5 bytes", b.String())
	}
	b.Write([]byte("more"))
	if b.String() != "hello" {
		t.Errorf("full buffer accepted more: %q", b.String())
	}
}
