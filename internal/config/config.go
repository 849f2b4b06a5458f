// Package config loads the runtime configuration: defaults, then a TOML
// file, then SILAS_* environment overrides (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Data     DataConfig     `toml:"data"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Context  ContextConfig  `toml:"context"`
	Executor ExecutorConfig `toml:"executor"`
	Agent    AgentConfig    `toml:"agent"`
	Approval ApprovalConfig `toml:"approval"`
	Access   AccessConfig   `toml:"access"`
	Gates    []GateConfig   `toml:"gates"`
	Observer ObserverConfig `toml:"observer"`
}

type DataConfig struct {
	// Dir is the root of the runtime data tree; the stores and sandbox
	// work dirs live under it.
	Dir           string `toml:"dir"`
	ChroniclePath string `toml:"chronicle_path"`
	AuditPath     string `toml:"audit_path"`
	// PostgresURL switches the chronicle and work-item stores to
	// PostgreSQL when set; SQLite remains the default.
	PostgresURL string `toml:"postgres_url"`
}

type SandboxConfig struct {
	WorkDir        string `toml:"work_dir"`
	VerifyDir      string `toml:"verify_dir"`
	MaxMemoryMB    int    `toml:"max_memory_mb"`
	MaxCPUSeconds  int    `toml:"max_cpu_seconds"`
	MaxOutputBytes int    `toml:"max_output_bytes"`
	// DockerImage switches command execution to throwaway containers.
	DockerImage string `toml:"docker_image"`
}

type ContextConfig struct {
	WindowTokens   int    `toml:"window_tokens"`
	DefaultProfile string `toml:"default_profile"`
	RehydrateDepth int    `toml:"rehydrate_depth"`
	// Scorer selects the eviction scorer: "local" (default) or "llm"
	// for agent-advised eviction.
	Scorer string `toml:"scorer"`
}

type ExecutorConfig struct {
	DefaultMaxAttempts int `toml:"default_max_attempts"`
	DefaultMaxTokens   int `toml:"default_max_tokens"`
}

type AgentConfig struct {
	// URL is the JSON agent endpoint the runtime routes turns through.
	URL string `toml:"url"`
	// TimeoutSeconds bounds each agent call. Default: 60.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type ApprovalConfig struct {
	// Passphrase signs approval tokens. Never put it in the TOML file;
	// set SILAS_SIGNING_PASSPHRASE instead.
	Passphrase string `toml:"-"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

type AccessConfig struct {
	OwnerID string        `toml:"owner_id"`
	Levels  []AccessLevel `toml:"levels"`
}

type AccessLevel struct {
	Name         string   `toml:"name"`
	Requires     []string `toml:"requires"`
	Tools        []string `toml:"tools"`
	ExpiresAfter int      `toml:"expires_after"`
}

type GateConfig struct {
	Name    string         `toml:"name"`
	Type    string         `toml:"type"`
	Lane    string         `toml:"lane"`
	Trigger string         `toml:"trigger"`
	OnBlock string         `toml:"on_block"`
	Config  map[string]any `toml:"config"`
}

type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Data: DataConfig{
			Dir:           "data",
			ChroniclePath: filepath.Join("data", "chronicle.db"),
			AuditPath:     filepath.Join("data", "audit.db"),
		},
		Sandbox: SandboxConfig{
			WorkDir:       filepath.Join("data", "sandbox", "work"),
			VerifyDir:     filepath.Join("data", "sandbox", "verify"),
			MaxMemoryMB:   512,
			MaxCPUSeconds: 60,
		},
		Context: ContextConfig{
			WindowTokens:   32000,
			DefaultProfile: "conversation",
			RehydrateDepth: 50,
			Scorer:         "local",
		},
		Executor: ExecutorConfig{
			DefaultMaxAttempts: 3,
		},
		Agent:    AgentConfig{TimeoutSeconds: 60},
		Approval: ApprovalConfig{TTLSeconds: 900},
		Access:   AccessConfig{},
		Observer: ObserverConfig{ServiceName: "silas"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "silas.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("SILAS_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("SILAS_POSTGRES_URL"); v != "" {
		cfg.Data.PostgresURL = v
	}
	if v := os.Getenv("SILAS_OWNER_ID"); v != "" {
		cfg.Access.OwnerID = v
	}
	if v := os.Getenv("SILAS_SIGNING_PASSPHRASE"); v != "" {
		cfg.Approval.Passphrase = v
	}
	if v := os.Getenv("SILAS_AGENT_URL"); v != "" {
		cfg.Agent.URL = v
	}
	if v := os.Getenv("SILAS_DOCKER_IMAGE"); v != "" {
		cfg.Sandbox.DockerImage = v
	}
	if v := os.Getenv("SILAS_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("SILAS_WINDOW_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Context.WindowTokens = n
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Sandbox.MaxMemoryMB <= 0 {
		return fmt.Errorf("config: sandbox.max_memory_mb must be positive")
	}
	if c.Sandbox.MaxCPUSeconds <= 0 {
		return fmt.Errorf("config: sandbox.max_cpu_seconds must be positive")
	}
	if c.Context.WindowTokens <= 0 {
		return fmt.Errorf("config: context.window_tokens must be positive")
	}
	switch c.Context.Scorer {
	case "", "local", "llm":
	default:
		return fmt.Errorf("config: context.scorer must be \"local\" or \"llm\", got %q", c.Context.Scorer)
	}
	for _, g := range c.Gates {
		if g.Name == "" {
			return fmt.Errorf("config: gate with empty name")
		}
		if g.Lane != "" && g.Lane != "policy" && g.Lane != "quality" {
			return fmt.Errorf("config: gate %s: unknown lane %q", g.Name, g.Lane)
		}
	}
	return nil
}
