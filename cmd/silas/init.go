package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultTOML is the commented config written by `silas init`. Values
// mirror config.Default(); everything is optional except the signing
// passphrase, which comes from the environment, never this file.
const defaultTOML = `# Silas runtime configuration.
# Secrets (SILAS_SIGNING_PASSPHRASE, SILAS_AGENT_URL, ...) come from the
# environment and override anything here.

[data]
dir = "data"
chronicle_path = "data/chronicle.db"
audit_path = "data/audit.db"
# postgres_url = "postgres://silas@localhost/silas"

[sandbox]
work_dir = "data/sandbox/work"
verify_dir = "data/sandbox/verify"
max_memory_mb = 512
max_cpu_seconds = 60
# docker_image = "python:3.12-slim"

[context]
window_tokens = 32000
default_profile = "conversation"
rehydrate_depth = 50
# scorer = "llm" switches eviction advice to the agent endpoint
scorer = "local"

[executor]
default_max_attempts = 3

[agent]
# url = "http://localhost:8600/agent"
timeout_seconds = 60

[approval]
ttl_seconds = 900

[access]
owner_id = ""

[observer]
enabled = false
service_name = "silas"
# otlp_endpoint = "localhost:4318"

# [[gates]]
# name = "pii"
# type = "pii_marker"
# trigger = "every_agent_response"
# on_block = "redact"
`

// initWorkspace writes the default config and creates the data tree.
// An existing config file is left untouched.
func initWorkspace(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTOML), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	for _, dir := range []string{
		"data",
		filepath.Join("data", "sandbox", "work"),
		filepath.Join("data", "sandbox", "verify"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
