package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:    "anthropic/claude-sonnet-4-20250514",
			MaxTurns: 20,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18700,
			RateLimitRPM: 60,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.gent/gent.db",
		},
		Permissions: PermissionsConfig{
			RulesPath: "~/.gent/permissions.json",
			Watch:     true,
		},
		Tools: ToolsConfig{
			Parallelism:    4,
			BashTimeoutSec: 120,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GENT_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GENT_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GENT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GENT_POSTGRES_DSN", &c.Storage.PostgresDSN)

	envStr("GENT_MODEL", &c.Agent.Model)
	envStr("GENT_PLAN_MODEL", &c.Agent.PlanModel)
	envStr("GENT_STORAGE", &c.Storage.Backend)
	envStr("GENT_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("GENT_PERMISSION_RULES", &c.Permissions.RulesPath)

	envStr("GENT_HOST", &c.Gateway.Host)
	if v := os.Getenv("GENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("GENT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GENT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GENT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GENT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"` and
// never hit disk.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
