// Package config holds the resolved runtime configuration. The file format is
// JSON5; env vars overlay file values and always win.
package config

import (
	"encoding/json"
	"os"
)

// Config is the root configuration for the Gent runtime.
type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Providers   ProvidersConfig   `json:"providers"`
	Gateway     GatewayConfig     `json:"gateway"`
	Storage     StorageConfig     `json:"storage"`
	Permissions PermissionsConfig `json:"permissions"`
	Checkpoint  CheckpointConfig  `json:"checkpoint"`
	Tools       ToolsConfig       `json:"tools"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
}

// AgentConfig sets loop defaults shared by every session.
type AgentConfig struct {
	Model     string `json:"model"`
	PlanModel string `json:"plan_model,omitempty"`
	MaxTurns  int    `json:"max_turns"`
}

// ProvidersConfig carries per-provider credentials. API keys come from env
// (GENT_*_API_KEY) and are never written back to the config file.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig configures one provider client.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
}

// GatewayConfig configures the websocket RPC server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env GENT_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// rate_limit_rpm > 0 enables per-client rate limiting at that RPM.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend     string `json:"backend"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env GENT_POSTGRES_DSN only
}

// PermissionsConfig locates the rules file.
type PermissionsConfig struct {
	RulesPath string `json:"rules_path,omitempty"`
	Watch     bool   `json:"watch"`
}

// CheckpointConfig tunes compaction.
type CheckpointConfig struct {
	Threshold    int    `json:"threshold,omitempty"`
	SummaryModel string `json:"summary_model,omitempty"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	Parallelism    int `json:"parallelism"`
	BashTimeoutSec int `json:"bash_timeout_sec,omitempty"`
}

// TelemetryConfig configures the OTLP/HTTP trace exporter.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled"`
	Endpoint     string  `json:"endpoint,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty"`
	Insecure     bool    `json:"insecure,omitempty"`
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for exposing the
// config over the wire. Secret fields carry `json:"-"` so the round trip
// drops them; the mask is set afterwards for any that were present.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	mask(c.Providers.Anthropic.APIKey, &cp.Providers.Anthropic.APIKey)
	mask(c.Providers.OpenAI.APIKey, &cp.Providers.OpenAI.APIKey)
	mask(c.Gateway.Token, &cp.Gateway.Token)
	mask(c.Storage.PostgresDSN, &cp.Storage.PostgresDSN)
	return cp
}

func mask(src string, dst *string) {
	if src != "" {
		*dst = secretMask
	} else {
		*dst = ""
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
