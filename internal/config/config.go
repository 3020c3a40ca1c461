// Package config loads and validates the browser agent's configuration:
// step budgets, the LLM provider's credentials, and the debugger backend
// address, following this codebase's YAML/JSON5-with-$include loader and
// generated-JSON-Schema conventions.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the root configuration for a browseragent run. It is
// deliberately small: the core's only external dependencies are the LLM
// provider, the debugger backend, and a handful of tunables the spec names
// explicitly (step budgets, pruning window, research fan-out, sub-task
// timeout).
type Config struct {
	Version int `yaml:"version" json:"version"`

	Agent         AgentConfig         `yaml:"agent" json:"agent"`
	Research      ResearchConfig      `yaml:"research" json:"research"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	Browser       BrowserConfig       `yaml:"browser" json:"browser"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// AgentConfig controls the single-tab Agent Loop's step budget and
// transcript-pruning window.
type AgentConfig struct {
	// MaxSteps is the single-tab agent's step budget. Default 30.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`
	// SubTaskMaxSteps is a research sub-task's step budget. Default 20.
	SubTaskMaxSteps int `yaml:"sub_task_max_steps" json:"sub_task_max_steps"`
	// PruningWindow is K, the number of most recent tool-exchange rounds
	// kept verbatim in the transcript. Default 6.
	PruningWindow int `yaml:"pruning_window" json:"pruning_window"`
}

// ResearchConfig controls the Research Orchestrator's fan-out.
type ResearchConfig struct {
	// MaxTabs is MAX_RESEARCH_TABS, the cap on decomposed sub-tasks.
	// Default 5.
	MaxTabs int `yaml:"max_tabs" json:"max_tabs"`
	// SubTaskTimeout is the wall-clock budget for one sub-task. Default 90s.
	SubTaskTimeout time.Duration `yaml:"sub_task_timeout" json:"sub_task_timeout"`
}

// LLMConfig is the OpenAI-compatible provider's connection settings.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
}

// BrowserConfig is the CDP debugger backend's connection settings.
type BrowserConfig struct {
	// RemoteDebuggingAddress is the Chrome/Chromium remote-debugging
	// endpoint, e.g. "http://localhost:9222".
	RemoteDebuggingAddress string `yaml:"remote_debugging_address" json:"remote_debugging_address"`
}

// LoggingConfig controls the root slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ObservabilityConfig controls the OpenTelemetry tracer. Leaving Endpoint
// empty (the default) yields a no-op tracer, matching
// observability.NewTracer's own empty-endpoint behavior.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	// SamplingRate is the fraction of runs traced, 0.0-1.0. Default 1.0.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	// Insecure disables TLS on the OTLP connection (local collector, dev only).
	Insecure bool `yaml:"insecure" json:"insecure"`
}

// Load reads, expands, $include-merges, and decodes a config file, applying
// defaults and validating the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = 30
	}
	if cfg.Agent.SubTaskMaxSteps <= 0 {
		cfg.Agent.SubTaskMaxSteps = 20
	}
	if cfg.Agent.PruningWindow <= 0 {
		cfg.Agent.PruningWindow = 6
	}
	if cfg.Research.MaxTabs <= 0 {
		cfg.Research.MaxTabs = 5
	}
	if cfg.Research.SubTaskTimeout <= 0 {
		cfg.Research.SubTaskTimeout = 90 * time.Second
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.Browser.RemoteDebuggingAddress == "" {
		cfg.Browser.RemoteDebuggingAddress = "http://localhost:9222"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.SamplingRate <= 0 {
		cfg.Observability.SamplingRate = 1.0
	}
}

// applyEnvOverrides lets the LLM API key come from the environment rather
// than a config file on disk, the common case for a CLI tool.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("BROWSERAGENT_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = endpoint
	}
}

// ConfigValidationError describes a config field that failed validation.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func validateConfig(cfg *Config) error {
	if err := ValidateVersion(cfg.Version); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		return &ConfigValidationError{Field: "llm.api_key", Reason: "missing (set llm.api_key or the OPENAI_API_KEY environment variable)"}
	}
	if cfg.Agent.MaxSteps < 1 {
		return &ConfigValidationError{Field: "agent.max_steps", Reason: "must be at least 1"}
	}
	if cfg.Research.MaxTabs < 1 {
		return &ConfigValidationError{Field: "research.max_tabs", Reason: "must be at least 1"}
	}
	return nil
}
