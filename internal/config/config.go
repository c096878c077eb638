// Package config loads the runtime configuration from YAML, expanding
// environment variables and applying defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/moor/internal/sandbox"
	"github.com/haasonsaas/moor/internal/toolserver"
	"github.com/haasonsaas/moor/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Store       StoreConfig           `yaml:"store"`
	Provider    ProviderConfig        `yaml:"provider"`
	Runtime     RuntimeConfig         `yaml:"runtime"`
	Sandbox     sandbox.Config        `yaml:"sandbox"`
	ToolServers toolserver.Config     `yaml:"tool_servers"`
	Templates   []*models.TemplateSpec `yaml:"templates"`
	Logging     LoggingConfig         `yaml:"logging"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Tracing     TracingConfig         `yaml:"tracing"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Backend: memory, file, or sqlite.
	Backend string `yaml:"backend"`

	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	// Name: anthropic or openai.
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RuntimeConfig carries the per-agent orchestration knobs.
type RuntimeConfig struct {
	MaxToolRounds      int           `yaml:"max_tool_rounds"`
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
	DecisionTimeout    time.Duration `yaml:"decision_timeout"`
	ExposeThinking     bool          `yaml:"expose_thinking"`
	RetainThinking     bool          `yaml:"retain_thinking"`
	ReasoningTransport string        `yaml:"reasoning_transport"`
	EventBuffer        int           `yaml:"event_buffer"`

	// MaxAgents caps the process-wide agent pool.
	MaxAgents int `yaml:"max_agents"`
}

// LoggingConfig mirrors observability.LogConfig.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses configuration bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = ".moor"
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Runtime.MaxToolRounds == 0 {
		cfg.Runtime.MaxToolRounds = 10
	}
	if cfg.Runtime.ReasoningTransport == "" {
		cfg.Runtime.ReasoningTransport = "provider"
	}
	if cfg.Runtime.MaxAgents == 0 {
		cfg.Runtime.MaxAgents = 16
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.ToolServers.Prefix == "" {
		cfg.ToolServers.Prefix = toolserver.DefaultPrefix
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}

	switch c.Runtime.ReasoningTransport {
	case "provider", "internal", "none":
	default:
		return fmt.Errorf("config: unknown reasoning transport %q", c.Runtime.ReasoningTransport)
	}

	seen := map[string]bool{}
	for _, tpl := range c.Templates {
		if tpl.ID == "" {
			return fmt.Errorf("config: template without id")
		}
		if seen[tpl.ID] {
			return fmt.Errorf("config: duplicate template %q", tpl.ID)
		}
		seen[tpl.ID] = true
		if p := tpl.Permission; p != nil {
			switch p.Mode {
			case "", models.PermissionAuto, models.PermissionReadOnly,
				models.PermissionApproval, models.PermissionPlan:
			default:
				return fmt.Errorf("config: template %s: unknown permission mode %q", tpl.ID, p.Mode)
			}
		}
	}

	for _, srv := range c.ToolServers.Servers {
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Template returns the named template spec.
func (c *Config) Template(id string) (*models.TemplateSpec, bool) {
	for _, tpl := range c.Templates {
		if tpl.ID == id {
			return tpl, true
		}
	}
	return nil, false
}
