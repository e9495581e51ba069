package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Completion scopes for onboarding.completion_scope.
const (
	// ScopeAll gates a stage on every task drafted for it.
	ScopeAll = "all"
	// ScopeRequired gates a stage only on tasks from required task sets.
	ScopeRequired = "required"
)

// Config models crmflow.yml.
type Config struct {
	Onboarding struct {
		CompletionScope string `yaml:"completion_scope"`
		DedupeTasks     *bool  `yaml:"dedupe_tasks"`
	} `yaml:"onboarding"`
	Store struct {
		TxTimeout time.Duration `yaml:"tx_timeout"`
	} `yaml:"store"`
	Activation struct {
		RequireFinancialSetup *bool `yaml:"require_financial_setup"`
	} `yaml:"activation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one audit-log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Actions        []string `yaml:"actions"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled reports whether the webhook should receive deliveries.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Wants reports whether the webhook subscribes to action. No actions means all.
func (w WebhookConfig) Wants(action string) bool {
	if len(w.Actions) == 0 {
		return true
	}
	for _, a := range w.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// Dedupe reports whether EnterStage skips templates that already have a task
// for the same agent and stage.
func (c *Config) Dedupe() bool {
	return c.Onboarding.DedupeTasks == nil || *c.Onboarding.DedupeTasks
}

// Scope returns the completion scope, defaulting to ScopeAll.
func (c *Config) Scope() string {
	if c.Onboarding.CompletionScope == "" {
		return ScopeAll
	}
	return c.Onboarding.CompletionScope
}

// TxTimeout bounds each store transaction.
func (c *Config) TxTimeout() time.Duration {
	if c.Store.TxTimeout <= 0 {
		return 10 * time.Second
	}
	return c.Store.TxTimeout
}

// RequireFinancialSetup reports whether activation needs the financial setup flag.
func (c *Config) RequireFinancialSetup() bool {
	return c.Activation.RequireFinancialSetup == nil || *c.Activation.RequireFinancialSetup
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Onboarding.CompletionScope {
	case "", ScopeAll, ScopeRequired:
	default:
		return fmt.Errorf("config.onboarding.completion_scope must be %q or %q", ScopeAll, ScopeRequired)
	}
	if c.Store.TxTimeout < 0 {
		return fmt.Errorf("config.store.tx_timeout must not be negative")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, a := range wh.Actions {
			if a == "" {
				return fmt.Errorf("config.webhooks[%d] has empty action", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crmflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `onboarding:
  # all: every task drafted for a stage gates its completion.
  # required: only tasks from required task sets gate it.
  completion_scope: all
  dedupe_tasks: true

store:
  tx_timeout: 10s

activation:
  require_financial_setup: true

webhooks: []
`
