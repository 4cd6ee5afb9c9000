package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docforge/internal/content"
	"docforge/internal/events"
)

const (
	FileName = "docforge.yml"

	DegradedAnnotate = "annotate"
	DegradedSilent   = "silent"

	// CallTimeoutCeiling bounds every per-call timeout, including per-unit overrides.
	CallTimeoutCeiling = 5 * time.Minute
)

// Config models docforge.yml.
type Config struct {
	Generation Generation      `yaml:"generation"`
	Generator  Generator       `yaml:"generator"`
	Webhooks   []WebhookConfig `yaml:"webhooks,omitempty"`
}

type Generation struct {
	MaxAttempts     int                      `yaml:"max_attempts"`
	BaseDelay       Duration                 `yaml:"base_delay"`
	MaxDelay        Duration                 `yaml:"max_delay"`
	CallTimeout     Duration                 `yaml:"call_timeout"`
	MaxCallTimeout  Duration                 `yaml:"max_call_timeout"`
	UnitTimeouts    map[content.Key]Duration `yaml:"unit_timeouts,omitempty"`
	InterUnitDelay  Duration                 `yaml:"inter_unit_delay"`
	LeaseTTL        Duration                 `yaml:"lease_ttl"`
	Temperature     float64                  `yaml:"temperature"`
	MaxTokens       int                      `yaml:"max_tokens"`
	DegradedContext string                   `yaml:"degraded_context"`
}

type Generator struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the generator key from the configured environment variable.
func (g Generator) APIKey() string {
	if g.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.APIKeyEnv)
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(defaultTemplate), cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with df config init", path)
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

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	g := c.Generation
	if g.MaxAttempts < 1 {
		return fmt.Errorf("config.generation.max_attempts must be at least 1")
	}
	if g.BaseDelay <= 0 {
		return fmt.Errorf("config.generation.base_delay must be positive")
	}
	if g.MaxDelay < g.BaseDelay {
		return fmt.Errorf("config.generation.max_delay must not be below base_delay")
	}
	if g.CallTimeout <= 0 {
		return fmt.Errorf("config.generation.call_timeout must be positive")
	}
	if g.MaxCallTimeout.D() > CallTimeoutCeiling {
		return fmt.Errorf("config.generation.max_call_timeout must not exceed %s", CallTimeoutCeiling)
	}
	if g.CallTimeout > g.MaxCallTimeout {
		return fmt.Errorf("config.generation.call_timeout exceeds max_call_timeout %s", g.MaxCallTimeout)
	}
	for key, d := range g.UnitTimeouts {
		if _, ok := content.Lookup(content.KindCurriculumPackage, key); !ok {
			return fmt.Errorf("config.generation.unit_timeouts has unknown unit %s", key)
		}
		if d <= 0 || d > g.MaxCallTimeout {
			return fmt.Errorf("config.generation.unit_timeouts.%s must be between 0 and %s", key, g.MaxCallTimeout)
		}
	}
	if g.InterUnitDelay < 0 {
		return fmt.Errorf("config.generation.inter_unit_delay must not be negative")
	}
	if g.LeaseTTL <= 0 {
		return fmt.Errorf("config.generation.lease_ttl must be positive")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("config.generation.temperature must be between 0 and 2")
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("config.generation.max_tokens must not be negative")
	}
	switch g.DegradedContext {
	case DegradedAnnotate, DegradedSilent:
	default:
		return fmt.Errorf("config.generation.degraded_context must be %s or %s", DegradedAnnotate, DegradedSilent)
	}
	if strings.TrimSpace(c.Generator.BaseURL) == "" {
		return fmt.Errorf("config.generator.base_url is required")
	}
	if strings.TrimSpace(c.Generator.Model) == "" {
		return fmt.Errorf("config.generator.model is required")
	}
	known := make(map[string]bool, len(events.Types))
	for _, t := range events.Types {
		known[t] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if !known[evt] {
				return fmt.Errorf("config.webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// Annotate reports whether prompts should mention missing upstream sections.
func (c *Config) Annotate() bool {
	return c.Generation.DegradedContext != DegradedSilent
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `generation:
  max_attempts: 3
  base_delay: 1s
  max_delay: 30s
  call_timeout: 30s
  max_call_timeout: 5m
  inter_unit_delay: 1s
  lease_ttl: 30m
  temperature: 0.7
  max_tokens: 4096
  degraded_context: annotate

generator:
  base_url: https://api.openai.com
  model: gpt-4o-mini
  api_key_env: DOCFORGE_API_KEY
`
