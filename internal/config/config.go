package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dealline/internal/intent"
)

// Config models dealline.yml. The phrase catalog, owner handles and
// staleness threshold are configuration data, not code.
type Config struct {
	Pipeline struct {
		StaleAfterDays int `yaml:"stale_after_days"`
	} `yaml:"pipeline"`
	Owners struct {
		// Handles maps a case-insensitive owner-name substring to the
		// tag emitted on follow-up records.
		Handles map[string]string `yaml:"handles"`
	} `yaml:"owners"`
	Tasks struct {
		// ProjectPrefixes normalizes project-id prefixes when building
		// deterministic task ids.
		ProjectPrefixes map[string]string `yaml:"project_prefixes"`
	} `yaml:"tasks"`
	Intents []intent.RuleSpec `yaml:"intents"`
}

// Validate ensures the config meets required structure, compiling the
// intent catalog once so bad patterns fail at load time.
func (c *Config) Validate() error {
	if c.Pipeline.StaleAfterDays <= 0 {
		return fmt.Errorf("config.pipeline.stale_after_days must be positive")
	}
	for sub, tag := range c.Owners.Handles {
		if sub == "" {
			return fmt.Errorf("config.owners.handles contains empty substring key")
		}
		if tag == "" {
			return fmt.Errorf("config.owners.handles[%s] has empty tag", sub)
		}
	}
	if _, err := intent.NewClassifier(c.Intents); err != nil {
		return fmt.Errorf("config.intents: %w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err) // the template is static
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections
// omitted by the user fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(defaultTemplate), cfg); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for `dl init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  stale_after_days: 5

owners:
  handles:
    mark: "@mark"
    christopher: "@christopher"

tasks:
  project_prefixes:
    cermaq-: CER-

# intents: empty list uses the built-in catalog. Each rule walks the
# pipeline one step forward from its source stage.
intents: []
`
