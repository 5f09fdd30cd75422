package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cascade/internal/fallback"
	"github.com/mattjoyce/cascade/internal/graph"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, and validates a pipeline definition.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline definition not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	cfg.Path = absPath

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	// The graph build catches structural defects (cycles, unknown
	// dependencies) at load time, before any run starts.
	if _, err := graph.Build(cfg.TaskSpecs()); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	return cfg, nil
}

// TaskSpecs converts the task list into graph specs, with per-task
// defaults applied.
func (c *Config) TaskSpecs() []graph.TaskSpec {
	specs := make([]graph.TaskSpec, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		spec := graph.TaskSpec{
			ID:          t.ID,
			Kind:        t.Kind,
			DependsOn:   t.Needs,
			Inputs:      t.Inputs,
			Timeout:     t.Timeout,
			MaxAttempts: t.MaxAttempts,
			Backoff:     t.Backoff,
			Policy:      t.Output,
			Fallback:    t.Fallback,
		}
		if spec.Timeout == 0 {
			spec.Timeout = c.Defaults.Timeout
		}
		if spec.MaxAttempts == 0 {
			spec.MaxAttempts = c.Defaults.MaxAttempts
		}
		if spec.Backoff == 0 {
			spec.Backoff = c.Defaults.Backoff
		}
		specs = append(specs, spec)
	}
	return specs
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation where
// they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func applyDefaults(cfg *Config) {
	defaults := NewDefaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.Workers == 0 {
		cfg.Service.Workers = defaults.Service.Workers
	}
	if cfg.Service.Store == "" {
		cfg.Service.Store = defaults.Service.Store
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	if cfg.Defaults.Timeout == 0 {
		cfg.Defaults.Timeout = defaults.Defaults.Timeout
	}
	if cfg.Defaults.MaxAttempts == 0 {
		cfg.Defaults.MaxAttempts = defaults.Defaults.MaxAttempts
	}
	if cfg.Defaults.Backoff == 0 {
		cfg.Defaults.Backoff = defaults.Defaults.Backoff
	}

	if cfg.Capabilities == nil {
		cfg.Capabilities = make(map[string]CapabilityConf)
	}
}

func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be positive")
	}
	if cfg.Service.Store == "" {
		return fmt.Errorf("service.store is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	for kind, cc := range cfg.Capabilities {
		if cc.Entrypoint == "" {
			return fmt.Errorf("capability %q: entrypoint is required", kind)
		}
	}

	for i, t := range cfg.Tasks {
		if t.ID == "" {
			return fmt.Errorf("tasks[%d]: id is required", i)
		}
		if t.Kind == "" {
			return fmt.Errorf("task %q: kind is required", t.ID)
		}
		if _, ok := cfg.Capabilities[t.Kind]; !ok {
			return fmt.Errorf("task %q: kind %q has no registered capability", t.ID, t.Kind)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("task %q: timeout must not be negative", t.ID)
		}
		if t.MaxAttempts < 0 {
			return fmt.Errorf("task %q: max_attempts must not be negative", t.ID)
		}
		if t.Backoff < 0 {
			return fmt.Errorf("task %q: backoff must not be negative", t.ID)
		}
		for field, rule := range t.Output.Fields {
			switch rule.Type {
			case "", "string", "number", "bool", "list", "object":
			default:
				return fmt.Errorf("task %q: output field %q: unknown type %q", t.ID, field, rule.Type)
			}
		}
		if err := fallback.ValidateRule(t.ID, t.Output, t.Fallback); err != nil {
			return err
		}
	}

	return nil
}
