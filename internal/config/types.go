package config

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/cascade/internal/fallback"
	"github.com/mattjoyce/cascade/internal/validate"
)

// Config is the complete cascade pipeline definition.
type Config struct {
	Service      ServiceConfig             `yaml:"service"`
	API          APIConfig                 `yaml:"api,omitempty"`
	Capabilities map[string]CapabilityConf `yaml:"capabilities"`
	Defaults     TaskDefaults              `yaml:"defaults,omitempty"`
	Tasks        []TaskConf                `yaml:"tasks"`

	// Path is the absolute path the definition was loaded from.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	Workers  int    `yaml:"workers"`
	Store    string `yaml:"store"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// CapabilityConf defines how one stage kind is invoked: a subprocess
// entrypoint speaking the stdin/stdout protocol.
type CapabilityConf struct {
	Entrypoint string   `yaml:"entrypoint"`
	Args       []string `yaml:"args,omitempty"`
}

// TaskDefaults supply per-task settings not set explicitly.
type TaskDefaults struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// TaskConf defines one pipeline stage.
type TaskConf struct {
	ID     string            `yaml:"id"`
	Kind   string            `yaml:"kind"`
	Needs  []string          `yaml:"needs,omitempty"`
	Inputs map[string]string `yaml:"inputs,omitempty"`

	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Backoff     time.Duration `yaml:"backoff,omitempty"`

	Output   validate.Policy `yaml:"output,omitempty"`
	Fallback fallback.Rule   `yaml:"fallback,omitempty"`

	// Sample is the canned payload the test verb serves for this task
	// instead of invoking the real capability.
	Sample map[string]any `yaml:"sample,omitempty"`
}

// SampleJSON returns the task's sample payload as canonical JSON, or
// nil when no sample is defined.
func (t TaskConf) SampleJSON() (json.RawMessage, error) {
	if t.Sample == nil {
		return nil, nil
	}
	return json.Marshal(t.Sample)
}

// NewDefaults returns a Config with sensible defaults.
func NewDefaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "cascade",
			LogLevel: "info",
			Workers:  4,
			Store:    "./data/runs.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Defaults: TaskDefaults{
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
		},
		Capabilities: make(map[string]CapabilityConf),
	}
}
