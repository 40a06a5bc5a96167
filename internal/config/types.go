// Package config loads layered parallax configuration.
package config

import (
	"time"

	"github.com/aristath/parallax/internal/scheduler"
)

// RepoConfig locates the repository and its integration point.
type RepoConfig struct {
	Path         string `koanf:"path" yaml:"path"`
	BaseBranch   string `koanf:"base_branch" yaml:"base_branch"`
	WorktreeDir  string `koanf:"worktree_dir" yaml:"worktree_dir"`
	BranchPrefix string `koanf:"branch_prefix" yaml:"branch_prefix"`
}

// AgentsConfig is the default agent request for a session.
type AgentsConfig struct {
	Count     int                  `koanf:"count" yaml:"count"`
	Roles     []scheduler.RoleSpec `koanf:"roles" yaml:"roles,omitempty"`
	Serialize bool                 `koanf:"serialize" yaml:"serialize"`
}

// ExecutorConfig is the coding assistant command run for every task.
type ExecutorConfig struct {
	Command    string        `koanf:"command" yaml:"command"`
	Args       []string      `koanf:"args" yaml:"args,omitempty"`
	Timeout    time.Duration `koanf:"timeout" yaml:"timeout"`
	Acceptance []string      `koanf:"acceptance" yaml:"acceptance,omitempty"`
}

// RetryConfig configures exponential backoff around executor calls.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor" yaml:"randomization_factor"`
}

// StoreConfig locates the session archive.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "console" or "json"
}

// MetricsConfig configures the Prometheus exporter. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Config is the top-level configuration.
type Config struct {
	Repo     RepoConfig     `koanf:"repo" yaml:"repo"`
	Agents   AgentsConfig   `koanf:"agents" yaml:"agents"`
	Executor ExecutorConfig `koanf:"executor" yaml:"executor"`
	Retry    RetryConfig    `koanf:"retry" yaml:"retry"`
	Store    StoreConfig    `koanf:"store" yaml:"store"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics"`
}

// yaml.v3 writes time.Duration as integer nanoseconds; these shadows write
// "30m0s" style strings, which the loader parses back.

type executorYAML struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	Timeout    string   `yaml:"timeout"`
	Acceptance []string `yaml:"acceptance,omitempty"`
}

// MarshalYAML writes the timeout as a duration string.
func (e ExecutorConfig) MarshalYAML() (interface{}, error) {
	return executorYAML{Command: e.Command, Args: e.Args, Timeout: e.Timeout.String(), Acceptance: e.Acceptance}, nil
}

type retryYAML struct {
	InitialInterval     string  `yaml:"initial_interval"`
	MaxInterval         string  `yaml:"max_interval"`
	MaxElapsedTime      string  `yaml:"max_elapsed_time"`
	Multiplier          float64 `yaml:"multiplier"`
	RandomizationFactor float64 `yaml:"randomization_factor"`
}

// MarshalYAML writes the intervals as duration strings.
func (r RetryConfig) MarshalYAML() (interface{}, error) {
	return retryYAML{
		InitialInterval:     r.InitialInterval.String(),
		MaxInterval:         r.MaxInterval.String(),
		MaxElapsedTime:      r.MaxElapsedTime.String(),
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}, nil
}
