package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Path:         ".",
			BaseBranch:   "main",
			WorktreeDir:  ".worktrees",
			BranchPrefix: "parallax/",
		},
		Agents: AgentsConfig{
			Count: 2,
		},
		Executor: ExecutorConfig{
			Command: "claude",
			Args:    []string{"-p", "{description}"},
			Timeout: 30 * time.Minute,
		},
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Store: StoreConfig{
			Path: ".parallax/sessions.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
