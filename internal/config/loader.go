package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// EnvPrefix marks environment overrides: PARALLAX_REPO_BASE_BRANCH -> repo.base_branch.
	EnvPrefix = "PARALLAX_"
	// ProjectPath is the project configuration, relative to the working directory.
	ProjectPath = ".parallax/config.yaml"

	maxConfigFileSize = 1024 * 1024
)

// Load reads and merges configuration. Precedence, highest first:
// environment variables, project file, global file, defaults.
// Missing files are skipped; malformed YAML is an error.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	defaults, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if globalPath != "" {
		if err := loadFile(k, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := loadFile(k, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from the conventional paths:
// ~/.parallax/config.yaml and .parallax/config.yaml.
func LoadDefault() (*Config, error) {
	global, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(global, ProjectPath)
}

// GlobalPath returns the per-user configuration file.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".parallax", "config.yaml"), nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%s is larger than %d bytes", path, maxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envKey maps PARALLAX_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Repo.BaseBranch == "" {
		errs = append(errs, errors.New("repo.base_branch is required"))
	}
	if c.Agents.Count < 0 {
		errs = append(errs, fmt.Errorf("agents.count must not be negative, got %d", c.Agents.Count))
	}
	for i, r := range c.Agents.Roles {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("agents.roles[%d] has no name", i))
		}
	}
	if c.Executor.Timeout < 0 {
		errs = append(errs, errors.New("executor.timeout must not be negative"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.randomization_factor must be within [0, 1], got %v", c.Retry.RandomizationFactor))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
