package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/aristath/parallax/internal/config"
)

// ConfigEditor binds an interactive form to a configuration. Form fields are
// strings; Apply parses them back into the config.
type ConfigEditor struct {
	cfg  *config.Config
	form *huh.Form

	repoPath    string
	baseBranch  string
	worktreeDir string
	agentCount  string
	serialize   bool
	command     string
	args        string
	timeout     string
	storePath   string
	metricsAddr string
	logLevel    string
}

// NewConfigEditor builds the form pre-filled from cfg.
func NewConfigEditor(cfg *config.Config) *ConfigEditor {
	e := &ConfigEditor{
		cfg:         cfg,
		repoPath:    cfg.Repo.Path,
		baseBranch:  cfg.Repo.BaseBranch,
		worktreeDir: cfg.Repo.WorktreeDir,
		agentCount:  strconv.Itoa(cfg.Agents.Count),
		serialize:   cfg.Agents.Serialize,
		command:     cfg.Executor.Command,
		args:        strings.Join(cfg.Executor.Args, " "),
		timeout:     cfg.Executor.Timeout.String(),
		storePath:   cfg.Store.Path,
		metricsAddr: cfg.Metrics.Addr,
		logLevel:    cfg.Log.Level,
	}
	e.buildForm()
	return e
}

func (e *ConfigEditor) buildForm() {
	e.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("repoPath").
				Title("Repository").
				Value(&e.repoPath).
				Placeholder("."),

			huh.NewInput().
				Key("baseBranch").
				Title("Base branch").
				Value(&e.baseBranch).
				Placeholder("main").
				Validate(required("base branch")),

			huh.NewInput().
				Key("worktreeDir").
				Title("Worktree directory").
				Value(&e.worktreeDir).
				Placeholder(".worktrees"),
		).Title("Repository"),

		huh.NewGroup(
			huh.NewInput().
				Key("agentCount").
				Title("Agents").
				Value(&e.agentCount).
				Validate(validateCount),

			huh.NewConfirm().
				Key("serialize").
				Title("Queue extra ownership groups instead of failing the plan?").
				Value(&e.serialize),
		).Title("Agents"),

		huh.NewGroup(
			huh.NewInput().
				Key("command").
				Title("Executor command").
				Value(&e.command).
				Placeholder("claude").
				Validate(required("executor command")),

			huh.NewInput().
				Key("args").
				Title("Executor arguments").
				Description("Placeholders such as {description} and {workdir} are substituted").
				Value(&e.args),

			huh.NewInput().
				Key("timeout").
				Title("Task timeout").
				Value(&e.timeout).
				Validate(validateDuration),
		).Title("Executor"),

		huh.NewGroup(
			huh.NewInput().
				Key("storePath").
				Title("Session archive").
				Value(&e.storePath),

			huh.NewInput().
				Key("metricsAddr").
				Title("Metrics listen address (empty disables)").
				Value(&e.metricsAddr),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&e.logLevel),
		).Title("Storage and logging"),
	)
}

// Run shows the form and applies the answers.
func (e *ConfigEditor) Run() error {
	if err := e.form.Run(); err != nil {
		return err
	}
	return e.Apply()
}

// Apply copies the form values into the config.
func (e *ConfigEditor) Apply() error {
	count, err := strconv.Atoi(strings.TrimSpace(e.agentCount))
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	timeout, err := time.ParseDuration(strings.TrimSpace(e.timeout))
	if err != nil {
		return fmt.Errorf("timeout: %w", err)
	}

	e.cfg.Repo.Path = e.repoPath
	e.cfg.Repo.BaseBranch = e.baseBranch
	e.cfg.Repo.WorktreeDir = e.worktreeDir
	e.cfg.Agents.Count = count
	e.cfg.Agents.Serialize = e.serialize
	e.cfg.Executor.Command = e.command
	e.cfg.Executor.Args = strings.Fields(e.args)
	e.cfg.Executor.Timeout = timeout
	e.cfg.Store.Path = e.storePath
	e.cfg.Metrics.Addr = e.metricsAddr
	e.cfg.Log.Level = e.logLevel
	return e.cfg.Validate()
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateCount(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fmt.Errorf("enter a duration such as 30m")
	}
	return nil
}
