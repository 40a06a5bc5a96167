package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/parallax/internal/orchestrator"
	"github.com/aristath/parallax/internal/report"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/tasklist"
)

var (
	planAgents    int
	planRoles     []string
	planSerialize bool
	planJSON      bool
)

var planCmd = &cobra.Command{
	Use:   "plan <tasks-file>",
	Short: "Show how a task list would be split across agents",
	Long: `Validate the task list and print each agent's queue, the ownership
groups that pin overlapping tasks to one agent, and the critical path.
Nothing is provisioned or run.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVarP(&planAgents, "agents", "n", 0, "Number of agents (default agents.count)")
	planCmd.Flags().StringSliceVar(&planRoles, "role", nil, "Agent roles in order")
	planCmd.Flags().BoolVar(&planSerialize, "serialize", false, "Queue extra ownership groups behind others instead of failing the plan")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	doc, err := tasklist.Load(args[0])
	if err != nil {
		return err
	}

	g, plan, err := orchestrator.DryRun(doc, agentRequest(cfg, planAgents, planRoles, planSerialize), logger)
	if err != nil {
		var insufficient *scheduler.InsufficientAgentsError
		if errors.As(err, &insufficient) {
			return fmt.Errorf("%w (rerun with --agents %d or --serialize)", err, insufficient.Required)
		}
		return err
	}

	if planJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	fmt.Fprint(cmd.OutOrStdout(), report.RenderPlan(g, plan))
	return nil
}
