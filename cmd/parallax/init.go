package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/tui"
)

var (
	initGlobal      bool
	initInteractive bool
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file",
	Long: `Write the effective configuration to .parallax/config.yaml, or to
~/.parallax/config.yaml with --global. With --interactive the values are
edited in a form before they are saved.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initGlobal, "global", false, "Write the per-user configuration instead of the project one")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Edit the values in a form before saving")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := initPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !initForce && !initInteractive {
		return fmt.Errorf("%s already exists; pass --force to overwrite or --interactive to edit it", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if initInteractive {
		if err := tui.NewConfigEditor(cfg).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled, nothing written.")
				return nil
			}
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func initPath() (string, error) {
	if initGlobal {
		return config.GlobalPath()
	}
	return projectConfig, nil
}
