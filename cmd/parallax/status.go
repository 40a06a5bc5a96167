package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/parallax/internal/persistence"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/report"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show the report of an archived session",
	Long:  "Show the report of the given archived session, or of the most recent one.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var s *registry.Session
	if len(args) == 1 {
		s, err = store.GetSession(ctx, args[0])
	} else {
		s, err = store.LatestSession(ctx)
	}
	if errors.Is(err, persistence.ErrSessionNotFound) {
		if len(args) == 1 {
			return fmt.Errorf("no archived session %q", args[0])
		}
		return errors.New("no sessions archived yet; start one with parallax run")
	}
	if err != nil {
		return err
	}

	r := report.Build(s, time.Now())
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprint(cmd.OutOrStdout(), r.Render())
	return nil
}
