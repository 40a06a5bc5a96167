package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/parallax/internal/persistence"
	"github.com/aristath/parallax/internal/report"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list (0 lists all)")
}

func runSessions(cmd *cobra.Command, args []string) error {
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

	summaries, err := store.ListSessions(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions archived yet.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), sessionTable(summaries))
	return nil
}

func sessionTable(summaries []persistence.SessionSummary) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "FEATURE", "STATUS", "STARTED", "DURATION", "TASKS", "FAILED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 2 {
				return report.StatusStyle(summaries[row].Status).Padding(0, 1)
			}
			return cell
		})

	for _, s := range summaries {
		t.Row(
			s.ID,
			s.Feature,
			s.Status,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			duration(s.StartedAt, s.EndedAt),
			fmt.Sprintf("%d/%d", s.Completed, s.Tasks),
			strconv.Itoa(s.Failed),
		)
	}
	return t.String()
}

func duration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Truncate(time.Second).String()
}
