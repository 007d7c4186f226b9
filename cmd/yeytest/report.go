package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yunusemreyildiz/yeytest/internal/store"
)

var (
	reportStorePath string
	reportLimit     int
	reportPrune     time.Duration
)

// reportCmd lists stored runs or shows one run in full. A run id may be
// any unique prefix.
var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show stored run results",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportStorePath, "store", "", "Result database path")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 20, "Max runs to list")
	reportCmd.Flags().DurationVar(&reportPrune, "prune", 0, "Delete runs finished longer than this ago (e.g. 720h)")
}

func runReport(cmd *cobra.Command, args []string) error {
	path := cfg.Store.Path
	if reportStorePath != "" {
		path = reportStorePath
	}
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	if reportPrune > 0 {
		removed, err := s.PruneBefore(time.Now().Add(-reportPrune))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Printf("pruned %d run(s) older than %s\n", removed, reportPrune)
	}

	if len(args) == 1 {
		run, err := s.GetRun(args[0])
		if err != nil {
			return err
		}
		fmt.Println(renderRunSummary(run))
		return nil
	}

	summaries, err := s.ListRuns(reportLimit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println(mutedStyle.Render("no stored runs"))
		return nil
	}
	for _, sum := range summaries {
		fmt.Println(renderRunLine(sum))
	}
	return nil
}

// renderRunLine renders one list entry: short id, status, name, device,
// and counters.
func renderRunLine(sum store.RunSummary) string {
	id := sum.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s  %s  %s",
		mutedStyle.Render(id),
		statusStyle(sum.Status).Render(fmt.Sprintf("%-6s", sum.Status)),
		sum.TestName)
	if sum.Device != "" {
		line += mutedStyle.Render("  @" + sum.Device)
	}
	line += mutedStyle.Render(fmt.Sprintf("  %d steps", sum.Steps))
	if sum.Healing > 0 {
		line += warnStyle.Render(fmt.Sprintf("  %d heals", sum.Healing))
	}
	if sum.CostUnits > 0 {
		line += mutedStyle.Render(fmt.Sprintf("  %d units", sum.CostUnits))
	}
	line += mutedStyle.Render("  " + sum.StartedAt.Local().Format("2006-01-02 15:04:05"))
	return line
}
