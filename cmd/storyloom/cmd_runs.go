package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storyloom/internal/runlog"
)

var runsLimit int

// runsCmd inspects the run log database.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect logged pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list [sessionID]",
	Short: "List runs for a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := runlog.NewStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), args[0], runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-8s %s  %s\n",
				r.ID, r.Status, r.StartedAt.Format(time.RFC3339), oneLine(r.Error))
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [runID]",
	Short: "Show one run and its stage records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := runlog.NewStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		stages, err := store.ListStages(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("run %s  session=%s  status=%s\n", run.ID, run.SessionID, run.Status)
		if run.Error != "" {
			fmt.Printf("error: %s\n", run.Error)
		}
		if run.ImageURL != "" {
			fmt.Printf("image: %s\n", run.ImageURL)
		}
		for _, s := range stages {
			dur := ""
			if !s.EndedAt.IsZero() && !s.StartedAt.IsZero() {
				dur = s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Printf("  %-14s %-8s %-8s in=%d out=%d  %s\n",
				s.Stage, s.Status, dur, s.TokensIn, s.TokensOut, oneLine(s.Error))
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func oneLine(s string) string {
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
