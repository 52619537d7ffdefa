package command

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dictation-optimizer/internal/retention"
)

// NewCleanupCmd creates the cleanup command.
func NewCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete aged candidates, jobs, backups, corrections and scratch files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			maxAge, _ := cmd.Flags().GetInt("max-age-days")
			keep, _ := cmd.Flags().GetInt("keep-backups")

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			stats, err := a.Sweeper.Cleanup(cmd.Context(), retention.Options{Agent: agent, MaxAgeDays: maxAge, KeepRecentBackups: keep})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cutoff %s (max age %d days, keeping %d backups)\n",
				stats.Cutoff.Format("2006-01-02 15:04"), stats.Options.MaxAgeDays, stats.Options.KeepRecentBackups)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tCLEANED\tKEPT")
			rows := []struct {
				name string
				c    retention.Count
			}{
				{retention.CategoryCandidates, stats.Candidates},
				{retention.CategoryJobs, stats.Jobs},
				{retention.CategoryBackups, stats.Backups},
				{retention.CategoryCorrections, stats.Corrections},
				{retention.CategoryTempFiles, stats.TempFiles},
				{retention.CategoryAudit, stats.Audit},
			}
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", r.name, r.c.Cleaned, r.c.Kept)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, e := range stats.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", e)
			}
			if len(stats.Errors) > 0 {
				return fmt.Errorf("cleanup finished with %d error(s)", len(stats.Errors))
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "restrict to one agent")
	cmd.Flags().Int("max-age-days", 0, "age threshold in days (default from config)")
	cmd.Flags().Int("keep-backups", -1, "backups to keep per agent (default from config)")
	return cmd
}

// NewSweepCandidatesCmd creates the sweep-candidates command.
func NewSweepCandidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-candidates",
		Short: "Delete candidates past their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			n, err := a.Sweeper.SweepExpired()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]int{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired candidate(s)\n", n)
			return nil
		},
	}
}
