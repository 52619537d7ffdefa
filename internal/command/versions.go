package command

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewVersionsCmd creates the versions command.
func NewVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <agent>",
		Short: "List an agent's prompt versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			list, err := a.Service.Versions(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No versions for %s\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tCREATED\tSCORE\tFLAGS")
			for _, v := range list {
				flags := ""
				if v.Current {
					flags += "current "
				}
				if v.Backup {
					flags += "backup "
				}
				if v.RollbackTo != nil {
					flags += "rollback->v" + strconv.Itoa(*v.RollbackTo)
				}
				fmt.Fprintf(tw, "v%03d\t%s\t%.1f\t%s\n", v.Iteration, v.Timestamp.Format("2006-01-02 15:04"), v.Score, flags)
			}
			return tw.Flush()
		},
	}
}

// NewRollbackCmd creates the rollback command.
func NewRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <agent> <version>",
		Short: "Record a new version equal to an earlier one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[1])
			if err != nil || target < 0 {
				return writeCommandError(cmd, fmt.Errorf("invalid version %q", args[1]))
			}
			reason, _ := cmd.Flags().GetString("reason")

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			res, err := a.Service.Rollback(cmd.Context(), args[0], target, reason)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled %s back to v%03d as v%03d (score %.1f -> %.1f)\n",
				res.AgentType, res.ToIteration, res.Version.Iteration, res.MetricsBefore.OverallScore, res.MetricsAfter.OverallScore)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "reason recorded on the new version")
	return cmd
}

// NewBackupCmd creates the backup command.
func NewBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <agent>",
		Short: "Snapshot the current prompt as a backup version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			res, err := a.Service.CreateBackup(cmd.Context(), args[0], reason)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s as v%03d (%s metrics, score %.1f)\n",
				res.AgentType, res.Version.Iteration, res.MetricsSource, res.Metrics.OverallScore)
			if res.Exported != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", res.Exported)
			}
			return nil
		},
	}
	cmd.Flags().String("reason", "", "reason recorded on the backup")
	return cmd
}
