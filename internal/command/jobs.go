package command

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dictation-optimizer/internal/models"
)

// NewJobsCmd creates the jobs command.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List optimization jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetStringSlice("status")
			var statuses []models.JobStatus
			for _, s := range raw {
				st := models.JobStatus(s)
				if !st.Valid() {
					return writeCommandError(cmd, fmt.Errorf("unknown status %q", s))
				}
				statuses = append(statuses, st)
			}

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			jobs, err := a.Jobs.ListJobs(cmd.Context(), statuses...)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tTASKS\tSUMMARY")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\n", j.ID, j.Status, j.Progress, strings.Join(j.Tasks, ","), j.Summary)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSlice("status", nil, "filter by status (queued, running, done, error)")
	return cmd
}

// NewCandidatesCmd creates the candidates command.
func NewCandidatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List live optimization candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			list, err := a.Candidates.List(agent)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAGENT\tBEFORE\tAFTER\tSOURCE\tEXPIRES")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%s\t%s\n", c.CandidateID, c.AgentType,
					c.MetricsBefore.OverallScore, c.MetricsAfter.OverallScore, c.Source, c.ExpiresAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("agent", "", "only list candidates for this agent")
	return cmd
}

// NewApplyCmd creates the apply command.
func NewApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <candidate-id>",
		Short: "Apply a candidate as its agent's new current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			res, err := a.Service.Apply(cmd.Context(), args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, res)
			}
			if res.AlreadyApplied {
				fmt.Fprintf(cmd.OutOrStdout(), "Candidate %s was already applied as %s v%03d\n", res.CandidateID, res.AgentType, res.Version.Iteration)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s to %s as v%03d (%+.1f)\n", res.CandidateID, res.AgentType, res.Version.Iteration, res.Improvement)
			return nil
		},
	}
}

// NewAuditCmd creates the audit command.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <job-id|agent>",
		Short: "Show recent audit events for a job or agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			if a.Audit() == nil {
				return writeCommandError(cmd, errors.New("audit trail requires POSTGRES_DSN"))
			}
			rows, err := a.Audit().RecentAudit(cmd.Context(), args[0], limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tEVENT\tDETAIL")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Recorded.Format("2006-01-02 15:04:05"), r.Event, r.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of events")
	return cmd
}
