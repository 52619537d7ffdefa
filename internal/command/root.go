// Package command implements the promptctl operator CLI.
package command

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dictation-optimizer/internal/app"
	"dictation-optimizer/internal/config"
)

const AppName = "promptctl"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Operate prompt versions, optimization jobs and retention",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("data-dir", "", "override DATA_DIR")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewVersionsCmd(),
		NewRollbackCmd(),
		NewBackupCmd(),
		NewCandidatesCmd(),
		NewApplyCmd(),
		NewJobsCmd(),
		NewCleanupCmd(),
		NewSweepCandidatesCmd(),
		NewAuditCmd(),
	)
	return cmd
}

// Execute runs the CLI with process arguments.
func Execute() error {
	return NewRootCmd(Version).Execute()
}

// openApp loads configuration, applies the data-dir flag and wires the stores.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return app.Open(cmd.Context(), cfg)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	return err
}
