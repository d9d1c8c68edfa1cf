package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionInfo = struct {
	Version string
	Commit  string
	Date    string
}{"dev", "none", "unknown"}

// SetVersion sets the version information (called from main).
func SetVersion(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

// NewRootCmd assembles the CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Experiment flow server for online behavioral studies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewInitCmd())
	root.AddCommand(NewVersionCmd())
	return root
}

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagehand %s\n", versionInfo.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", versionInfo.Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built:  %s\n", versionInfo.Date)
		},
	}
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
