// Package cli defines the agentd command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for agentd.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "agentd",
		Short: "AI agent platform server",
		Long:  "agentd serves the AI agent platform: agent management, CRM integrations, knowledge bases, and the web API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
