package main

import (
	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/observability"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var jsonLogs bool
	root := &cobra.Command{
		Use:   "scopectl",
		Short: "Debugger side of the Scope transport protocol",
		Long: `scopectl accepts connections from applications running scoped,
negotiates STP/0 or STP/1 with each of them and prints the traffic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			observability.InitLogger("scopectl", jsonLogs)
		},
	}
	root.PersistentFlags().BoolVar(&jsonLogs, "json", false, "write raw JSON log events")
	root.AddCommand(newListenCmd(), newVersionCmd())
	return root
}
