package main

import (
	"fmt"

	"github.com/danmuck/scope/internal/scope"
	"github.com/spf13/cobra"
)

var scopectlVersion = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show scopectl and protocol versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "scopectl version %s\n", scopectlVersion)
			fmt.Fprintf(cmd.OutOrStdout(), "core version %s, protocols stp/0 stp/1\n", scope.CoreVersion)
			return nil
		},
	}
}
