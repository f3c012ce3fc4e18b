package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/permitwatch/internal/common"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "permitwatch version %s\n", common.GetFullVersion())
		},
	}
}
