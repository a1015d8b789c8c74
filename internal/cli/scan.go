package cli

import (
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single rollup-and-evaluate pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ScanOnce(cmd.Context())
	},
}
