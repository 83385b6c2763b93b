package cli

import (
	"github.com/spf13/cobra"
)

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "List executor addresses and balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Executors(cmd.Context())
	},
}
