package cli

import (
	"github.com/spf13/cobra"
)

var runListen string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API and the batch settlement loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runListen != "" {
			a.Config.Server.Address = runListen
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "Override server.address")
}
