package cmd

import (
	"fmt"

	"github.com/rerererei/zero-bot-next/zerobot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			zerobot.Version,
			zerobot.CommitSHA,
			zerobot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
