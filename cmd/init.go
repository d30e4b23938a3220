package cmd

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/rerererei/zero-bot-next/zerobot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the configured store and run database migrations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if cfg.StoreBackend == "" {
			log.Fatal("store_backend not set (must be one of: memory, json, db)")
		}

		// opening the store creates the backing file and, for the db
		// backend, runs migrations
		store, err := zerobot.NewStore(cfg, slog.Default())
		if err != nil {
			log.Fatalf("error initializing store: %v", err)
		}
		if err = store.Close(); err != nil {
			log.Fatalf("error closing store: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(
			out,
			"Store initialized (backend=%s database=%s).\n",
			cfg.StoreBackend,
			cfg.Database,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
