package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "duelchat",
		Short:         "Compare two AI assistants side by side",
		Long:          "duelchat streams two producers' replies to the same prompt, lets the user pick a winner and keeps the chosen replies as conversation history.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

			if err := godotenv.Load(); err != nil {
				slog.Info("No .env file found, using environment variables")
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
