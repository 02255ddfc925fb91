// Command avatar-agent joins a room as the conversational avatar agent.
//
// Usage:
//
//	avatar-agent connect --room <name> [--role primary|fallback]
//	avatar-agent health
//
// Configuration is read from the environment (and a .env file when present).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"yuzu/avatar/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "avatar-agent",
	Short:         "Real-time conversational avatar agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present (ignored if missing)
		_ = godotenv.Load()
		cfg = config.Load()
		slog.SetDefault(newLogger(cfg.LogLevel))
	},
}

var cfg config.Config

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	rootCmd.AddCommand(connectCmd, healthCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
