package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/logger"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "prdforge",
	Short: "PRDForge - multi-agent product requirements generator",
	Long: `PRDForge turns a project idea into a product requirements document.
Lead, research, feature, validation and memory agents cooperate over an
in-process event bus; the result is served over HTTP, WebSocket and MCP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: $PRDFORGE_CONFIG or "+config.DefaultConfigFile+")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFrom(configFile)
	}
	return config.Load()
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg config.Logging, w io.Writer) (*slog.Logger, logger.Closer) {
	if w == nil {
		w = os.Stdout
	}
	log, closer := logger.NewWithWriter(cfg, w)
	slog.SetDefault(log)
	return log, closer
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("prdforge " + Version)
	},
}
