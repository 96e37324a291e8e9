package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/PRDForge/internal/app"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the PRD tools over MCP on stdin/stdout",
	Long: `Run every agent and expose them as Model Context Protocol tools over
stdio. Logs go to stderr; stdout carries only protocol messages.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closeLog := setupLogger(cfg.Logging, os.Stderr)
	defer closeLog.Close()

	a, err := app.New(ctx, cfg, log, Version, app.Collaborators{})
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("mcp stdio server ready", "version", Version)
	if err := a.MCP.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

