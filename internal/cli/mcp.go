package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/mcp"
	"github.com/MrWong99/mnemo/internal/observe"
)

var mcpSchedule bool

func init() {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve agent memory as MCP tools over stdio",
		Long: "Load every configured agent and expose list_agents, add_observation, " +
			"retrieve_memories and reflect as Model Context Protocol tools on stdin and stdout. " +
			"Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: runMCP,
	}
	cmd.Flags().BoolVar(&mcpSchedule, "schedule", false, "also run the periodic reflection scheduler")
	RootCmd.AddCommand(cmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	metrics := observe.DefaultMetrics()
	providers, _, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
	)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	if mcpSchedule {
		application.Scheduler().Start(ctx)
	}
	slog.Info("mnemo mcp serving on stdio", "agents", len(application.Agents()))
	return mcp.Serve(ctx, application, Version)
}
