package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/mnemo/internal/api"
	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/health"
	"github.com/MrWong99/mnemo/internal/observe"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 15 * time.Second
)

var watchConfig bool

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory server",
		Long: "Load every configured agent, serve the HTTP API with health and metrics " +
			"endpoints, and reflect periodically when reflection.interval is set.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().BoolVar(&watchConfig, "watch", true, "reload the config file when it changes")
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("mnemo starting",
		"version", Version,
		"config", configPath,
		"listen_addr", cmp.Or(cfg.Server.ListenAddr, defaultListenAddr),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: Version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
		Attributes: []attribute.KeyValue{
			attribute.String("mnemo.journal", cmp.Or(string(cfg.Journal.Backend), "memory")),
			attribute.Int("mnemo.agents", len(cfg.Agents)),
		},
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, checks, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
		app.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchConfig {
		w, err := config.NewWatcher(configPath, func(_, next *config.Config) {
			if err := application.Apply(ctx, next); err != nil {
				slog.Error("config reload incomplete", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	if j := application.Journal(); j != nil {
		if p, ok := j.(health.Pinger); ok {
			checks = append(checks, health.Ping("journal", p))
		}
	}
	var apiOpts []api.Option
	if idx, ok := application.Journal().(api.VectorIndex); ok && providers.Embeddings != nil {
		apiOpts = append(apiOpts, api.WithVectorIndex(idx, providers.Embeddings))
	}

	mux := http.NewServeMux()
	api.New(application, apiOpts...).Register(mux)
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cmp.Or(cfg.Server.ListenAddr, defaultListenAddr),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	slog.Info("server ready", "agents", len(application.Agents()))

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	select {
	case err := <-srvErr:
		if err != nil {
			slog.Error("http server failed", "err", err)
		}
		stop()
	case <-ctx.Done():
	}
	<-runErr

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return nil
}
