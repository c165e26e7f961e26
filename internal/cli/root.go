// Package cli implements the mnemo commands.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mnemo/internal/config"
)

// Version is the build version, set with -ldflags "-X".
var Version = "dev"

var (
	configPath string
	envFiles   []string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Long-term memory for simulated agents",
	Long: "mnemo keeps an append-only memory per agent, ranks memories by recency, " +
		"importance and relevance, and periodically condenses them into reflections.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	RootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the config (default: .env)")
}

// loadConfig reads the dotenv files and the config, and installs the
// configured logger as the default. The returned LevelVar drives the
// logger's level.
func loadConfig() (*config.Config, *slog.LevelVar, error) {
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))
	return cfg, level, nil
}

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
