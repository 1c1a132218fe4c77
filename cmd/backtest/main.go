package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"backtester/internal/config"
	"backtester/internal/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "backtest",
		Usage:                "replay historical bars through trading strategies and compare the results",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config/backtest.yaml",
				Usage:   "path to the YAML config file",
				EnvVars: []string{"BACKTEST_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			runCommand,
			fetchCommand,
			strategiesCommand,
			runsCommand,
			showCommand,
		},
	}
}

// loadConfig reads the config named by --config. A missing file at the
// default path falls back to built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func setupLogging(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	slog.Debug("config loaded", "path", c.String("config"), "data_dir", cfg.Storage.DataDir)
	return nil
}
