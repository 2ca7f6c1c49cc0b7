package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/pltester/internal/app"
	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/NodePath81/pltester/internal/version"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file; built-in defaults when empty",
		EnvVars: []string{"PLTESTER_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Override log_level (debug, info, warn, error)",
	}
)

func main() {
	cliApp := &cli.App{
		Name:    "pltester",
		Usage:   "Network quality test node and client",
		Version: version.Version,
		Flags:   []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			serveCommand,
			probeCommand,
			speedtestCommand,
			historyCommand,
			checkCommand,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run a test node",
	Action: runServe,
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "Validate the config file",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Printf("config valid: node %s:%d, %d speed test cases\n",
			cfg.Server.BindAddr, cfg.Server.BindPort, len(cfg.Speedtest.Cases))
		return nil
	},
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	if level := c.String(logLevelFlag.Name); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := util.NewLogger(cfg.LogLevel)
	node := app.NewNode(func() (config.Config, error) {
		return loadConfig(c)
	}, logger)
	if err := node.Start(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := node.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	return node.Stop()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
