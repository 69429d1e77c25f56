// Package main implements the entry point of the AMI event logger. It
// connects to the configured Asterisk servers, routes their events through
// the configured clauses and delivers them to file, database, NATS and
// Redis destinations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/gateway"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "amilogger"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(flag.NewFlagSet(appName, flag.ContinueOnError), args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.WriteConfig != "" {
		cfg.ApplyDestinationDefaults()
		if err := cfg.SaveToFile(cliCfg.WriteConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		logger.Info("Effective configuration written", "path", cliCfg.WriteConfig)
		return nil
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid",
			"servers", len(cfg.Servers),
			"destinations", len(cfg.Destinations),
			"clauses", len(cfg.Clauses))
		return nil
	}

	logger.Info("Starting AMI event logger",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	registry := metric.NewMetricsRegistry()
	g, err := gateway.New(cfg, gateway.Deps{
		Logger:          logger,
		MetricsRegistry: registry,
		ShutdownTimeout: cliCfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, cfg.Security,
			metric.WithHealth(g.Health),
			metric.WithStatus(func() any { return g.Snapshot() }))
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Metrics server listening", "address", metricsServer.Address())
	}

	err = runWithSignalHandling(g, cliCfg, logger)

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := metricsServer.Stop(ctx); stopErr != nil {
			logger.Warn("Metrics server shutdown failed", "error", stopErr)
		}
	}
	return err
}

// runWithSignalHandling starts the gateway, reloads the configuration on
// SIGHUP and stops on SIGINT or SIGTERM.
func runWithSignalHandling(g *gateway.Gateway, cliCfg *CLIConfig, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	logger.Info("AMI event logger started")

	for {
		select {
		case <-hup:
			reload(g, cliCfg.ConfigPath, logger)
		case <-ctx.Done():
			logger.Info("Received shutdown signal", "timeout", cliCfg.ShutdownTimeout)
			if err := g.Stop(cliCfg.ShutdownTimeout); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("AMI event logger shutdown complete")
			return nil
		}
	}
}

// reload re-reads the configuration file. A configuration that fails to
// load or apply leaves the running one untouched.
func reload(g *gateway.Gateway, path string, logger *slog.Logger) {
	logger.Info("Reloading configuration", "config_path", path)
	cfg, err := loadConfig(path)
	if err != nil {
		logger.Error("Configuration reload rejected", "error", err)
		return
	}
	if err := g.Reload(cfg); err != nil {
		logger.Error("Configuration reload failed", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
