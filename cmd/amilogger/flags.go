package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
	WriteConfig     string
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("AMILOGGER_CONFIG", "configs/amilogger.yaml"),
		"Path to configuration file (env: AMILOGGER_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("AMILOGGER_CONFIG", "configs/amilogger.yaml"),
		"Path to configuration file (env: AMILOGGER_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("AMILOGGER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: AMILOGGER_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("AMILOGGER_LOG_FORMAT", "json"),
		"Log format: json, text (env: AMILOGGER_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("AMILOGGER_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Time allowed to drain destinations on shutdown (env: AMILOGGER_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.StringVar(&cfg.WriteConfig, "write-config", "",
		"Write the effective configuration with defaults applied to this path and exit")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - Asterisk AMI event logger

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Signals:
  SIGHUP           reload the configuration file
  SIGINT, SIGTERM  drain destinations and exit

Examples:
  %s --config=/etc/amilogger/amilogger.yaml
  %s --validate --config=amilogger.yaml
  %s --config=amilogger.yaml --write-config=effective.yaml
  AMILOGGER_LOG_LEVEL=debug %s

Version: %s
`, appName, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
