package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("CUMULUS_CONFIG", ""),
		"Path to configuration file (env: CUMULUS_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level",
		"",
		"Override log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format",
		"",
		"Override log format: json, text")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CUMULUS_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: CUMULUS_SHUTDOWN_TIMEOUT)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, Version)
}
