// Package main is the entry point for the edge gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty logging and metrics values
// defer to the configuration file.
type cliFlags struct {
	configPath     string
	logLevel       string
	logFormat      string
	metricsAddress string
	watchConfig    bool
	showVersion    bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "edgegw: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags with EDGEGW_* environment fallbacks.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("edgegw", flag.ContinueOnError)
	fs.SetOutput(output)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("EDGEGW_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("EDGEGW_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("EDGEGW_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.StringVar(&f.metricsAddress, "metrics-address", getEnvOrDefault("EDGEGW_METRICS_ADDRESS", ""),
		"Metrics and health listener address; overrides the configuration file")
	fs.BoolVar(&f.watchConfig, "watch", getEnvBool("EDGEGW_WATCH_CONFIG", true),
		"Reload tenant configuration when the file changes")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "edgegw version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// loadConfig resolves, loads and validates the configuration and applies
// command line overrides.
func loadConfig(flags cliFlags) (*config.GatewayConfig, string, error) {
	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg, flags)

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func applyOverrides(cfg *config.GatewayConfig, flags cliFlags) {
	if flags.logLevel != "" {
		cfg.Observability.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Observability.Logging.Format = flags.logFormat
	}
	if flags.metricsAddress != "" {
		cfg.Observability.Metrics.Address = flags.metricsAddress
		cfg.Observability.Metrics.Enabled = true
	}
}

// initLogger initializes the logger.
func initLogger(cfg *config.GatewayConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}

// run starts the gateway and blocks until ctx is done.
func run(ctx context.Context, flags cliFlags) error {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting edgegw",
		observability.String("version", version),
		observability.String("config", path),
		observability.Int("tenants", len(cfg.Tenants)),
	)

	app, err := initApplication(cfg, logger)
	if err != nil {
		return err
	}

	watchPath := ""
	if flags.watchConfig {
		watchPath = path
	}
	if err := app.start(ctx, watchPath); err != nil {
		app.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	app.shutdown(context.Background())
	return nil
}
