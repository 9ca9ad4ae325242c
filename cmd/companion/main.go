package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tradeglance/companion/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to JSON config file (default: environment only)")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("companion %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("COMPANION_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %q: %v\n", cp, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := daemon.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: daemon.ReplaceLogLevelNames,
	})))

	slog.Info("companion starting", "version", version, "config", cp, "log_level", level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	runErr := d.Run(ctx)
	if err := d.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
	if runErr != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", runErr)
		os.Exit(1)
	}

	slog.Info("companion stopped")
}
