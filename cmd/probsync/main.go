package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SecondOrder-fun/probsync/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	simulate := flag.Bool("simulate", false, "replay a scripted trade sequence against every curve family and exit")
	retryTarget := flag.String("retry-activation", "", "retry a failed market activation as group:participant and exit")
	logLevel := flag.String("log-level", "", "log level: debug|info|warn|error (overrides config)")
	logFormat := flag.String("log-format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "render critical escalations as tables (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if *simulate {
		if err := runSimulation(cfg); err != nil {
			slog.Error("simulation failed", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *retryTarget != "" {
		if err := runRetry(ctx, cfg, *retryTarget, *table); err != nil {
			slog.Error("activation retry failed", "err", err, "target", *retryTarget)
			os.Exit(1)
		}
		return
	}

	slog.Info("probsync starting",
		"config", *configPath,
		"groups", len(cfg.Groups),
		"curve", cfg.Engine.DefaultCurve,
		"structural_bps", cfg.Engine.StructuralWeightBps,
		"sentiment_bps", cfg.Engine.SentimentWeightBps,
		"poll", cfg.PollInterval(),
	)

	if err := runDaemon(ctx, cfg, *table); err != nil {
		slog.Error("daemon exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("probsync stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
