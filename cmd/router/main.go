package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/dialtest/internal/banner"
	"github.com/sebas/dialtest/internal/logger"
	"github.com/sebas/dialtest/internal/router/app"
	"github.com/sebas/dialtest/internal/router/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(cfg.LogLevel, os.Stdout)

	r, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create router", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	mode := "live"
	if cfg.ConnectionString == "" {
		mode = "dry-run"
	}
	banner.Print("Router", []banner.ConfigLine{
		{Label: "Node", Value: cfg.NodeID},
		{Label: "HTTP", Value: cfg.Addr},
		{Label: "gRPC health", Value: cfg.GRPCAddr},
		{Label: "Policy", Value: cfg.SelectionPolicy},
		{Label: "Dedup window", Value: cfg.DedupWindow.String()},
		{Label: "Redirects", Value: mode},
		{Label: "Speech key", Value: banner.Mask(cfg.SpeechKey)},
		{Label: "Config file", Value: cfg.ConfigFile},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		slog.Error("Router stopped with error", "error", err)
		r.Close()
		os.Exit(1)
	}
	slog.Info("Router stopped")
}
