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
	"github.com/sebas/dialtest/internal/softphone/app"
	"github.com/sebas/dialtest/internal/softphone/config"
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

	sp, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create softphone", "error", err)
		os.Exit(1)
	}
	defer sp.Close()

	router := cfg.RouterURL
	if router == "" {
		router = "disabled"
	}
	banner.Print("Softphone", []banner.ConfigLine{
		{Label: "Identity", Value: cfg.Identity},
		{Label: "Control API", Value: "http://" + cfg.APIAddr},
		{Label: "gRPC health", Value: cfg.GRPCAddr},
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (advertise %s)", cfg.SIP.BindAddr, cfg.SIP.Port, cfg.SIP.AdvertiseAddr)},
		{Label: "Domain", Value: cfg.SIP.Domain},
		{Label: "Password", Value: banner.Mask(cfg.SIP.Password)},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax)},
		{Label: "Audio", Value: cfg.Audio.Device},
		{Label: "Router", Value: router},
		{Label: "Config file", Value: cfg.ConfigFile},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sp.Run(ctx); err != nil {
		slog.Error("Softphone stopped with error", "error", err)
		sp.Close()
		os.Exit(1)
	}
	slog.Info("Softphone stopped")
}
