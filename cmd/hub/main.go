package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sebas/waypoint/internal/banner"
	"github.com/sebas/waypoint/internal/hub/app"
	"github.com/sebas/waypoint/internal/hub/config"
	"github.com/sebas/waypoint/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("HUB SERVER", configLines(cfg))

	if cfg.UsingDevSecret() {
		slog.Warn("JWT_SECRET not set, tokens are signed with the development secret")
	}

	hub, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create hub server", "error", err)
		os.Exit(1)
	}

	if err := hub.Start(); err != nil {
		slog.Error("Failed to start hub server", "error", err)
		hub.Close()
		os.Exit(1)
	}

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Received signal, shutting down")
	if err := hub.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	slog.Info("Hub stopped")
}

func configLines(cfg *config.Config) []banner.ConfigLine {
	origins := "localhost only"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ", ")
	}
	return []banner.ConfigLine{
		{Label: "HTTP Listen", Value: cfg.Addr()},
		{Label: "Base URL", Value: cfg.BaseURL},
		{Label: "WS Base URL", Value: cfg.WSBaseURL},
		{Label: "Redis", Value: orDisabled(cfg.RedisURL)},
		{Label: "NATS", Value: orDisabled(cfg.NATSURL)},
		{Label: "WS Origins", Value: origins},
		{Label: "Max Participants", Value: strconv.Itoa(cfg.MaxParticipants)},
		{Label: "Cleanup Interval", Value: cfg.CleanupInterval.String()},
		{Label: "Log Level", Value: cfg.LogLevel},
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}
