package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emarvault/emarvault/api/handlers"
	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/archive"
	"github.com/emarvault/emarvault/internal/auth"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/notify"
	"github.com/emarvault/emarvault/internal/periods"
	"github.com/emarvault/emarvault/internal/reconcile"
	"github.com/emarvault/emarvault/internal/scheduler"
	"github.com/emarvault/emarvault/internal/sources"
	"github.com/emarvault/emarvault/internal/vault"
)

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("emarvault v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("Starting emarvault", "port", cfg.Port, "dataDir", cfg.DataDir)

	db, err := database.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	authService := auth.New(db, cfg)

	var mailer notify.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewEmailChannel(cfg)
	}
	notifier := notify.New(db, mailer, splitRecipients(cfg.AlertRecipients))

	registry := sources.NewRegistry(db)
	registry.Register(sources.NewSFTP(cfg.SFTPConnectTimeout()))
	if cfg.PCCBaseURL != "" {
		registry.Register(sources.NewPCC(cfg.PCCBaseURL, cfg.SFTPConnectTimeout()))
	}

	engine := archive.NewEngine(cfg.ArchiveTool)
	builder := periods.New(db)
	v := vault.New(db, registry, engine, builder, notifier, authService, cfg)
	sweeper := reconcile.New(db, notifier, cfg)

	sched, err := scheduler.New(db, v, sweeper, cfg)
	if err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	apiHandler := handlers.New(db, authService, registry, builder, notifier)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      apiHandler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}

	sched.Stop()
}

func splitRecipients(raw string) []string {
	var recipients []string
	for _, part := range strings.Split(raw, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	return recipients
}
