// stride is a federated activity-sharing server. Workouts are uploaded as
// FIT or GPX files, analyzed locally, and shared to the Fediverse over
// ActivityPub. It runs as a single binary with SQLite by default, requiring
// no external database for self-hosted deployments.
//
// Usage:
//
//	export JWT_SECRET=<a long random string>
//	export DOMAIN=stride.example
//	export BASE_URL=https://stride.example
//	./stride
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stridefed/stride/internal/account"
	"github.com/stridefed/stride/internal/analytics"
	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/batch"
	"github.com/stridefed/stride/internal/config"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/heatmap"
	"github.com/stridefed/stride/internal/pipeline"
	"github.com/stridefed/stride/internal/server"
	"github.com/stridefed/stride/internal/timeline"
	"github.com/stridefed/stride/internal/weather"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	log := slog.Default()

	slog.Info("starting stride", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"domain", cfg.Domain,
		"base_url", cfg.BaseURL,
		"database", cfg.DatabaseURL,
		"weather", cfg.WeatherEnabled,
		"registration", cfg.RegistrationEnabled,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Federation plumbing ──────────────────────────────────────────────────
	urls := ap.NewURLs(cfg.BaseURL, cfg.Domain)
	client := ap.NewClient()
	resolver := ap.NewResolver(store, client, log)
	outbox := ap.NewDispatcher(store, client, resolver, urls, log)
	inbox := ap.NewProcessor(store, resolver, outbox, urls, log)

	// ─── Analytics ────────────────────────────────────────────────────────────
	records := analytics.NewRecords(store, log)
	achievements := analytics.NewAchievements(store, log)
	load := analytics.NewLoad(store, log)
	summaries := analytics.NewSummaries(store, log)
	hm := heatmap.New(store, log)

	var wx *weather.Service
	if cfg.WeatherEnabled {
		wx = weather.New(cfg.WeatherAPIKey, store, log)
	}

	// ─── Ingestion pipeline ───────────────────────────────────────────────────
	pl := pipeline.New(store, records, achievements, load, summaries, hm, wx,
		outbox, urls, log)
	importer := batch.NewImporter(store, pl, log)

	// ─── Accounts ─────────────────────────────────────────────────────────────
	accounts := account.New(store, outbox, urls, cfg.JWTSecret, cfg.JWTExpiration,
		cfg.RegistrationEnabled, log)

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Start HTTP server ────────────────────────────────────────────────────
	srv := server.New(cfg, server.Deps{
		Store:    store,
		URLs:     urls,
		Accounts: accounts,
		Pipeline: pl,
		Importer: importer,
		Timeline: timeline.New(store, urls, log),
		Heatmap:  hm,
		Inbox:    inbox,
		Resolver: resolver,
		Client:   client,
		Outbox:   outbox,
		Log:      log,
	})
	srv.Start(ctx) // blocks until ctx is cancelled

	// Stop accepting batch work first, then let in-flight side effects and
	// outgoing deliveries finish.
	importer.Close()
	pl.Drain(30 * time.Second)
	outbox.Drain(30 * time.Second)

	slog.Info("stride stopped")
}
