package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/hive-corporation/intelcommons/internal/bootstrap"
	"github.com/hive-corporation/intelcommons/internal/config"
	"github.com/hive-corporation/intelcommons/internal/ingest"
	"github.com/hive-corporation/intelcommons/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("INTELCOMMONS_CONFIG"), "Path to YAML configuration")
	listsPath := flag.String("lists", "lists.yaml", "Path to the ingestion plan")
	workers := flag.Int("workers", 8, "Concurrent share operations")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall ingestion deadline")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	lg := logger.New(cfg.Logging)

	plan, err := ingest.LoadPlan(*listsPath)
	if err != nil {
		lg.Fatal().Err(err).Msg("invalid ingestion plan")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	app, err := bootstrap.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to build sharing engine")
	}
	defer app.Close()

	client := &http.Client{Timeout: 2 * time.Minute}
	providers := plan.Providers(client, logger.Component(lg, "provider"))

	lg.Info().Int("lists", len(providers)).Int("workers", *workers).Msg("ingestion started")
	in := ingest.New(app.Engine, plan.OrganizationID, *workers, logger.Component(lg, "ingest"))
	sum, err := in.Run(ctx, providers)
	if err != nil {
		lg.Error().Err(err).Msg("ingestion interrupted")
	}

	lg.Info().
		Int64("fetched", sum.Fetched).
		Int64("shared", sum.Shared).
		Int64("pending", sum.Pending).
		Int64("invalid", sum.Invalid).
		Int64("rate_limited", sum.RateLimited).
		Int64("failed", sum.Failed).
		Msg("ingestion finished")
}
