package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/hive-corporation/intelcommons/internal/adapter/handler"
	"github.com/hive-corporation/intelcommons/internal/bootstrap"
	"github.com/hive-corporation/intelcommons/internal/config"
	"github.com/hive-corporation/intelcommons/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("INTELCOMMONS_CONFIG"), "Path to YAML configuration")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	lg := logger.New(cfg.Logging)

	ctx := context.Background()
	app, err := bootstrap.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to build sharing engine")
	}
	defer app.Close()

	if err := app.Janitor.Start(); err != nil {
		lg.Fatal().Err(err).Msg("failed to start retention janitor")
	}

	restHandler := handler.NewRestHandler(app.Engine, logger.Component(lg, "rest"))
	for _, c := range app.Checks {
		restHandler.AddHealthCheck(c.Name, c.Fn)
	}
	router := handler.NewRouter(restHandler, cfg.Server.AuthToken, logger.Component(lg, "http"))

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info().Str("addr", cfg.Server.HTTPAddr).Msg("IntelCommons REST API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := app.Janitor.Stop(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("janitor did not stop cleanly")
	}
	lg.Info().Msg("server stopped gracefully")
}
