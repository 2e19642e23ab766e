package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

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

	app, err := bootstrap.Build(context.Background(), cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to build sharing engine")
	}
	defer app.Close()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		lg.Fatal().Err(err).Str("addr", cfg.Server.GRPCAddr).Msg("failed to listen")
	}

	s := grpc.NewServer()
	handler.NewGrpcServer(app.Engine, logger.Component(lg, "grpc")).Register(s)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(handler.GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthSrv)

	go func() {
		lg.Info().Str("addr", cfg.Server.GRPCAddr).Msg("IntelCommons gRPC API listening")
		if err := s.Serve(lis); err != nil {
			lg.Fatal().Err(err).Msg("failed to serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info().Msg("shutting down server")
	healthSrv.Shutdown()
	s.GracefulStop()
}
