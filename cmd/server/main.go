package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/arrival"
	"github.com/stuartshay/arrival-worker/internal/bus"
	"github.com/stuartshay/arrival-worker/internal/config"
	"github.com/stuartshay/arrival-worker/internal/database"
	grpcserver "github.com/stuartshay/arrival-worker/internal/grpc"
	"github.com/stuartshay/arrival-worker/internal/history"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/queue"
	"github.com/stuartshay/arrival-worker/internal/settings"
	"github.com/stuartshay/arrival-worker/internal/share"
	"github.com/stuartshay/arrival-worker/internal/tracing"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Str("version", version).Msg("Starting arrival-worker service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	setLogLevel(cfg.LogLevel)

	policy, err := arrival.ParsePolicy(cfg.ArrivalPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid arrival policy")
	}

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("db_host", cfg.PostgresHost).
		Str("db_port", cfg.PostgresPort).
		Bool("nats", cfg.NATSURL != "").
		Bool("redis", cfg.RedisAddr != "").
		Int("alert_radius_m", cfg.AlertRadiusM).
		Stringer("policy", policy).
		Msg("Configuration loaded")

	shutdownTracer, err := tracing.InitTracer(tracing.FromConfig(cfg, version))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize database client
	dbClient, err := database.NewClient(cfg.DatabaseDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database client")
	}
	defer dbClient.Close()

	// Verify database connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dbClient.HealthCheck(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Database health check failed")
	}
	if err := dbClient.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to create trip schema")
	}
	cancel()
	log.Info().Msg("Database health check passed")

	// Post-trip jobs
	processor := history.NewProcessor(dbClient, cfg.CSVOutputPath)
	jobs := queue.NewQueue(cfg.QueueWorkers, processor.Process, queue.WithRetention(cfg.QueueRetention))

	registry := location.NewRegistry(location.WithMaxAge(cfg.MaxFixAge))
	resolver := database.NewReplayResolver(dbClient, registry, database.WithSpeedup(cfg.ReplaySpeedup))

	checks := []readyCheck{{name: "postgres", check: dbClient.HealthCheck}}
	var sinks []tracking.EventSink

	// Bus: OwnTracks ingest, session events and device commands
	var (
		nc     *nats.Conn
		conn   bus.Conn
		ingest *bus.Ingest
	)
	if cfg.NATSURL != "" {
		nc, err = bus.Connect(cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		conn = nc
		ingest = bus.NewIngest(registry)
		if err := ingest.Subscribe(nc); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe to OwnTracks locations")
		}
		sinks = append(sinks, bus.NewPublisher(nc, tracking.EventDistance))
		checks = append(checks, readyCheck{name: "nats", check: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("status %s", nc.Status())
			}
			return nil
		}})
	}

	// Redis: live position sharing
	var (
		rdb       *redis.Client
		shareSink *share.Sink
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		shareSink = share.NewSink(share.NewService(rdb), cfg.ShareTTL)
		sinks = append(sinks, shareSink)
		checks = append(checks, readyCheck{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// Alert channels
	var local alert.ToneSequencePlayer
	var pcmOut io.WriteCloser
	if cfg.PCMOutput != "" {
		f, err := os.OpenFile(cfg.PCMOutput, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PCMOutput).Msg("Failed to open PCM output")
		}
		pcmOut = f
		local = alert.NewPCMPlayer(f)
	}
	var messaging alert.MessageSender
	if cfg.FirebaseCredentials != "" {
		client, err := alert.NewMessagingClient(context.Background(), cfg.FirebaseCredentials)
		if err != nil {
			log.Warn().Err(err).Msg("Push notifications disabled")
		} else {
			messaging = client
		}
	}
	alerters := newDeviceAlerters(conn, local, messaging,
		alert.WithRepeatPause(cfg.RepeatPause),
		alert.WithDismissAfter(cfg.DismissAfter),
		alert.WithPermissionTimeout(cfg.PermissionTimeout),
		alert.WithSessionWindow(cfg.AlertSessionWindow),
	)

	manager := tracking.NewManager(
		resolver,
		alerters.Alerter,
		settings.NewFileStore(cfg.SettingsPath),
		tracking.WithSessionOptions(
			tracking.WithPolicy(policy),
			tracking.WithCooldown(cfg.ArrivalCooldown),
			tracking.WithDefaultRadius(cfg.AlertRadiusM),
			tracking.WithInitialFixTimeout(cfg.InitialFixTimeout),
		),
		tracking.WithRouterOptions(
			tracking.WithResubscribeDelay(cfg.ResubscribeDelay),
			tracking.WithAutoAdvance(cfg.AutoAdvance),
		),
		tracking.WithSinks(sinks...),
		tracking.WithTripRecorder(jobs),
	)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	trackingServer := grpcserver.NewServer(manager, registry,
		grpcserver.WithJobs(jobs),
		grpcserver.WithHistory(dbClient),
	)
	grpcserver.RegisterTrackingServiceServer(grpcServer, trackingServer)

	// Register health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create TCP listener")
	}

	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           newHTTPHandler(cfg.ServiceName, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, gracefully stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown()

	// Ending the sessions closes their event streams
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop tracking sessions")
	}
	alerters.StopAll()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop HTTP server")
	}

	if ingest != nil {
		if err := ingest.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe from OwnTracks locations")
		}
	}
	registry.Close()

	if shareSink != nil {
		shareSink.Close()
	}
	if err := jobs.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown trip jobs")
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pcmOut != nil {
		_ = pcmOut.Close()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Service shutdown complete")
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("level", level).Msg("Log level set")
}
