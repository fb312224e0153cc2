package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/commute-worker/internal/batch"
	"github.com/stuartshay/commute-worker/internal/calculator"
	"github.com/stuartshay/commute-worker/internal/clubs"
	"github.com/stuartshay/commute-worker/internal/config"
	"github.com/stuartshay/commute-worker/internal/database"
	"github.com/stuartshay/commute-worker/internal/pingstore"
	"github.com/stuartshay/commute-worker/internal/queue"
	"github.com/stuartshay/commute-worker/internal/tracing"
	"github.com/stuartshay/commute-worker/internal/worker"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Str("version", version).Msg("Starting commute-worker service")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("db_host", cfg.PostgresHost).
		Str("db_schema", cfg.PostgresSchema).
		Str("mongo_db", cfg.MongoDB).
		Int("batch_workers", cfg.BatchWorkers).
		Dur("run_interval", cfg.RunInterval).
		Bool("run_once", cfg.RunOnce).
		Msg("Configuration loaded")

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		SampleRatio:    cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	clubTable, err := clubs.LoadFile(cfg.ClubsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load club coordinates")
	}
	log.Info().Strs("clubs", clubTable.Names()).Msg("Club coordinates loaded")

	dbClient, err := database.NewClient(cfg.DatabaseDSN(), cfg.PostgresSchema)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database client")
	}
	defer func() { _ = dbClient.Close() }() // nolint:errcheck // Close in defer, error not actionable

	log.Info().Msg("Database connection established")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if err := dbClient.EnsureMetricsTable(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare metrics table")
	}

	pings, err := pingstore.Connect(startupCtx, cfg.MongoURI, cfg.MongoDB, cfg.MongoCollection)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ping store")
	}
	defer func() { _ = pings.Close(context.Background()) }() // nolint:errcheck // Close in defer, error not actionable

	log.Info().Str("collection", cfg.MongoCollection).Msg("Ping store connection established")

	calc := calculator.NewMetricsCalculator(clubTable, cfg.NightClassifier(), cfg.Params())
	runner := batch.NewRunner(pings, dbClient, calc, cfg.BatchWorkers)
	workerServer := worker.NewServer(cfg.CSVOutputPath, runner, dbClient)

	grpcServer := newGRPCServer(workerServer)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobID, err := workerServer.TriggerRun("startup")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to queue startup run")
	}

	exitCode := 0
	if cfg.RunOnce {
		exitCode = waitForRun(ctx, workerServer, jobID)
	} else {
		go workerServer.Schedule(ctx, cfg.RunInterval)
		go workerServer.MonitorHealth(ctx, 30*time.Second, map[string]worker.HealthCheck{
			"postgres": dbClient.HealthCheck,
			"mongo":    pings.HealthCheck,
		})

		<-ctx.Done()
		log.Info().Msg("Shutdown signal received, gracefully stopping...")
	}

	shutdown(grpcServer, workerServer, shutdownTracer)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// newGRPCServer builds the instrumented gRPC server exposing health and
// reflection
func newGRPCServer(w *worker.Server) *grpc.Server {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	w.Register(grpcServer)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	return grpcServer
}

// waitForRun blocks until the run finishes and returns the process exit code
func waitForRun(ctx context.Context, w *worker.Server, jobID string) int {
	job, err := w.WaitRun(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Interrupted while waiting for run")
		return 1
	}
	logJob(job)
	if job.Status != queue.StatusCompleted {
		return 1
	}
	return 0
}

func logJob(job *queue.Job) {
	if job.Status != queue.StatusCompleted || job.Result == nil {
		log.Error().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Str("error", job.ErrorMessage).
			Msg("Batch run failed")
		return
	}

	event := log.Info().
		Str("job_id", job.ID).
		Str("run_id", job.Result.RunID).
		Str("csv_path", job.Result.CSVPath).
		Int("records", job.Result.Records).
		Int("degraded_users", job.Result.DegradedUsers).
		Int64("processing_time_ms", job.Result.ProcessingTimeMS)
	for _, quality := range calculator.AllQualities {
		event = event.Int("quality_"+string(quality), job.Result.QualityCounts[string(quality)])
	}
	event.Msg("Batch run completed")
}

func shutdown(grpcServer *grpc.Server, w *worker.Server, shutdownTracer tracing.ShutdownFunc) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Report NOT_SERVING and stop the run queue before closing connections
	if err := w.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown run queue")
	}

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

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown tracer")
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
