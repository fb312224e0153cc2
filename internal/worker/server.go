// Package worker runs commute metrics batch jobs on a schedule, persists
// their output to PostgreSQL and CSV, and reports service health over gRPC.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/stuartshay/commute-worker/internal/batch"
	"github.com/stuartshay/commute-worker/internal/calculator"
	"github.com/stuartshay/commute-worker/internal/queue"
	"github.com/stuartshay/commute-worker/internal/tracing"
)

// ServiceName is the health service name reported alongside the overall
// ("") status
const ServiceName = "commute.v1.CommuteWorker"

// Runner computes one batch run
type Runner interface {
	Run(ctx context.Context) (*batch.Result, error)
}

// MetricsStore persists a completed run
type MetricsStore interface {
	ReplaceUserMetrics(ctx context.Context, runID string, calculatedAt time.Time, records []calculator.UserCommuteMetrics) error
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Server owns the run queue and the health service
type Server struct {
	csvOutputPath string
	runner        Runner
	store         MetricsStore
	queue         *queue.Queue
	health        *health.Server
}

// NewServer creates a server whose queue runs one batch at a time. store may
// be nil, in which case only the CSV file is written.
func NewServer(csvOutputPath string, runner Runner, store MetricsStore) *Server {
	s := &Server{
		csvOutputPath: csvOutputPath,
		runner:        runner,
		store:         store,
		health:        health.NewServer(),
	}

	// One worker: runs never overlap
	s.queue = queue.NewQueue(1, s.processRunJob)

	s.setServing(grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

// Register attaches the health service to a gRPC server
func (s *Server) Register(grpcServer *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
}

// TriggerRun enqueues a batch run and returns its job id
func (s *Server) TriggerRun(trigger string) (string, error) {
	jobID, err := s.queue.Enqueue(trigger)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run: %w", err)
	}

	log.Info().Str("job_id", jobID).Str("trigger", trigger).Msg("Batch run queued")
	return jobID, nil
}

// WaitRun blocks until the job finishes and returns its final state
func (s *Server) WaitRun(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.queue.Wait(ctx, jobID)
}

// Jobs lists runs, newest first
func (s *Server) Jobs(status queue.JobStatus, limit, offset int) []*queue.Job {
	return s.queue.ListJobs(status, limit, offset)
}

// Schedule enqueues a run every interval until ctx is done. A tick that
// finds the queue full is skipped.
func (s *Server) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.TriggerRun("schedule"); err != nil {
				if errors.Is(err, queue.ErrQueueFull) {
					log.Warn().Msg("Previous runs still pending, skipping scheduled run")
					continue
				}
				log.Error().Err(err).Msg("Failed to schedule run")
			}
		}
	}
}

// MonitorHealth runs checks every interval and flips the health status to
// NOT_SERVING while any of them fails
func (s *Server) MonitorHealth(ctx context.Context, interval time.Duration, checks map[string]HealthCheck) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.checkHealth(ctx, checks)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) checkHealth(ctx context.Context, checks map[string]HealthCheck) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(checkCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	s.setServing(status)
}

func (s *Server) setServing(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// processRunJob is the queue worker function: run, persist, export
func (s *Server) processRunJob(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	ctx, span := tracing.Tracer("worker").Start(ctx, "worker.ProcessRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.trigger", job.Trigger),
	)

	log.Info().
		Str("job_id", job.ID).
		Str("trigger", job.Trigger).
		Msg("Processing batch run")

	result, err := s.runner.Run(ctx)
	if err != nil {
		return nil, fail(span, "batch run failed", err)
	}
	span.SetAttributes(attribute.String("run.id", result.RunID))

	if s.store != nil {
		if err := s.store.ReplaceUserMetrics(ctx, result.RunID, result.FinishedAt, result.Records); err != nil {
			return nil, fail(span, "metrics upsert failed", err)
		}
		log.Info().Int("records", len(result.Records)).Msg("Metrics written to database")
	}

	csvPath, err := writeCSV(s.csvOutputPath, result.FinishedAt, result.Records)
	if err != nil {
		return nil, fail(span, "CSV generation failed", err)
	}

	qualityCounts := make(map[string]int, len(result.QualityCounts))
	for q, n := range result.QualityCounts {
		qualityCounts[string(q)] = n
	}

	span.SetStatus(codes.Ok, "run persisted")

	return &queue.JobResult{
		RunID:          result.RunID,
		CSVPath:        csvPath,
		Records:        len(result.Records),
		UsersWithPings: result.UsersWithPings,
		EligibleUsers:  result.EligibleUsers,
		ValidPings:     result.ValidPings,
		DroppedPings:   result.DroppedPings,
		DegradedUsers:  result.DegradedUsers,
		QualityCounts:  qualityCounts,
	}, nil
}

func fail(span trace.Span, msg string, err error) error {
	log.Error().Err(err).Msg(msg)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return fmt.Errorf("%s: %w", msg, err)
}

// Shutdown reports NOT_SERVING and stops the run queue
func (s *Server) Shutdown(timeout time.Duration) error {
	s.health.Shutdown()
	return s.queue.Shutdown(timeout)
}
