// Package batch runs the commute metrics calculation for every eligible user
// over one snapshot of pings and facility assignments.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/stuartshay/commute-worker/internal/calculator"
	"github.com/stuartshay/commute-worker/internal/database"
	"github.com/stuartshay/commute-worker/internal/tracing"
)

const progressEvery = 100

// PingSource supplies the raw location pings
type PingSource interface {
	DistinctUserIDs(ctx context.Context) ([]string, error)
	AllPings(ctx context.Context) ([]calculator.LocationPing, error)
}

// FacilityRegistry resolves which of the given users are eligible and the
// club each one belongs to
type FacilityRegistry interface {
	EligibleUsers(ctx context.Context, userIDs []string) ([]database.UserFacility, error)
}

// Calculator computes one user's record. *calculator.MetricsCalculator
// satisfies it.
type Calculator interface {
	Calculate(userID, clubName string, pings []calculator.LocationPing) calculator.UserCommuteMetrics
}

// Result summarises one run
type Result struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Records        []calculator.UserCommuteMetrics
	UsersWithPings int
	EligibleUsers  int
	ValidPings     int
	DroppedPings   int
	DegradedUsers  int
	QualityCounts  map[calculator.DataQuality]int
}

// Runner fans the calculator out over all eligible users
type Runner struct {
	pings      PingSource
	registry   FacilityRegistry
	calculator Calculator
	workers    int
}

// NewRunner creates a runner with a pool of workers goroutines
func NewRunner(pings PingSource, registry FacilityRegistry, calc Calculator, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		pings:      pings,
		registry:   registry,
		calculator: calc,
		workers:    workers,
	}
}

// Run reads one snapshot and computes a record for every eligible user.
// Output is sorted by user id. Only source failures and cancellation return
// an error; a user whose computation panics gets a degraded record.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracing.Tracer("batch").Start(ctx, "batch.Run")
	defer span.End()

	result, err := r.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("run.id", result.RunID),
		attribute.Int("run.users_with_pings", result.UsersWithPings),
		attribute.Int("run.eligible_users", result.EligibleUsers),
		attribute.Int("run.records", len(result.Records)),
		attribute.Int("run.valid_pings", result.ValidPings),
		attribute.Int("run.dropped_pings", result.DroppedPings),
		attribute.Int("run.degraded_users", result.DegradedUsers),
	)
	span.SetStatus(codes.Ok, "run completed")

	return result, nil
}

func (r *Runner) run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:         uuid.New().String(),
		StartedAt:     time.Now().UTC(),
		QualityCounts: make(map[calculator.DataQuality]int),
	}
	logger := log.With().Str("run_id", result.RunID).Logger()

	userIDs, err := r.pings.DistinctUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pings: %w", err)
	}
	result.UsersWithPings = len(userIDs)

	facilities, err := r.registry.EligibleUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve eligible users: %w", err)
	}
	users := dedupe(facilities)
	result.EligibleUsers = len(users)

	pings, err := r.pings.AllPings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pings: %w", err)
	}
	byUser := indexPings(pings)

	for _, u := range users {
		for _, p := range byUser[u.UserID] {
			if _, ok := p.Coordinate(); ok {
				result.ValidPings++
			} else {
				result.DroppedPings++
			}
		}
	}

	logger.Info().
		Int("users_with_pings", result.UsersWithPings).
		Int("eligible_users", result.EligibleUsers).
		Int("pings", len(pings)).
		Msg("Loaded run snapshot")

	records := make([]calculator.UserCommuteMetrics, len(users))
	degraded := make([]bool, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	var processed atomic.Int64

	for i, u := range users {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i], degraded[i] = r.calculateUser(u, byUser[u.UserID])
			if n := processed.Add(1); n%progressEvery == 0 {
				logger.Debug().Int64("processed", n).Int("total", len(users)).Msg("Batch progress")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	for i, rec := range records {
		if degraded[i] {
			result.DegradedUsers++
		}
		result.QualityCounts[rec.DataQuality]++
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })

	result.Records = records
	result.FinishedAt = time.Now().UTC()

	logger.Info().
		Int("records", len(records)).
		Int("degraded_users", result.DegradedUsers).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Batch run completed")

	return result, nil
}

// calculateUser isolates a single user's computation. A panic yields the
// degraded record and true.
func (r *Runner) calculateUser(u database.UserFacility, pings []calculator.LocationPing) (rec calculator.UserCommuteMetrics, degraded bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("user_id", u.UserID).
				Str("club", u.ClubName).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("User calculation failed, recording degraded metrics")
			rec, degraded = calculator.Degraded(u.UserID), true
		}
	}()

	return r.calculator.Calculate(u.UserID, u.ClubName, pings), false
}

// dedupe keeps the first row per user id, preserving order
func dedupe(facilities []database.UserFacility) []database.UserFacility {
	seen := make(map[string]struct{}, len(facilities))
	out := make([]database.UserFacility, 0, len(facilities))
	for _, f := range facilities {
		if _, ok := seen[f.UserID]; ok {
			continue
		}
		seen[f.UserID] = struct{}{}
		out = append(out, f)
	}
	return out
}

func indexPings(pings []calculator.LocationPing) map[string][]calculator.LocationPing {
	byUser := make(map[string][]calculator.LocationPing)
	for _, p := range pings {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}
	return byUser
}
