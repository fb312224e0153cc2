package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stuartshay/commute-worker/internal/calculator"
)

// MetricsTable is the table the profile builder merges by user_id
const MetricsTable = "user_location_metrics"

// metricsColumns is the column order shared by the upsert and the CSV export
var metricsColumns = []string{
	"user_id",
	"home_latitude",
	"home_longitude",
	"home_location_confidence",
	"location_sample_size",
	"distance_home_to_club_km",
	"avg_booking_distance_km",
	"min_booking_distance_km",
	"distance_variability",
	"is_home_nearby",
	"commute_convenience_score",
	"location_data_quality",
}

// MetricsColumns returns the output dataset's column names
func MetricsColumns() []string {
	cols := make([]string, len(metricsColumns))
	copy(cols, metricsColumns)
	return cols
}

func (c *Client) metricsTable() string {
	return pq.QuoteIdentifier(c.schema) + "." + pq.QuoteIdentifier(MetricsTable)
}

// EnsureMetricsTable creates the output table if it does not exist
func (c *Client) EnsureMetricsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id                    TEXT PRIMARY KEY,
			home_latitude              DOUBLE PRECISION,
			home_longitude             DOUBLE PRECISION,
			home_location_confidence   DOUBLE PRECISION,
			location_sample_size       INTEGER NOT NULL DEFAULT 0,
			distance_home_to_club_km   DOUBLE PRECISION,
			avg_booking_distance_km    DOUBLE PRECISION,
			min_booking_distance_km    DOUBLE PRECISION,
			distance_variability       DOUBLE PRECISION,
			is_home_nearby             BOOLEAN NOT NULL DEFAULT FALSE,
			commute_convenience_score  DOUBLE PRECISION,
			location_data_quality      TEXT NOT NULL,
			run_id                     TEXT NOT NULL,
			calculated_at              TIMESTAMPTZ NOT NULL
		)`, c.metricsTable())

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(c.schema))); err != nil {
		return fmt.Errorf("create schema failed: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table failed: %w", err)
	}
	return nil
}

// ReplaceUserMetrics upserts every record of a run and removes rows left
// over from earlier runs, in one transaction, so the table always mirrors a
// single complete run
func (c *Client) ReplaceUserMetrics(ctx context.Context, runID string, calculatedAt time.Time, records []calculator.UserCommuteMetrics) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertStatement(c.metricsTable()))
	if err != nil {
		return fmt.Errorf("prepare upsert failed: %w", err)
	}
	defer func() { _ = stmt.Close() }() // nolint:errcheck // Close in defer, error not actionable

	for _, m := range records {
		args := append(metricsArgs(m), runID, calculatedAt)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert user %s failed: %w", m.UserID, err)
		}
	}

	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE run_id <> $1", c.metricsTable())
	if _, err = tx.ExecContext(ctx, deleteStmt, runID); err != nil {
		return fmt.Errorf("delete stale rows failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// upsertStatement builds the INSERT ... ON CONFLICT statement for table
func upsertStatement(table string) string {
	cols := append(MetricsColumns(), "run_id", "calculated_at")

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != "user_id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (user_id) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// metricsArgs flattens a record in metricsColumns order. Nil pointers become
// SQL NULL.
func metricsArgs(m calculator.UserCommuteMetrics) []interface{} {
	return []interface{}{
		m.UserID,
		m.HomeLatitude,
		m.HomeLongitude,
		m.HomeLocationConfidence,
		m.LocationSampleSize,
		m.DistanceHomeToClubKm,
		m.AvgBookingDistanceKm,
		m.MinBookingDistanceKm,
		m.DistanceVariabilityKm,
		m.IsHomeNearby,
		m.CommuteConvenienceScore,
		string(m.DataQuality),
	}
}

// CountMetricsByQuality summarises the stored dataset per quality grade
func (c *Client) CountMetricsByQuality(ctx context.Context) (map[calculator.DataQuality]int, error) {
	query := fmt.Sprintf(
		"SELECT location_data_quality, COUNT(*) FROM %s GROUP BY location_data_quality",
		c.metricsTable(),
	)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	counts := make(map[calculator.DataQuality]int)
	for rows.Next() {
		var quality string
		var count int
		if err := rows.Scan(&quality, &count); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		counts[calculator.DataQuality(quality)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return counts, nil
}
