package worker

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/commute-worker/internal/calculator"
	"github.com/stuartshay/commute-worker/internal/database"
)

// csvFileName is user_location_metrics_YYYYMMDD_HHMMSS.csv for at (UTC)
func csvFileName(at time.Time) string {
	return fmt.Sprintf("%s_%s.csv", database.MetricsTable, at.UTC().Format("20060102_150405"))
}

// writeCSV exports records to a timestamped file in dir and returns its path
func writeCSV(dir string, at time.Time, records []calculator.UserCommuteMetrics) (path string, err error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path = filepath.Join(dir, csvFileName(at))

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close CSV file: %w", closeErr)
		}
	}()

	writer := csv.NewWriter(file)

	if err := writer.Write(database.MetricsColumns()); err != nil {
		return "", fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, m := range records {
		if err := writer.Write(csvRow(m)); err != nil {
			return "", fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to flush CSV file: %w", err)
	}

	log.Info().Str("csv_path", path).Int("rows", len(records)).Msg("CSV file generated successfully")

	return path, nil
}

// csvRow renders a record in database.MetricsColumns order; absent values
// are empty cells
func csvRow(m calculator.UserCommuteMetrics) []string {
	return []string{
		m.UserID,
		optionalFloat(m.HomeLatitude),
		optionalFloat(m.HomeLongitude),
		optionalFloat(m.HomeLocationConfidence),
		strconv.Itoa(m.LocationSampleSize),
		optionalFloat(m.DistanceHomeToClubKm),
		optionalFloat(m.AvgBookingDistanceKm),
		optionalFloat(m.MinBookingDistanceKm),
		optionalFloat(m.DistanceVariabilityKm),
		strconv.FormatBool(m.IsHomeNearby),
		optionalFloat(m.CommuteConvenienceScore),
		string(m.DataQuality),
	}
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
