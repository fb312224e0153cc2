// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stuartshay/commute-worker/internal/calculator"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string

	// PostgreSQL: user/club registry and metrics output
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSchema   string

	// MongoDB: raw location pings
	MongoURI        string
	MongoDB         string
	MongoCollection string

	// Club coordinate table override (YAML); empty uses the built-in table
	ClubsFile string

	// CSV output directory
	CSVOutputPath string

	// Batch scheduling
	BatchWorkers int
	RunInterval  time.Duration
	RunOnce      bool

	// Night classification
	LocalUTCOffsetHours float64

	// Commute metric tuning
	NearbyThresholdKM float64
	DistanceCapKM     float64
	VariabilityCapKM  float64
	DistanceWeight    float64
	VariabilityWeight float64

	// OpenTelemetry configuration
	OTELEnabled     bool
	OTELEndpoint    string
	OTELSampleRatio float64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	defaults := calculator.DefaultParams()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "commute-worker"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "analytics"),
		PostgresUser:     getEnv("POSTGRES_USER", "development"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "development"),
		PostgresSchema:   getEnv("POSTGRES_SCHEMA", "ris"),

		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:         getEnv("MONGO_DB", "herojourney"),
		MongoCollection: getEnv("MONGO_COLLECTION", "userslocations"),

		ClubsFile:     getEnv("CLUBS_FILE", ""),
		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "/data/csv"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	var err error

	floats := []struct {
		key   string
		def   string
		dest  *float64
		check func(float64) bool
		rule  string
	}{
		{"LOCAL_UTC_OFFSET_HOURS", "5", &cfg.LocalUTCOffsetHours, func(v float64) bool { return v >= -12 && v <= 14 }, "between -12 and 14"},
		{"NEARBY_THRESHOLD_KM", formatFloat(defaults.NearbyThresholdKm), &cfg.NearbyThresholdKM, positive, "greater than 0"},
		{"DISTANCE_CAP_KM", formatFloat(defaults.DistanceCapKm), &cfg.DistanceCapKM, positive, "greater than 0"},
		{"VARIABILITY_CAP_KM", formatFloat(defaults.VariabilityCapKm), &cfg.VariabilityCapKM, positive, "greater than 0"},
		{"DISTANCE_WEIGHT", formatFloat(defaults.DistanceWeight), &cfg.DistanceWeight, nonNegative, "0 or greater"},
		{"VARIABILITY_WEIGHT", formatFloat(defaults.VariabilityWeight), &cfg.VariabilityWeight, nonNegative, "0 or greater"},
		{"OTEL_SAMPLE_RATIO", "1", &cfg.OTELSampleRatio, func(v float64) bool { return v >= 0 && v <= 1 }, "between 0 and 1"},
	}
	for _, f := range floats {
		*f.dest, err = parseFloat(f.key, f.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if !f.check(*f.dest) {
			return nil, fmt.Errorf("invalid %s: must be %s, got %v", f.key, f.rule, *f.dest)
		}
	}

	cfg.BatchWorkers, err = strconv.Atoi(getEnv("BATCH_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid BATCH_WORKERS: %w", err)
	}
	if cfg.BatchWorkers < 1 {
		return nil, fmt.Errorf("invalid BATCH_WORKERS: must be at least 1, got %d", cfg.BatchWorkers)
	}

	cfg.RunInterval, err = time.ParseDuration(getEnv("RUN_INTERVAL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_INTERVAL: %w", err)
	}
	if cfg.RunInterval < time.Minute {
		return nil, fmt.Errorf("invalid RUN_INTERVAL: must be at least 1m, got %s", cfg.RunInterval)
	}

	cfg.RunOnce, err = parseBool("RUN_ONCE", "false")
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_ONCE: %w", err)
	}

	cfg.OTELEnabled, err = parseBool("OTEL_ENABLED", "true")
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// Params returns the calculator parameters with configured overrides applied
func (c *Config) Params() calculator.Params {
	p := calculator.DefaultParams()
	p.NearbyThresholdKm = c.NearbyThresholdKM
	p.DistanceCapKm = c.DistanceCapKM
	p.VariabilityCapKm = c.VariabilityCapKM
	p.DistanceWeight = c.DistanceWeight
	p.VariabilityWeight = c.VariabilityWeight
	return p
}

// NightClassifier returns the default night window shifted to the
// configured local offset
func (c *Config) NightClassifier() calculator.NightClassifier {
	n := calculator.DefaultNightClassifier()
	n.Offset = time.Duration(c.LocalUTCOffsetHours * float64(time.Hour))
	return n
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseFloat parses a float64 from an environment variable or default value
func parseFloat(key, defaultValue string) (float64, error) {
	value := getEnv(key, defaultValue)
	return strconv.ParseFloat(value, 64)
}

func parseBool(key, defaultValue string) (bool, error) {
	value := getEnv(key, defaultValue)
	return strconv.ParseBool(strings.TrimSpace(value))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func positive(v float64) bool    { return v > 0 }
func nonNegative(v float64) bool { return v >= 0 }
