package calculator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClubs map[string]Coordinate

func (s stubClubs) Lookup(name string) (Coordinate, bool) {
	c, ok := s[name]
	return c, ok
}

var colibri = Coordinate{Latitude: 43.2398083, Longitude: 76.9527295}

func newTestCalculator() *MetricsCalculator {
	return NewMetricsCalculator(stubClubs{"HJ Colibri": colibri}, DefaultNightClassifier(), DefaultParams())
}

func repeat(n int, lat, lon float64, ts *time.Time) []LocationPing {
	pings := make([]LocationPing, n)
	for i := range pings {
		pings[i] = ping(lat, lon, ts)
	}
	return pings
}

func assertNoBookingFields(t *testing.T, m UserCommuteMetrics) {
	t.Helper()
	assert.Nil(t, m.AvgBookingDistanceKm)
	assert.Nil(t, m.MinBookingDistanceKm)
	assert.Nil(t, m.DistanceVariabilityKm)
	assert.Nil(t, m.CommuteConvenienceScore)
}

func TestCalculate_UnknownClub(t *testing.T) {
	c := newTestCalculator()

	m := c.Calculate("u1", "HJ Nowhere", repeat(30, colibri.Latitude, colibri.Longitude, nil))

	assert.Equal(t, QualityNoClubCoords, m.DataQuality)
	assert.Equal(t, "u1", m.UserID)
	assert.Nil(t, m.HomeLatitude)
	assert.Nil(t, m.DistanceHomeToClubKm)
	assert.Equal(t, 0, m.LocationSampleSize)
	assert.False(t, m.IsHomeNearby)
	assertNoBookingFields(t, m)
}

func TestCalculate_NoUserData(t *testing.T) {
	c := newTestCalculator()

	m := c.Calculate("u1", "HJ Colibri", []LocationPing{{UserID: "u1"}})

	assert.Equal(t, QualityNoUserData, m.DataQuality)
	assert.Nil(t, m.HomeLatitude)
	assert.Nil(t, m.DistanceHomeToClubKm)
	assert.Equal(t, 0, m.LocationSampleSize)
	assertNoBookingFields(t, m)
}

func TestCalculate_Insufficient(t *testing.T) {
	c := newTestCalculator()

	pings := []LocationPing{
		ping(43.2500, 76.9500, &nightTime),
		ping(43.2600, 76.9600, &dayTime),
		{UserID: "u1"},
	}
	m := c.Calculate("u1", "HJ Colibri", pings)

	assert.Equal(t, QualityInsufficient, m.DataQuality)
	assert.Equal(t, 2, m.LocationSampleSize)
	require.NotNil(t, m.DistanceHomeToClubKm)
	require.NotNil(t, m.HomeLatitude)
	assert.Equal(t, 43.25, *m.HomeLatitude)
	assertNoBookingFields(t, m)
}

func TestCalculate_GoodAtClub(t *testing.T) {
	c := newTestCalculator()

	pings := append(
		repeat(5, colibri.Latitude, colibri.Longitude, &nightTime),
		repeat(20, colibri.Latitude, colibri.Longitude, &dayTime)...,
	)
	m := c.Calculate("u1", "HJ Colibri", pings)

	require.NotNil(t, m.DistanceHomeToClubKm)
	assert.Equal(t, 0.0, *m.DistanceHomeToClubKm)
	assert.Equal(t, 100.0, *m.HomeLocationConfidence)
	assert.Equal(t, 25, m.LocationSampleSize)
	assert.True(t, m.IsHomeNearby)
	assert.Equal(t, 0.0, *m.AvgBookingDistanceKm)
	assert.Equal(t, 0.0, *m.MinBookingDistanceKm)
	assert.Equal(t, 0.0, *m.DistanceVariabilityKm)
	assert.Equal(t, 1.0, *m.CommuteConvenienceScore)
	assert.Equal(t, QualityGood, m.DataQuality)
}

func TestCalculate_BookingStatistics(t *testing.T) {
	c := newTestCalculator()

	// 1 km steps due north of the club: 0.0089932 degrees of latitude
	step := 1 / (EarthRadiusKM * math.Pi / 180)
	pings := append(repeat(6, colibri.Latitude+4*step, colibri.Longitude, &nightTime),
		repeat(3, colibri.Latitude+2*step, colibri.Longitude, &dayTime)...)
	pings = append(pings, repeat(1, colibri.Latitude+8*step, colibri.Longitude, &dayTime)...)

	m := c.Calculate("u1", "HJ Colibri", pings)

	// 10 samples at 60% confidence
	require.Equal(t, QualityMedium, m.DataQuality)
	assert.Equal(t, 4.0, *m.DistanceHomeToClubKm)
	assert.False(t, m.IsHomeNearby)
	// (6*4 + 3*2 + 8) / 10
	assert.Equal(t, 3.8, *m.AvgBookingDistanceKm)
	// busiest clusters are at 4 km and 2 km
	assert.Equal(t, 2.0, *m.MinBookingDistanceKm)
	// population std-dev of {4x6, 2x3, 8}
	assert.Equal(t, 1.66, *m.DistanceVariabilityKm)
	// 1 - (0.7*0.4 + 0.3*1.66/5)
	assert.Equal(t, 0.6204, *m.CommuteConvenienceScore)
}

func TestCalculate_Grades(t *testing.T) {
	c := newTestCalculator()

	tests := []struct {
		name     string
		home     int
		spread   int
		expected DataQuality
	}{
		{name: "20 samples at 100%", home: 20, spread: 0, expected: QualityGood},
		{name: "20 samples at 30%", home: 6, spread: 14, expected: QualityGood},
		{name: "20 samples at 25%", home: 5, spread: 15, expected: QualityMedium},
		{name: "10 samples at 20%", home: 2, spread: 8, expected: QualityMedium},
		{name: "19 samples at 15%", home: 3, spread: 16, expected: QualityPoor},
		{name: "9 samples at 100%", home: 9, spread: 0, expected: QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pings := repeat(tt.home, 43.2500, 76.9500, &nightTime)
			for i := 0; i < tt.spread; i++ {
				// every spread ping is its own daytime cluster with score 1
				pings = append(pings, ping(43.3000+float64(i)*0.01, 76.9000, &dayTime))
			}
			m := c.Calculate("u1", "HJ Colibri", pings)
			assert.Equal(t, tt.expected, m.DataQuality)
		})
	}
}

func TestCalculate_NearbyBoundary(t *testing.T) {
	c := newTestCalculator()
	degPerKm := 180 / (EarthRadiusKM * math.Pi)

	tests := []struct {
		name     string
		km       float64
		distance float64
		nearby   bool
	}{
		{name: "1.99 km", km: 1.99, distance: 1.99, nearby: true},
		{name: "rounds to exactly 2.0 km", km: 1.9999, distance: 2.0, nearby: false},
		{name: "2.01 km", km: 2.01, distance: 2.01, nearby: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pings := repeat(5, colibri.Latitude+tt.km*degPerKm, colibri.Longitude, nil)
			m := c.Calculate("u1", "HJ Colibri", pings)

			require.NotNil(t, m.DistanceHomeToClubKm)
			assert.Equal(t, tt.distance, *m.DistanceHomeToClubKm)
			assert.Equal(t, tt.nearby, m.IsHomeNearby)
		})
	}
}

func TestCalculate_ConvenienceBounds(t *testing.T) {
	c := newTestCalculator()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		n := 3 + rng.Intn(40)
		pings := make([]LocationPing, n)
		for j := range pings {
			spread := math.Pow(10, float64(rng.Intn(4))-2)
			pings[j] = ping(
				colibri.Latitude+(rng.Float64()-0.5)*spread,
				colibri.Longitude+(rng.Float64()-0.5)*spread,
				&dayTime,
			)
		}

		m := c.Calculate("u1", "HJ Colibri", pings)

		require.NotNil(t, m.CommuteConvenienceScore)
		assert.GreaterOrEqual(t, *m.CommuteConvenienceScore, 0.0)
		assert.LessOrEqual(t, *m.CommuteConvenienceScore, 1.0)
		assert.GreaterOrEqual(t, *m.HomeLocationConfidence, 0.0)
		assert.LessOrEqual(t, *m.HomeLocationConfidence, 100.0)
		assert.Contains(t, []DataQuality{QualityPoor, QualityMedium, QualityGood}, m.DataQuality)
	}
}

func TestCalculate_Idempotent(t *testing.T) {
	c := newTestCalculator()
	pings := append(repeat(4, 43.25, 76.95, &nightTime), repeat(7, 43.26, 76.90, &dayTime)...)

	first := c.Calculate("u1", "HJ Colibri", pings)
	second := c.Calculate("u1", "HJ Colibri", pings)

	assert.Equal(t, first, second)
}

func TestConvenienceScore(t *testing.T) {
	c := newTestCalculator()

	tests := []struct {
		name        string
		distance    float64
		variability float64
		expected    float64
	}{
		{name: "at club, no spread", distance: 0, variability: 0, expected: 1},
		{name: "saturated", distance: 25, variability: 12, expected: 0},
		{name: "distance only", distance: 5, variability: 0, expected: 0.65},
		{name: "spread only", distance: 0, variability: 2.5, expected: 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.ConvenienceScore(tt.distance, tt.variability))
		})
	}
}

func TestConvenienceScore_CustomParams(t *testing.T) {
	params := DefaultParams()
	params.DistanceCapKm = 20
	params.DistanceWeight = 1
	params.VariabilityWeight = 0
	c := NewMetricsCalculator(stubClubs{}, DefaultNightClassifier(), params)

	assert.Equal(t, 0.5, c.ConvenienceScore(10, 4))
}

func TestAlternateLocationDistance_FallsBackToPings(t *testing.T) {
	c := newTestCalculator()
	c.Booking = emptyClusterer{}

	got := c.AlternateLocationDistance(nil, colibri, []float64{3.2, 1.4, 2.8})

	assert.Equal(t, 1.4, got)
}

type emptyClusterer struct{}

func (emptyClusterer) Cluster([]Point) []LocationCluster { return nil }

func TestStdDev(t *testing.T) {
	assert.Equal(t, 0.0, stdDev([]float64{3.3, 3.3, 3.3}))
	assert.Equal(t, 0.0, stdDev([]float64{1}))
	assert.InDelta(t, 2.0, stdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-12)
}

func TestDegraded(t *testing.T) {
	m := Degraded("u9")

	assert.Equal(t, "u9", m.UserID)
	assert.Equal(t, QualityPoor, m.DataQuality)
	assert.Nil(t, m.DistanceHomeToClubKm)
	assertNoBookingFields(t, m)
}
