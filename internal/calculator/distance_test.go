package calculator

import (
	"math"
	"testing"

	"github.com/golang/geo/s2"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name:      "Same location",
			lat1:      43.2398083,
			lon1:      76.9527295,
			lat2:      43.2398083,
			lon2:      76.9527295,
			expected:  0.0,
			tolerance: 0.001,
		},
		{
			name:      "Colibri to Promenade (~2.3 km)",
			lat1:      43.2398083,
			lon1:      76.9527295,
			lat2:      43.2397899,
			lon2:      76.9240991,
			expected:  2.32,
			tolerance: 0.05,
		},
		{
			name:      "Almaty to Astana (~970 km)",
			lat1:      43.2398083,
			lon1:      76.9527295,
			lat2:      51.1403179,
			lon2:      71.4102712,
			expected:  970.0,
			tolerance: 15.0,
		},
		{
			name:      "Equator crossing",
			lat1:      1.0,
			lon1:      0.0,
			lat2:      -1.0,
			lon2:      0.0,
			expected:  222.4,
			tolerance: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(result-tt.expected) > tt.tolerance {
				t.Errorf("Haversine() = %.2f km, expected %.2f km (±%.2f km)", result, tt.expected, tt.tolerance)
			}
		})
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	points := []Coordinate{
		{Latitude: 43.2398083, Longitude: 76.9527295},
		{Latitude: 51.1208937, Longitude: 71.4206657},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 0, Longitude: 179.9999},
		{Latitude: 0, Longitude: -179.9999},
	}

	for _, a := range points {
		if d := DistanceKm(a, a); d != 0 {
			t.Errorf("DistanceKm(%v, %v) = %v, expected 0", a, a, d)
		}
		for _, b := range points {
			if DistanceKm(a, b) != DistanceKm(b, a) {
				t.Errorf("DistanceKm not symmetric for %v and %v", a, b)
			}
		}
	}
}

func TestDistanceKm_MatchesS2(t *testing.T) {
	a := Coordinate{Latitude: 43.2398083, Longitude: 76.9527295}
	b := Coordinate{Latitude: 43.2116139, Longitude: 76.9180874}

	want := s2.LatLngFromDegrees(a.Latitude, a.Longitude).
		Distance(s2.LatLngFromDegrees(b.Latitude, b.Longitude)).Radians() * EarthRadiusKM

	if got := DistanceKm(a, b); math.Abs(got-want) > 1e-6 {
		t.Errorf("DistanceKm() = %.9f, s2 gives %.9f", got, want)
	}
}

func TestCoordinateValid(t *testing.T) {
	tests := []struct {
		name  string
		coord Coordinate
		valid bool
	}{
		{name: "regular", coord: Coordinate{Latitude: 43.2, Longitude: 76.9}, valid: true},
		{name: "origin", coord: Coordinate{}, valid: true},
		{name: "latitude out of range", coord: Coordinate{Latitude: 91, Longitude: 0}, valid: false},
		{name: "longitude out of range", coord: Coordinate{Latitude: 0, Longitude: 181}, valid: false},
		{name: "NaN", coord: Coordinate{Latitude: math.NaN(), Longitude: 0}, valid: false},
		{name: "infinite", coord: Coordinate{Latitude: 0, Longitude: math.Inf(1)}, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.coord.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, expected %v", got, tt.valid)
			}
		})
	}
}

func TestDegreesToRadians(t *testing.T) {
	tests := []struct {
		degrees  float64
		expected float64
	}{
		{0, 0},
		{90, math.Pi / 2},
		{180, math.Pi},
		{360, 2 * math.Pi},
		{-90, -math.Pi / 2},
	}

	for _, tt := range tests {
		result := degreesToRadians(tt.degrees)
		if math.Abs(result-tt.expected) > 1e-9 {
			t.Errorf("degreesToRadians(%.0f) = %.6f, expected %.6f", tt.degrees, result, tt.expected)
		}
	}
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		value    float64
		places   int
		expected float64
	}{
		{1.23456, 2, 1.23},
		{1.235001, 2, 1.24},
		{0.99996, 4, 1.0},
		{-2.5555, 1, -2.6},
	}

	for _, tt := range tests {
		if got := roundTo(tt.value, tt.places); got != tt.expected {
			t.Errorf("roundTo(%v, %d) = %v, expected %v", tt.value, tt.places, got, tt.expected)
		}
	}
}
