package calculator

import "time"

// LocationPing is one raw location reading as delivered by the ping source.
// Coordinates and timestamp are optional; pings without a valid coordinate
// pair are ignored by every computation in this package.
type LocationPing struct {
	UserID    string
	Latitude  *float64
	Longitude *float64
	Timestamp *time.Time
}

// Point is a validated ping with its night classification resolved
type Point struct {
	Coordinate
	Night bool
}

// Coordinate returns the ping position; false when it is missing or invalid
func (p LocationPing) Coordinate() (Coordinate, bool) {
	if p.Latitude == nil || p.Longitude == nil {
		return Coordinate{}, false
	}
	c := Coordinate{Latitude: *p.Latitude, Longitude: *p.Longitude}
	return c, c.Valid()
}

// NightClassifier decides whether a ping was recorded during local night hours
type NightClassifier struct {
	// Offset shifts UTC timestamps into local time
	Offset time.Duration
	// StartHour and EndHour bound the night window inclusively, wrapping midnight
	StartHour int
	EndHour   int
}

// DefaultNightClassifier returns the +5h, 22:00-08:59 classifier
func DefaultNightClassifier() NightClassifier {
	return NightClassifier{
		Offset:    5 * time.Hour,
		StartHour: 22,
		EndHour:   8,
	}
}

// IsNight reports whether ts falls inside the night window. A missing
// timestamp is never night.
func (n NightClassifier) IsNight(ts *time.Time) bool {
	if ts == nil || ts.IsZero() {
		return false
	}
	hour := ts.UTC().Add(n.Offset).Hour()
	if n.StartHour <= n.EndHour {
		return hour >= n.StartHour && hour <= n.EndHour
	}
	return hour >= n.StartHour || hour <= n.EndHour
}

// ValidPoints drops pings with missing or invalid coordinates and classifies
// the rest. Input order is preserved.
func ValidPoints(pings []LocationPing, night NightClassifier) []Point {
	points := make([]Point, 0, len(pings))
	for _, p := range pings {
		c, ok := p.Coordinate()
		if !ok {
			continue
		}
		points = append(points, Point{Coordinate: c, Night: night.IsNight(p.Timestamp)})
	}
	return points
}
