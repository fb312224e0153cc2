package calculator

import "math"

// DataQuality grades how far a user's metrics can be trusted
type DataQuality string

// Data quality grades, in the priority order they are assigned
const (
	QualityNoClubCoords DataQuality = "no_club_coords"
	QualityNoUserData   DataQuality = "no_user_data"
	QualityInsufficient DataQuality = "insufficient"
	QualityPoor         DataQuality = "poor"
	QualityMedium       DataQuality = "medium"
	QualityGood         DataQuality = "good"
)

// AllQualities lists every grade a record can carry
var AllQualities = []DataQuality{
	QualityNoClubCoords,
	QualityNoUserData,
	QualityInsufficient,
	QualityPoor,
	QualityMedium,
	QualityGood,
}

// FacilityLookup resolves a facility display name to its coordinate
type FacilityLookup interface {
	Lookup(name string) (Coordinate, bool)
}

// Params holds the tunable thresholds of the commute metrics
type Params struct {
	NearbyThresholdKm float64
	MinSamples        int

	DistanceCapKm     float64
	VariabilityCapKm  float64
	DistanceWeight    float64
	VariabilityWeight float64

	// AlternateClusters is how many of the busiest clusters are considered
	// when looking for the closest frequent location to the facility
	AlternateClusters int

	GoodMinSamples      int
	GoodMinConfidence   float64
	MediumMinSamples    int
	MediumMinConfidence float64
}

// DefaultParams returns the production thresholds
func DefaultParams() Params {
	return Params{
		NearbyThresholdKm:   2.0,
		MinSamples:          3,
		DistanceCapKm:       10,
		VariabilityCapKm:    5,
		DistanceWeight:      0.7,
		VariabilityWeight:   0.3,
		AlternateClusters:   2,
		GoodMinSamples:      20,
		GoodMinConfidence:   30,
		MediumMinSamples:    10,
		MediumMinConfidence: 20,
	}
}

// UserCommuteMetrics is the output record for one user. Nil pointers are
// absent values.
type UserCommuteMetrics struct {
	UserID                  string
	HomeLatitude            *float64
	HomeLongitude           *float64
	HomeLocationConfidence  *float64
	LocationSampleSize      int
	DistanceHomeToClubKm    *float64
	AvgBookingDistanceKm    *float64
	MinBookingDistanceKm    *float64
	DistanceVariabilityKm   *float64
	IsHomeNearby            bool
	CommuteConvenienceScore *float64
	DataQuality             DataQuality
}

// MetricsCalculator computes UserCommuteMetrics for one user at a time.
// It holds no mutable state and is safe for concurrent use.
type MetricsCalculator struct {
	Clubs   FacilityLookup
	Home    HomeLocationEstimator
	Booking Clusterer
	Params  Params
}

// NewMetricsCalculator wires the default estimator and secondary clusterer
func NewMetricsCalculator(clubs FacilityLookup, night NightClassifier, params Params) *MetricsCalculator {
	return &MetricsCalculator{
		Clubs:   clubs,
		Home:    NewHomeLocationEstimator(night),
		Booking: NewQuantizeClusterer(0),
		Params:  params,
	}
}

// Calculate never fails: missing inputs are reported through DataQuality
func (m *MetricsCalculator) Calculate(userID, clubName string, pings []LocationPing) UserCommuteMetrics {
	metrics := UserCommuteMetrics{UserID: userID}

	club, ok := m.Clubs.Lookup(clubName)
	if !ok {
		metrics.DataQuality = QualityNoClubCoords
		return metrics
	}

	points := ValidPoints(pings, m.Home.Night)
	home := m.Home.estimatePoints(points)
	if home == nil {
		metrics.DataQuality = QualityNoUserData
		return metrics
	}

	metrics.HomeLatitude = float64Ptr(home.Latitude)
	metrics.HomeLongitude = float64Ptr(home.Longitude)
	metrics.HomeLocationConfidence = float64Ptr(home.ConfidencePct)
	metrics.LocationSampleSize = home.SampleSize

	homeDistance := roundTo(DistanceKm(home.Coordinate(), club), 2)
	metrics.DistanceHomeToClubKm = float64Ptr(homeDistance)
	metrics.IsHomeNearby = homeDistance < m.Params.NearbyThresholdKm

	if len(points) < m.Params.MinSamples {
		metrics.DataQuality = QualityInsufficient
		return metrics
	}

	distances := make([]float64, len(points))
	for i, p := range points {
		distances[i] = DistanceKm(p.Coordinate, club)
	}

	variability := roundTo(stdDev(distances), 2)

	metrics.AvgBookingDistanceKm = float64Ptr(roundTo(mean(distances), 2))
	metrics.MinBookingDistanceKm = float64Ptr(roundTo(m.AlternateLocationDistance(points, club, distances), 2))
	metrics.DistanceVariabilityKm = float64Ptr(variability)
	metrics.CommuteConvenienceScore = float64Ptr(m.ConvenienceScore(DistanceKm(home.Coordinate(), club), variability))
	metrics.DataQuality = m.Grade(*home)

	return metrics
}

// AlternateLocationDistance is the distance from the facility to the closest
// of the user's busiest unweighted clusters. It approximates how far the
// user's probable secondary location (workplace, say) is from the club.
// With no clusters it falls back to the smallest per-ping distance.
func (m *MetricsCalculator) AlternateLocationDistance(points []Point, club Coordinate, distances []float64) float64 {
	top := topByCount(m.Booking.Cluster(points), m.Params.AlternateClusters)
	if len(top) == 0 {
		return minimum(distances)
	}

	best := math.Inf(1)
	for _, c := range top {
		best = math.Min(best, DistanceKm(c.Mean(), club))
	}
	return best
}

// ConvenienceScore combines home distance and booking spread into [0, 1],
// rounded to 4 decimals
func (m *MetricsCalculator) ConvenienceScore(homeDistanceKm, variabilityKm float64) float64 {
	p := m.Params
	distanceNorm := math.Min(1, homeDistanceKm/p.DistanceCapKm)
	variabilityNorm := math.Min(1, variabilityKm/p.VariabilityCapKm)

	score := 1 - (p.DistanceWeight*distanceNorm + p.VariabilityWeight*variabilityNorm)
	return roundTo(math.Max(0, math.Min(1, score)), 4)
}

// Grade classifies a home estimate by its own sample size and confidence
func (m *MetricsCalculator) Grade(home HomeLocationEstimate) DataQuality {
	p := m.Params
	switch {
	case home.SampleSize >= p.GoodMinSamples && home.ConfidencePct >= p.GoodMinConfidence:
		return QualityGood
	case home.SampleSize >= p.MediumMinSamples && home.ConfidencePct >= p.MediumMinConfidence:
		return QualityMedium
	default:
		return QualityPoor
	}
}

// Degraded returns the record used when a user's computation could not
// complete
func Degraded(userID string) UserCommuteMetrics {
	return UserCommuteMetrics{UserID: userID, DataQuality: QualityPoor}
}

func float64Ptr(v float64) *float64 {
	return &v
}

func mean(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	return sortedSum(sorted) / float64(len(values))
}

func minimum(values []float64) float64 {
	lowest := math.Inf(1)
	for _, v := range values {
		lowest = math.Min(lowest, v)
	}
	return lowest
}

// stdDev is the population standard deviation, exactly zero when all values
// are equal
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	distinct := false
	for _, v := range values[1:] {
		if v != values[0] {
			distinct = true
			break
		}
	}
	if !distinct {
		return 0
	}

	mu := mean(values)
	squares := make([]float64, len(values))
	for i, v := range values {
		squares[i] = (v - mu) * (v - mu)
	}
	return math.Sqrt(sortedSum(squares) / float64(len(values)))
}
