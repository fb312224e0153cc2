package calculator

// HomeNightWeight is the extra score a night ping adds to its cluster when
// ranking home candidates
const HomeNightWeight = 2.0

// HomeLocationEstimate is the best-guess home coordinate for one user
type HomeLocationEstimate struct {
	Latitude         float64
	Longitude        float64
	ConfidencePct    float64
	SampleSize       int
	NightOccurrences int
}

// Coordinate returns the estimated home coordinate
func (h HomeLocationEstimate) Coordinate() Coordinate {
	return Coordinate{Latitude: h.Latitude, Longitude: h.Longitude}
}

// HomeLocationEstimator picks the most likely home cluster from a user's pings
type HomeLocationEstimator struct {
	Clusterer Clusterer
	Night     NightClassifier
}

// NewHomeLocationEstimator returns an estimator using 4-decimal quantization
// with night pings weighted double
func NewHomeLocationEstimator(night NightClassifier) HomeLocationEstimator {
	return HomeLocationEstimator{
		Clusterer: NewQuantizeClusterer(HomeNightWeight),
		Night:     night,
	}
}

// Estimate returns nil when the user has no valid pings. Among clusters with
// equal top score the first in clusterer order wins, which for
// QuantizeClusterer is the smallest quantized latitude, then longitude.
func (e HomeLocationEstimator) Estimate(pings []LocationPing) *HomeLocationEstimate {
	return e.estimatePoints(ValidPoints(pings, e.Night))
}

func (e HomeLocationEstimator) estimatePoints(points []Point) *HomeLocationEstimate {
	if len(points) == 0 {
		return nil
	}

	top, ok := topByScore(e.Clusterer.Cluster(points))
	if !ok {
		return nil
	}

	return &HomeLocationEstimate{
		Latitude:         top.MeanLat,
		Longitude:        top.MeanLon,
		ConfidencePct:    roundTo(float64(top.Count)/float64(len(points))*100, 2),
		SampleSize:       len(points),
		NightOccurrences: top.NightCount,
	}
}
