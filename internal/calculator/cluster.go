package calculator

import (
	"math"
	"sort"
)

// DefaultPrecision is the number of decimal places coordinates are
// quantized to when forming cluster keys (about 11 m at the equator)
const DefaultPrecision = 4

// LocationCluster is a group of pings sharing a quantized coordinate
type LocationCluster struct {
	// QuantizedLat and QuantizedLon are the coordinates scaled by
	// 10^precision and rounded, so keys compare exactly
	QuantizedLat int64
	QuantizedLon int64
	MeanLat      float64
	MeanLon      float64
	Count        int
	NightCount   int
	Score        float64
}

// Mean returns the unquantized centroid of the cluster
func (c LocationCluster) Mean() Coordinate {
	return Coordinate{Latitude: c.MeanLat, Longitude: c.MeanLon}
}

// Clusterer groups points into candidate locations. Implementations must
// return clusters in a deterministic order that does not depend on the
// order of the input points.
type Clusterer interface {
	Cluster(points []Point) []LocationCluster
}

// QuantizeClusterer clusters points by rounding their coordinates to a fixed
// decimal precision. Clusters are ordered by ascending quantized latitude,
// then ascending quantized longitude.
type QuantizeClusterer struct {
	Precision int
	// NightWeight is the extra score each night ping contributes
	NightWeight float64
}

// NewQuantizeClusterer returns a clusterer at DefaultPrecision
func NewQuantizeClusterer(nightWeight float64) QuantizeClusterer {
	return QuantizeClusterer{Precision: DefaultPrecision, NightWeight: nightWeight}
}

type clusterKey struct {
	lat, lon int64
}

type clusterAcc struct {
	lats, lons []float64
	night      int
}

// Cluster implements Clusterer
func (q QuantizeClusterer) Cluster(points []Point) []LocationCluster {
	if len(points) == 0 {
		return nil
	}

	scale := math.Pow(10, float64(q.Precision))
	groups := make(map[clusterKey]*clusterAcc)
	for _, p := range points {
		k := clusterKey{
			lat: int64(math.RoundToEven(p.Latitude * scale)),
			lon: int64(math.RoundToEven(p.Longitude * scale)),
		}
		acc, ok := groups[k]
		if !ok {
			acc = &clusterAcc{}
			groups[k] = acc
		}
		acc.lats = append(acc.lats, p.Latitude)
		acc.lons = append(acc.lons, p.Longitude)
		if p.Night {
			acc.night++
		}
	}

	keys := make([]clusterKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].lat != keys[j].lat {
			return keys[i].lat < keys[j].lat
		}
		return keys[i].lon < keys[j].lon
	})

	clusters := make([]LocationCluster, 0, len(keys))
	for _, k := range keys {
		acc := groups[k]
		n := float64(len(acc.lats))
		clusters = append(clusters, LocationCluster{
			QuantizedLat: k.lat,
			QuantizedLon: k.lon,
			MeanLat:      sortedSum(acc.lats) / n,
			MeanLon:      sortedSum(acc.lons) / n,
			Count:        len(acc.lats),
			NightCount:   acc.night,
			Score:        n + q.NightWeight*float64(acc.night),
		})
	}
	return clusters
}

// sortedSum adds values in ascending order so the result does not depend
// on the order pings arrived in
func sortedSum(values []float64) float64 {
	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// topByScore returns the first cluster with the highest score
func topByScore(clusters []LocationCluster) (LocationCluster, bool) {
	if len(clusters) == 0 {
		return LocationCluster{}, false
	}
	best := clusters[0]
	for _, c := range clusters[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best, true
}

// topByCount returns up to n clusters with the highest counts. Equal counts
// keep their clusterer order.
func topByCount(clusters []LocationCluster, n int) []LocationCluster {
	ranked := make([]LocationCluster, len(clusters))
	copy(ranked, clusters)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
