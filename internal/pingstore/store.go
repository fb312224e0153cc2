// Package pingstore reads raw user location pings from MongoDB.
package pingstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stuartshay/commute-worker/internal/calculator"
)

// Store wraps the MongoDB collection holding user location pings
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect opens a client for uri and verifies it with a ping
func Connect(ctx context.Context, uri, database, collection string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		if discErr := client.Disconnect(ctx); discErr != nil {
			return nil, fmt.Errorf("failed to ping mongo: %w (also failed to disconnect: %w)", err, discErr)
		}
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// HealthCheck verifies MongoDB connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// DistinctUserIDs lists every user with at least one stored ping
func (s *Store) DistinctUserIDs(ctx context.Context) ([]string, error) {
	values, err := s.collection.Distinct(ctx, "userId", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("distinct userId failed: %w", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id := userIDString(v); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AllPings reads the whole collection. Documents that cannot be decoded are
// skipped and logged; coordinate validation is left to the caller.
func (s *Store) AllPings(ctx context.Context) ([]calculator.LocationPing, error) {
	opts := options.Find().SetProjection(bson.M{
		"userId":     1,
		"location":   1,
		"latitude":   1,
		"longitude":  1,
		"created_at": 1,
	})

	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }() // nolint:errcheck // Close in defer, error not actionable

	var (
		pings   []calculator.LocationPing
		skipped int
	)
	for cursor.Next(ctx) {
		var doc pingDocument
		if err := cursor.Decode(&doc); err != nil {
			skipped++
			log.Debug().Err(err).Msg("Skipping undecodable ping document")
			continue
		}

		p, ok := doc.toPing()
		if !ok {
			skipped++
			continue
		}
		pings = append(pings, p)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor iteration failed: %w", err)
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Skipped malformed ping documents")
	}

	return pings, nil
}

// pingDocument is the stored shape of a ping. Coordinates live either under
// location (as latitude/longitude or GeoJSON coordinates) or at the top level.
type pingDocument struct {
	UserID    bson.RawValue `bson:"userId"`
	Location  *pingLocation `bson:"location"`
	Latitude  *float64      `bson:"latitude"`
	Longitude *float64      `bson:"longitude"`
	CreatedAt bson.RawValue `bson:"created_at"`
}

type pingLocation struct {
	Latitude    *float64  `bson:"latitude"`
	Longitude   *float64  `bson:"longitude"`
	Coordinates []float64 `bson:"coordinates"`
}

// toPing converts the document; false means it has no usable user id
func (d pingDocument) toPing() (calculator.LocationPing, bool) {
	id := rawUserID(d.UserID)
	if id == "" {
		return calculator.LocationPing{}, false
	}

	p := calculator.LocationPing{
		UserID:    id,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Timestamp: rawTimestamp(d.CreatedAt),
	}

	if loc := d.Location; loc != nil {
		switch {
		case loc.Latitude != nil || loc.Longitude != nil:
			p.Latitude, p.Longitude = loc.Latitude, loc.Longitude
		case len(loc.Coordinates) == 2:
			// GeoJSON order is longitude, latitude
			lon, lat := loc.Coordinates[0], loc.Coordinates[1]
			p.Latitude, p.Longitude = &lat, &lon
		}
	}

	return p, true
}

func rawUserID(v bson.RawValue) string {
	switch v.Type {
	case bsontype.ObjectID:
		return v.ObjectID().Hex()
	case bsontype.String:
		return v.StringValue()
	case bsontype.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case bsontype.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	default:
		return ""
	}
}

func userIDString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// rawTimestamp accepts BSON dates and common string encodings. Strings
// without a zone are read as UTC. Anything else yields nil.
func rawTimestamp(v bson.RawValue) *time.Time {
	switch v.Type {
	case bsontype.DateTime:
		ts := time.UnixMilli(v.DateTime()).UTC()
		return &ts
	case bsontype.Timestamp:
		sec, _ := v.Timestamp()
		ts := time.Unix(int64(sec), 0).UTC()
		return &ts
	case bsontype.String:
		return parseTimestamp(v.StringValue())
	default:
		return nil
	}
}

func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
