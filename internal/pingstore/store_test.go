package pingstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func decode(t *testing.T, doc bson.M) pingDocument {
	t.Helper()

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var out pingDocument
	require.NoError(t, bson.Unmarshal(raw, &out))
	return out
}

func TestToPing_NestedLocation(t *testing.T) {
	oid := primitive.NewObjectID()
	created := time.Date(2025, 5, 1, 19, 30, 0, 0, time.UTC)

	p, ok := decode(t, bson.M{
		"userId":     oid,
		"location":   bson.M{"latitude": 43.2398, "longitude": 76.9527},
		"created_at": created,
	}).toPing()

	require.True(t, ok)
	assert.Equal(t, oid.Hex(), p.UserID)
	require.NotNil(t, p.Latitude)
	require.NotNil(t, p.Longitude)
	assert.Equal(t, 43.2398, *p.Latitude)
	assert.Equal(t, 76.9527, *p.Longitude)
	require.NotNil(t, p.Timestamp)
	assert.True(t, created.Equal(*p.Timestamp))
}

func TestToPing_TopLevelAndIntegerCoordinates(t *testing.T) {
	p, ok := decode(t, bson.M{
		"userId":    "user-7",
		"latitude":  int32(43),
		"longitude": 76.5,
	}).toPing()

	require.True(t, ok)
	assert.Equal(t, "user-7", p.UserID)
	assert.Equal(t, 43.0, *p.Latitude)
	assert.Equal(t, 76.5, *p.Longitude)
	assert.Nil(t, p.Timestamp)
}

func TestToPing_GeoJSON(t *testing.T) {
	p, ok := decode(t, bson.M{
		"userId":   "user-8",
		"location": bson.M{"type": "Point", "coordinates": bson.A{76.95, 43.24}},
	}).toPing()

	require.True(t, ok)
	assert.Equal(t, 43.24, *p.Latitude)
	assert.Equal(t, 76.95, *p.Longitude)
}

func TestToPing_MissingCoordinates(t *testing.T) {
	p, ok := decode(t, bson.M{
		"userId":   "user-9",
		"location": nil,
	}).toPing()

	require.True(t, ok, "coordinate filtering happens downstream")
	assert.Nil(t, p.Latitude)
	assert.Nil(t, p.Longitude)
}

func TestToPing_MissingUser(t *testing.T) {
	_, ok := decode(t, bson.M{"latitude": 1.0, "longitude": 2.0}).toPing()
	assert.False(t, ok)
}

func TestRawTimestamp_Strings(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected *time.Time
	}{
		{name: "RFC3339", value: "2025-05-01T19:30:00Z", expected: timePtr(time.Date(2025, 5, 1, 19, 30, 0, 0, time.UTC))},
		{name: "with offset", value: "2025-05-01T23:30:00+04:00", expected: timePtr(time.Date(2025, 5, 1, 19, 30, 0, 0, time.UTC))},
		{name: "naive", value: "2025-05-01 19:30:00", expected: timePtr(time.Date(2025, 5, 1, 19, 30, 0, 0, time.UTC))},
		{name: "naive with fraction", value: "2025-05-01T19:30:00.123", expected: timePtr(time.Date(2025, 5, 1, 19, 30, 0, 123000000, time.UTC))},
		{name: "garbage", value: "yesterday", expected: nil},
		{name: "empty", value: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := decode(t, bson.M{"userId": "u", "created_at": tt.value})
			got := rawTimestamp(doc.CreatedAt)

			if tt.expected == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.expected.Equal(*got), "got %s", got)
		})
	}
}

func TestRawTimestamp_UnsupportedType(t *testing.T) {
	doc := decode(t, bson.M{"userId": "u", "created_at": 12.5})
	assert.Nil(t, rawTimestamp(doc.CreatedAt))
}

func TestUserIDString(t *testing.T) {
	oid := primitive.NewObjectID()

	assert.Equal(t, oid.Hex(), userIDString(oid))
	assert.Equal(t, "abc", userIDString("abc"))
	assert.Equal(t, "42", userIDString(int32(42)))
	assert.Equal(t, "42", userIDString(int64(42)))
	assert.Equal(t, "", userIDString(3.14))
	assert.Equal(t, "", userIDString(nil))
}

func TestConnect_BadURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := Connect(ctx, "not-a-mongo-uri", "db", "userslocations")
	assert.Error(t, err)
	assert.Nil(t, store)
}

// Integration test (requires running MongoDB)
func TestAllPings_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" || testing.Short() {
		t.Skip("MONGO_URI not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Connect(ctx, uri, "commute_worker_test", "userslocations_"+primitive.NewObjectID().Hex())
	require.NoError(t, err)
	defer func() {
		_ = store.collection.Drop(ctx)
		_ = store.Close(ctx)
	}()

	_, err = store.collection.InsertMany(ctx, []interface{}{
		bson.M{"userId": "a", "location": bson.M{"latitude": 43.2, "longitude": 76.9}},
		bson.M{"userId": "a", "location": bson.M{"latitude": 43.3, "longitude": 76.8}},
		bson.M{"userId": "b", "location": nil},
		bson.M{"userId": "c", "location": "broken"},
	})
	require.NoError(t, err)

	ids, err := store.DistinctUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

	pings, err := store.AllPings(ctx)
	require.NoError(t, err)
	assert.Len(t, pings, 3)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
