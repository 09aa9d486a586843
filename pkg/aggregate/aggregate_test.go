package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/memory"
)

func insert(t *testing.T, s storage.Store, ts int64, temp, hum float64) {
	t.Helper()
	_, err := s.InsertReading(context.Background(), storage.Reading{Timestamp: ts, Temperature: temp, Humidity: hum})
	require.NoError(t, err)
}

func TestRunBuildsHourlyBuckets(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// T1 and T2 share an hour, T3 is in the next one.
	t1 := int64(1_700_000_000) // 22:13:20 UTC
	t2 := t1 + 600
	t3 := HourStart(t1) + 3600 + 30
	insert(t, store, t1, 20, 40)
	insert(t, store, t2, 22, 50)
	insert(t, store, t3, 30, 60)

	res, err := New(store).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Zero(t, res.Failed)
	require.Equal(t, 3, res.ReadingsFound)
	require.Equal(t, t3, res.Checkpoint)

	buckets, err := store.BucketsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	b := buckets[1]
	require.Equal(t, t1, b.IntervalStart)
	require.Equal(t, t2, b.IntervalEnd)
	require.InDelta(t, 21.0, b.AvgTemperature, 1e-9)
	require.Equal(t, 20.0, b.MinTemperature)
	require.Equal(t, 22.0, b.MaxTemperature)
	require.InDelta(t, 45.0, b.AvgHumidity, 1e-9)
	require.Equal(t, 2, b.Samples)

	require.Equal(t, t3, buckets[0].IntervalStart)
	require.Equal(t, 30.0, buckets[0].AvgTemperature)

	checkpoint, err := store.MaxIntervalEnd(ctx)
	require.NoError(t, err)
	require.Equal(t, t3, checkpoint)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	insert(t, store, 1_700_000_000, 20, 40)

	engine := New(store)
	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	res, err = engine.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Created)
	require.Zero(t, res.ReadingsFound)

	buckets, err := store.BucketsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
}

func TestRunSkipsReadingsAtCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	insert(t, store, 1_700_000_000, 20, 40)

	engine := New(store)
	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// A late reading at the checkpoint is never aggregated.
	insert(t, store, 1_700_000_000, 99, 99)
	insert(t, store, 1_700_000_100, 24, 40)

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.ReadingsFound)
}

func TestRunEmptyStore(t *testing.T) {
	res, err := New(memory.New()).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Created)
	require.Zero(t, res.Checkpoint)
}

// failingStore breaks selected operations of an in-memory store.
type failingStore struct {
	storage.Store
	failInsertStart int64
	failRead        bool
}

func (f *failingStore) InsertBucket(ctx context.Context, b storage.Bucket) (storage.Bucket, error) {
	if b.IntervalStart == f.failInsertStart {
		return storage.Bucket{}, errors.New("disk full")
	}
	return f.Store.InsertBucket(ctx, b)
}

func (f *failingStore) ReadingsSince(ctx context.Context, checkpoint int64) ([]storage.Reading, error) {
	if f.failRead {
		return nil, errors.New("database is locked")
	}
	return f.Store.ReadingsSince(ctx, checkpoint)
}

func TestRunContinuesAfterInsertFailure(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	first := int64(1_700_000_000)
	second := HourStart(first) + 3600 + 5
	insert(t, mem, first, 20, 40)
	insert(t, mem, second, 30, 40)

	store := &failingStore{Store: mem, failInsertStart: first}
	res, err := New(store).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Failed)

	buckets, err := mem.BucketsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, second, buckets[0].IntervalStart)
}

func TestRunAbortsWhenReadFails(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	insert(t, mem, 1_700_000_000, 20, 40)

	_, err := New(&failingStore{Store: mem, failRead: true}).Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "database is locked")

	buckets, err := mem.BucketsSince(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, buckets)
}

func TestHourStart(t *testing.T) {
	tests := []struct {
		ts   int64
		want int64
	}{
		{0, 0},
		{3599, 0},
		{3600, 3600},
		{7201, 7200},
		{-1, -3600},
		{-3600, -3600},
		{-3601, -7200},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, HourStart(tt.ts), "ts=%d", tt.ts)
	}
}

func TestSummarizeOrdersByHour(t *testing.T) {
	readings := []storage.Reading{
		{Timestamp: 7300, Temperature: 1},
		{Timestamp: 100, Temperature: 2},
		{Timestamp: -50, Temperature: 3},
		{Timestamp: 200, Temperature: 4},
	}
	buckets := Summarize(readings)
	require.Len(t, buckets, 3)
	require.Equal(t, int64(-50), buckets[0].IntervalStart)
	require.Equal(t, int64(100), buckets[1].IntervalStart)
	require.Equal(t, int64(200), buckets[1].IntervalEnd)
	require.InDelta(t, 3.0, buckets[1].AvgTemperature, 1e-9)
	require.Equal(t, int64(7300), buckets[2].IntervalStart)
}
