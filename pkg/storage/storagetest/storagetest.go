// Package storagetest holds behaviour tests shared by every storage.Store
// backend.
package storagetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAssignsIDs", func(t *testing.T) { testInsertAssignsIDs(t, newStore(t)) })
	t.Run("RecentNewestFirst", func(t *testing.T) { testRecentNewestFirst(t, newStore(t)) })
	t.Run("SearchStrict", func(t *testing.T) { testSearchStrict(t, newStore(t)) })
	t.Run("ReadingsSince", func(t *testing.T) { testReadingsSince(t, newStore(t)) })
	t.Run("ReadingsBetween", func(t *testing.T) { testReadingsBetween(t, newStore(t)) })
	t.Run("DeleteOlderThan", func(t *testing.T) { testDeleteOlderThan(t, newStore(t)) })
	t.Run("Buckets", func(t *testing.T) { testBuckets(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("SnapshotRestore", func(t *testing.T) { testSnapshotRestore(t, newStore) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, newStore(t)) })
}

func insert(t *testing.T, s storage.Store, temp, hum float64, ts int64) storage.Reading {
	t.Helper()
	r, err := s.InsertReading(context.Background(), storage.Reading{Temperature: temp, Humidity: hum, Timestamp: ts})
	require.NoError(t, err)
	return r
}

func timestamps(rs []storage.Reading) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.Timestamp
	}
	return out
}

func testInsertAssignsIDs(t *testing.T, s storage.Store) {
	defer s.Close()

	a := insert(t, s, 21.5, 40, 1000)
	b := insert(t, s, 22.5, 41, 999)
	require.EqualValues(t, 1, a.ID)
	require.Greater(t, b.ID, a.ID)
	require.False(t, a.CreatedAt.IsZero())

	got, err := s.RecentReadings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, 21.5, got[0].Temperature)
	require.Equal(t, 40.0, got[0].Humidity)
	require.EqualValues(t, 1000, got[0].Timestamp)
}

func testRecentNewestFirst(t *testing.T, s storage.Store) {
	defer s.Close()

	// Device timestamps are not monotonic in arrival order.
	for _, ts := range []int64{50, 10, 40, 20, 30} {
		insert(t, s, 20, 50, ts)
	}

	got, err := s.RecentReadings(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []int64{50, 40, 30}, timestamps(got))

	all, err := s.RecentReadings(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, all, 5)

	// Non-positive limits are unbounded.
	for _, limit := range []int{0, -1} {
		got, err := s.RecentReadings(context.Background(), limit)
		require.NoError(t, err)
		require.Equal(t, []int64{50, 40, 30, 20, 10}, timestamps(got), "limit %d", limit)
	}
}

func testSearchStrict(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	insert(t, s, 20, 50, 1)
	insert(t, s, 25, 50, 2)
	insert(t, s, 30, 50, 3)

	above, err := s.SearchByTemperature(ctx, 25, storage.Above)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, timestamps(above))

	below, err := s.SearchByTemperature(ctx, 25, storage.Below)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, timestamps(below))

	zero, err := s.SearchByTemperature(ctx, 0, storage.Above)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2, 1}, timestamps(zero))
}

func testReadingsSince(t *testing.T, s storage.Store) {
	defer s.Close()

	for _, ts := range []int64{300, 100, 200, 200, -50} {
		insert(t, s, 20, 50, ts)
	}

	got, err := s.ReadingsSince(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, []int64{200, 200, 300}, timestamps(got))

	got, err = s.ReadingsSince(context.Background(), -100)
	require.NoError(t, err)
	require.Equal(t, []int64{-50, 100, 200, 200, 300}, timestamps(got))
}

func testReadingsBetween(t *testing.T, s storage.Store) {
	defer s.Close()

	for _, ts := range []int64{10, 20, 30, 40} {
		insert(t, s, 20, 50, ts)
	}

	got, err := s.ReadingsBetween(context.Background(), 20, 30)
	require.NoError(t, err)
	require.Equal(t, []int64{20, 30}, timestamps(got))
}

func testDeleteOlderThan(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	for _, ts := range []int64{100, 199, 200, 201} {
		insert(t, s, 20, 50, ts)
	}

	n, err := s.DeleteReadingsOlderThan(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := s.RecentReadings(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{201, 200}, timestamps(left))

	n, err = s.DeleteReadingsOlderThan(ctx, 200)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testBuckets(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	checkpoint, err := s.MaxIntervalEnd(ctx)
	require.NoError(t, err)
	require.Zero(t, checkpoint)

	for _, b := range []storage.Bucket{
		{IntervalStart: 3600, IntervalEnd: 3700, AvgTemperature: 20},
		{IntervalStart: 7200, IntervalEnd: 7300, AvgTemperature: 21},
		{IntervalStart: 0, IntervalEnd: 100, AvgTemperature: 19},
	} {
		got, err := s.InsertBucket(ctx, b)
		require.NoError(t, err)
		require.NotZero(t, got.ID)
	}

	checkpoint, err = s.MaxIntervalEnd(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7300, checkpoint)

	since, err := s.BucketsSince(ctx, 3600)
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.EqualValues(t, 7200, since[0].IntervalStart)
	require.EqualValues(t, 3600, since[1].IntervalStart)
	require.Equal(t, 21.0, since[0].AvgTemperature)
}

func testStats(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	insert(t, s, 20, 50, 10)
	insert(t, s, 21, 50, 20)
	_, err := s.InsertBucket(ctx, storage.Bucket{IntervalStart: 10, IntervalEnd: 20})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Readings)
	require.EqualValues(t, 1, stats.Buckets)
	require.EqualValues(t, 20, stats.Checkpoint)
	require.False(t, stats.LastIngest.IsZero())
}

func testSnapshotRestore(t *testing.T, newStore Factory) {
	src := newStore(t)
	defer src.Close()

	snap, ok := src.(storage.Snapshotter)
	if !ok {
		t.Skip("store does not support snapshots")
	}

	insert(t, src, 20, 50, 10)
	insert(t, src, 21, 51, 20)
	_, err := src.InsertBucket(context.Background(), storage.Bucket{IntervalStart: 10, IntervalEnd: 20})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, snap.Snapshot(context.Background(), &buf))

	dst := newStore(t)
	defer dst.Close()
	restorer, ok := dst.(storage.Restorer)
	require.True(t, ok)
	require.NoError(t, restorer.Restore(context.Background(), &buf))

	got, err := dst.RecentReadings(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []int64{20, 10}, timestamps(got))

	checkpoint, err := dst.MaxIntervalEnd(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 20, checkpoint)

	// New ids must not collide with restored ones.
	next := insert(t, dst, 22, 52, 30)
	for _, r := range got {
		require.NotEqual(t, r.ID, next.ID)
	}
}

func testCancelledContext(t *testing.T, s storage.Store) {
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := s.InsertReading(ctx, storage.Reading{Timestamp: 1})
	require.Error(t, err)
	_, err = s.RecentReadings(ctx, 10)
	require.Error(t, err)
}
