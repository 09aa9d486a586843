package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/memory"
)

var now = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Storage) {
	t.Helper()
	store := memory.New()
	return NewService(store, clock.NewFake(now)), store
}

func TestRecentReturnsNewestTwenty(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for i := 0; i < 25; i++ {
		_, err := store.InsertReading(ctx, storage.Reading{Timestamp: now.Unix() - int64(i), Temperature: float64(i)})
		require.NoError(t, err)
	}

	got, err := svc.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, got, 20)
	require.Equal(t, now.Unix(), got[0].Timestamp)
	require.Equal(t, now.Unix()-19, got[19].Timestamp)
}

func TestAggregatedHistoryLast24Hours(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for _, start := range []int64{
		now.Add(-25 * time.Hour).Unix(),
		now.Add(-24 * time.Hour).Unix(),
		now.Add(-time.Hour).Unix(),
	} {
		_, err := store.InsertBucket(ctx, storage.Bucket{IntervalStart: start, IntervalEnd: start + 100})
		require.NoError(t, err)
	}

	got, err := svc.AggregatedHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, now.Add(-time.Hour).Unix(), got[0].IntervalStart)
}

func TestSearchAboveIsStrict(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for i, temp := range []float64{20, 25, 30} {
		_, err := store.InsertReading(ctx, storage.Reading{Timestamp: int64(i + 1), Temperature: temp})
		require.NoError(t, err)
	}

	got, err := svc.Search(ctx, 25, storage.Above)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 30.0, got[0].Temperature)

	got, err = svc.Search(ctx, 25, storage.Below)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 20.0, got[0].Temperature)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for i := 1; i <= 100; i++ {
		_, err := store.InsertReading(ctx, storage.Reading{
			Timestamp:   now.Unix() - int64(i),
			Temperature: float64(i),
			Humidity:    50,
		})
		require.NoError(t, err)
	}
	// Outside the window.
	_, err := store.InsertReading(ctx, storage.Reading{Timestamp: now.Add(-48 * time.Hour).Unix(), Temperature: 1000})
	require.NoError(t, err)

	st, err := svc.Stats(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 100, st.Count)
	require.Equal(t, "24h0m0s", st.Window)
	require.Equal(t, 1.0, st.Temperature.Min)
	require.Equal(t, 100.0, st.Temperature.Max)
	require.InDelta(t, 50.5, st.Temperature.Mean, 1e-9)
	require.InEpsilon(t, 50, st.Temperature.P50, 0.03)
	require.InEpsilon(t, 90, st.Temperature.P90, 0.03)
	require.InEpsilon(t, 99, st.Temperature.P99, 0.03)
	require.InEpsilon(t, 50, st.Humidity.P99, 0.01)
}

func TestStatsNegativeTemperatures(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	for i, temp := range []float64{-10, -5, 0, 5} {
		_, err := store.InsertReading(ctx, storage.Reading{Timestamp: now.Unix() - int64(i), Temperature: temp})
		require.NoError(t, err)
	}
	st, err := svc.Stats(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, -10.0, st.Temperature.Min)
	require.GreaterOrEqual(t, st.Temperature.P50, -10.0)
	require.LessOrEqual(t, st.Temperature.P99, 5.0)
}

func TestStatsEmptyAndTooLarge(t *testing.T) {
	svc, _ := newService(t)
	st, err := svc.Stats(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, st.Count)
	require.Nil(t, st.Temperature)

	_, err = svc.Stats(context.Background(), 31*24*time.Hour)
	require.Error(t, err)
}
