package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/sdk"
)

type recordingSender struct {
	readings []sdk.Reading
	fail     bool
}

func (r *recordingSender) Send(ctx context.Context, reading sdk.Reading) error {
	r.readings = append(r.readings, reading)
	if r.fail {
		return errors.New("unreachable")
	}
	return nil
}

func TestGeneratorRanges(t *testing.T) {
	gen := newGenerator(1)
	start := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 96; i++ {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		r := gen.at(ts)
		require.Equal(t, ts.Unix(), r.Timestamp)
		require.InDelta(t, 21, r.Temperature, 6)
		require.GreaterOrEqual(t, r.Humidity, 0.0)
		require.LessOrEqual(t, r.Humidity, 100.0)
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	ts := time.Unix(1709978400, 0)
	require.Equal(t, newGenerator(42).at(ts), newGenerator(42).at(ts))
}

func TestSendBackfill(t *testing.T) {
	s := &recordingSender{}
	stats := &sendStats{}
	from := time.Unix(1709978400, 0)

	require.NoError(t, sendBackfill(context.Background(), s, newGenerator(1), stats, from, from.Add(time.Hour), 10*time.Minute))
	require.Len(t, s.readings, 6)
	require.Equal(t, from.Unix(), s.readings[0].Timestamp)
	require.Equal(t, from.Add(50*time.Minute).Unix(), s.readings[5].Timestamp)
	require.Equal(t, 6, stats.sent)
}

func TestSendLiveCountsFailures(t *testing.T) {
	s := &recordingSender{fail: true}
	stats := &sendStats{}

	require.NoError(t, sendLive(context.Background(), s, newGenerator(1), stats, time.Millisecond, 3))
	require.Len(t, s.readings, 3)
	require.Equal(t, 0, stats.sent)
	require.Equal(t, 3, stats.failed)
}

func TestSendLiveStopsOnCancel(t *testing.T) {
	s := &recordingSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sendLive(ctx, s, newGenerator(1), &sendStats{}, time.Hour, 0))
	require.Len(t, s.readings, 1)
}
