// Package query serves read-only views over stored readings and buckets.
package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// sketchAccuracy is the relative accuracy of reported percentiles.
const sketchAccuracy = 0.01

// Service answers read queries against a store.
type Service struct {
	store storage.Store
	clock clock.Clock
}

// NewService creates a query service. A nil clock means the wall clock.
func NewService(store storage.Store, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real()
	}
	return &Service{store: store, clock: c}
}

// Recent returns the newest readings, newest first.
func (s *Service) Recent(ctx context.Context) ([]storage.Reading, error) {
	return s.store.RecentReadings(ctx, config.RecentReadingsLimit)
}

// AggregatedHistory returns buckets that started in the last 24 hours,
// newest first.
func (s *Service) AggregatedHistory(ctx context.Context) ([]storage.Bucket, error) {
	since := s.clock.Now().Add(-config.AggregatedWindow).Unix()
	return s.store.BucketsSince(ctx, since)
}

// Search returns readings strictly above or below threshold, newest first.
func (s *Service) Search(ctx context.Context, threshold float64, dir storage.Direction) ([]storage.Reading, error) {
	return s.store.SearchByTemperature(ctx, threshold, dir)
}

// Summary describes one measured quantity over a window.
type Summary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
}

// Stats summarizes the readings in a time window.
type Stats struct {
	From        int64    `json:"from"`
	To          int64    `json:"to"`
	Window      string   `json:"window"`
	Count       int      `json:"count"`
	Temperature *Summary `json:"temperature,omitempty"`
	Humidity    *Summary `json:"humidity,omitempty"`
}

// Stats computes count, min, max, mean and approximate percentiles over
// readings with timestamps in [now-window, now].
func (s *Service) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = config.DefaultStatsWindow
	}
	if window > config.MaxStatsWindow {
		return nil, fmt.Errorf("window %s exceeds maximum %s", window, config.MaxStatsWindow)
	}

	now := s.clock.Now()
	from, to := now.Add(-window).Unix(), now.Unix()
	readings, err := s.store.ReadingsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read readings: %w", err)
	}

	st := &Stats{From: from, To: to, Window: window.String(), Count: len(readings)}
	if len(readings) == 0 {
		return st, nil
	}

	temps := make([]float64, len(readings))
	hums := make([]float64, len(readings))
	for i, r := range readings {
		temps[i] = r.Temperature
		hums[i] = r.Humidity
	}
	if st.Temperature, err = summarize(temps); err != nil {
		return nil, fmt.Errorf("failed to summarize temperature: %w", err)
	}
	if st.Humidity, err = summarize(hums); err != nil {
		return nil, fmt.Errorf("failed to summarize humidity: %w", err)
	}
	return st, nil
}

func summarize(values []float64) (*Summary, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	var total float64
	for _, v := range values {
		if err := sketch.Add(v); err != nil {
			return nil, err
		}
		total += v
		sum.Min = math.Min(sum.Min, v)
		sum.Max = math.Max(sum.Max, v)
	}
	sum.Mean = total / float64(len(values))

	for _, q := range []struct {
		dst *float64
		q   float64
	}{{&sum.P50, 0.5}, {&sum.P90, 0.9}, {&sum.P99, 0.99}} {
		v, err := sketch.GetValueAtQuantile(q.q)
		if err != nil {
			return nil, err
		}
		// The sketch is only relatively accurate; keep it inside the
		// observed range.
		*q.dst = math.Max(sum.Min, math.Min(sum.Max, v))
	}
	return sum, nil
}
