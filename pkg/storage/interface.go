package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Store persists sensor readings and hourly buckets.
// Implementations: memory (testing), badger (production).
//
// Implementations serialize writers internally; callers may share one Store
// across goroutines.
type Store interface {
	// InsertReading stores r and returns it with ID and CreatedAt assigned.
	InsertReading(ctx context.Context, r Reading) (Reading, error)

	// RecentReadings returns up to limit readings, newest timestamp first.
	// limit <= 0 means no limit and returns every reading.
	RecentReadings(ctx context.Context, limit int) ([]Reading, error)

	// SearchByTemperature returns every reading strictly above or below
	// threshold, newest timestamp first.
	SearchByTemperature(ctx context.Context, threshold float64, dir Direction) ([]Reading, error)

	// ReadingsSince returns readings with timestamp > checkpoint in
	// ascending timestamp order.
	ReadingsSince(ctx context.Context, checkpoint int64) ([]Reading, error)

	// ReadingsBetween returns readings with from <= timestamp <= to in
	// ascending timestamp order.
	ReadingsBetween(ctx context.Context, from, to int64) ([]Reading, error)

	// DeleteReadingsOlderThan removes readings with timestamp < cutoff and
	// reports how many were removed.
	DeleteReadingsOlderThan(ctx context.Context, cutoff int64) (int, error)

	// InsertBucket stores b and returns it with ID and CreatedAt assigned.
	InsertBucket(ctx context.Context, b Bucket) (Bucket, error)

	// BucketsSince returns buckets with interval_start >= start, newest
	// interval_start first.
	BucketsSince(ctx context.Context, start int64) ([]Bucket, error)

	// MaxIntervalEnd returns the largest interval_end over all buckets, or
	// 0 when there are none.
	MaxIntervalEnd(ctx context.Context) (int64, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// Snapshotter is implemented by stores that can stream a full copy of
// their contents.
type Snapshotter interface {
	Snapshot(ctx context.Context, w io.Writer) error
}

// Restorer is implemented by stores that can load a snapshot.
type Restorer interface {
	Restore(ctx context.Context, r io.Reader) error
}

// GarbageCollector is implemented by stores with reclaimable on-disk garbage.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// Reading is one sensor sample. Timestamp is device-supplied unix seconds.
type Reading struct {
	ID          uint64    `json:"id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   int64     `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// Bucket summarizes the readings of one UTC hour. IntervalStart and
// IntervalEnd are the smallest and largest reading timestamps folded in.
type Bucket struct {
	ID             uint64    `json:"id"`
	IntervalStart  int64     `json:"interval_start"`
	IntervalEnd    int64     `json:"interval_end"`
	AvgTemperature float64   `json:"avg_temperature"`
	AvgHumidity    float64   `json:"avg_humidity"`
	MinTemperature float64   `json:"min_temperature"`
	MaxTemperature float64   `json:"max_temperature"`
	MinHumidity    float64   `json:"min_humidity"`
	MaxHumidity    float64   `json:"max_humidity"`
	Samples        int       `json:"samples"`
	CreatedAt      time.Time `json:"created_at"`
}

// Direction selects the comparison used by SearchByTemperature.
type Direction int

const (
	Above Direction = iota
	Below
)

func (d Direction) String() string {
	if d == Below {
		return "below"
	}
	return "above"
}

// Matches reports whether temperature passes the comparison against threshold.
func (d Direction) Matches(temperature, threshold float64) bool {
	if d == Below {
		return temperature < threshold
	}
	return temperature > threshold
}

// ParseDirection parses "above" or "below". An empty string means Above.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "above":
		return Above, nil
	case "below":
		return Below, nil
	default:
		return Above, fmt.Errorf("invalid condition %q: must be above or below", s)
	}
}

// Stats provides storage health and usage info.
type Stats struct {
	Readings   uint64    `json:"readings"`
	Buckets    uint64    `json:"buckets"`
	Checkpoint int64     `json:"checkpoint"`
	LastIngest time.Time `json:"last_ingest,omitempty"`
	SizeBytes  uint64    `json:"size_bytes"`
}
