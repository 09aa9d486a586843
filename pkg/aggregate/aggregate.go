package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

const hourSeconds = int64(time.Hour / time.Second)

// Engine folds readings newer than the checkpoint into hourly buckets.
type Engine struct {
	storage storage.Store
	log     *slog.Logger
}

// New creates a new aggregation engine
func New(store storage.Store) *Engine {
	return &Engine{
		storage: store,
		log:     logging.Component("aggregate"),
	}
}

// Result describes one aggregation run.
type Result struct {
	Created       int   `json:"created"`
	Failed        int   `json:"failed"`
	Checkpoint    int64 `json:"checkpoint"`
	ReadingsFound int   `json:"readings_found"`
}

// Run aggregates every reading with timestamp > checkpoint, where the
// checkpoint is the largest interval_end already stored.
//
// A bucket that fails to insert is logged and skipped. Failing to read the
// checkpoint or the readings aborts the run before anything is written.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	checkpoint, err := e.storage.MaxIntervalEnd(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	readings, err := e.storage.ReadingsSince(ctx, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings since %d: %w", checkpoint, err)
	}

	res := &Result{Checkpoint: checkpoint, ReadingsFound: len(readings)}
	for _, b := range Summarize(readings) {
		if _, err := e.storage.InsertBucket(ctx, b); err != nil {
			res.Failed++
			e.log.Error("failed to insert bucket", "interval_start", b.IntervalStart,
				"interval_end", b.IntervalEnd, "error", err)
			continue
		}
		res.Created++
		if b.IntervalEnd > res.Checkpoint {
			res.Checkpoint = b.IntervalEnd
		}
	}

	e.log.Info("aggregation finished", "buckets", res.Created, "failed", res.Failed,
		"readings", res.ReadingsFound, "checkpoint", res.Checkpoint)
	return res, nil
}

// Summarize groups readings by the UTC hour containing their timestamp and
// returns one bucket per non-empty hour, earliest hour first.
func Summarize(readings []storage.Reading) []storage.Bucket {
	groups := make(map[int64]*accumulator)
	for _, r := range readings {
		hour := HourStart(r.Timestamp)
		acc, ok := groups[hour]
		if !ok {
			acc = newAccumulator(r)
			groups[hour] = acc
			continue
		}
		acc.add(r)
	}

	hours := make([]int64, 0, len(groups))
	for h := range groups {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	buckets := make([]storage.Bucket, 0, len(hours))
	for _, h := range hours {
		buckets = append(buckets, groups[h].bucket())
	}
	return buckets
}

// HourStart returns the start of the UTC hour containing ts. It rounds
// toward negative infinity so pre-epoch timestamps group correctly.
func HourStart(ts int64) int64 {
	q := ts / hourSeconds
	if ts%hourSeconds < 0 {
		q--
	}
	return q * hourSeconds
}

// accumulator tracks sum, count, min and max for one hour.
type accumulator struct {
	first, last      int64
	count            int
	sumTemp, sumHum  float64
	minTemp, maxTemp float64
	minHum, maxHum   float64
}

func newAccumulator(r storage.Reading) *accumulator {
	return &accumulator{
		first: r.Timestamp, last: r.Timestamp,
		count:   1,
		sumTemp: r.Temperature, sumHum: r.Humidity,
		minTemp: r.Temperature, maxTemp: r.Temperature,
		minHum: r.Humidity, maxHum: r.Humidity,
	}
}

func (a *accumulator) add(r storage.Reading) {
	a.count++
	a.sumTemp += r.Temperature
	a.sumHum += r.Humidity
	a.first = min(a.first, r.Timestamp)
	a.last = max(a.last, r.Timestamp)
	a.minTemp = min(a.minTemp, r.Temperature)
	a.maxTemp = max(a.maxTemp, r.Temperature)
	a.minHum = min(a.minHum, r.Humidity)
	a.maxHum = max(a.maxHum, r.Humidity)
}

func (a *accumulator) bucket() storage.Bucket {
	n := float64(a.count)
	return storage.Bucket{
		IntervalStart:  a.first,
		IntervalEnd:    a.last,
		AvgTemperature: a.sumTemp / n,
		AvgHumidity:    a.sumHum / n,
		MinTemperature: a.minTemp,
		MaxTemperature: a.maxTemp,
		MinHumidity:    a.minHum,
		MaxHumidity:    a.maxHum,
		Samples:        a.count,
	}
}
