package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Storage keeps readings and buckets in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu         sync.RWMutex
	clock      clock.Clock
	readings   []storage.Reading
	buckets    []storage.Bucket
	readingSeq uint64
	bucketSeq  uint64
	lastIngest time.Time
}

// New creates an in-memory store using the real clock.
func New() *Storage {
	return NewWithClock(clock.Real())
}

// NewWithClock creates an in-memory store that stamps CreatedAt from c.
func NewWithClock(c clock.Clock) *Storage {
	return &Storage{
		clock:    c,
		readings: make([]storage.Reading, 0, 1024),
	}
}

func (s *Storage) InsertReading(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return storage.Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readingSeq++
	r.ID = s.readingSeq
	r.CreatedAt = s.clock.Now().UTC()
	s.readings = append(s.readings, r)
	s.lastIngest = r.CreatedAt
	return r, nil
}

func (s *Storage) RecentReadings(ctx context.Context, limit int) ([]storage.Reading, error) {
	out, err := s.filterReadings(ctx, func(storage.Reading) bool { return true }, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) SearchByTemperature(ctx context.Context, threshold float64, dir storage.Direction) ([]storage.Reading, error) {
	return s.filterReadings(ctx, func(r storage.Reading) bool {
		return dir.Matches(r.Temperature, threshold)
	}, true)
}

func (s *Storage) ReadingsSince(ctx context.Context, checkpoint int64) ([]storage.Reading, error) {
	return s.filterReadings(ctx, func(r storage.Reading) bool { return r.Timestamp > checkpoint }, false)
}

func (s *Storage) ReadingsBetween(ctx context.Context, from, to int64) ([]storage.Reading, error) {
	return s.filterReadings(ctx, func(r storage.Reading) bool {
		return r.Timestamp >= from && r.Timestamp <= to
	}, false)
}

func (s *Storage) DeleteReadingsOlderThan(ctx context.Context, cutoff int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]storage.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	deleted := len(s.readings) - len(kept)
	s.readings = kept
	return deleted, nil
}

func (s *Storage) InsertBucket(ctx context.Context, b storage.Bucket) (storage.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return storage.Bucket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucketSeq++
	b.ID = s.bucketSeq
	b.CreatedAt = s.clock.Now().UTC()
	s.buckets = append(s.buckets, b)
	return b, nil
}

func (s *Storage) BucketsSince(ctx context.Context, start int64) ([]storage.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Bucket
	for _, b := range s.buckets {
		if b.IntervalStart >= start {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IntervalStart != b.IntervalStart {
			return a.IntervalStart > b.IntervalStart
		}
		if a.IntervalEnd != b.IntervalEnd {
			return a.IntervalEnd > b.IntervalEnd
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (s *Storage) MaxIntervalEnd(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for i, b := range s.buckets {
		if i == 0 || b.IntervalEnd > max {
			max = b.IntervalEnd
		}
	}
	return max, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	checkpoint, err := s.MaxIntervalEnd(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Stats{
		Readings:   uint64(len(s.readings)),
		Buckets:    uint64(len(s.buckets)),
		Checkpoint: checkpoint,
		LastIngest: s.lastIngest,
		// Rough size estimate (each record ~100 bytes)
		SizeBytes: uint64(len(s.readings)+len(s.buckets)) * 100,
	}, nil
}

type snapshot struct {
	Readings   []storage.Reading `json:"readings"`
	Buckets    []storage.Bucket  `json:"buckets"`
	ReadingSeq uint64            `json:"reading_seq"`
	BucketSeq  uint64            `json:"bucket_seq"`
}

// Snapshot writes the whole store as JSON.
func (s *Storage) Snapshot(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snap := snapshot{
		Readings:   append([]storage.Reading(nil), s.readings...),
		Buckets:    append([]storage.Bucket(nil), s.buckets...),
		ReadingSeq: s.readingSeq,
		BucketSeq:  s.bucketSeq,
	}
	s.mu.RUnlock()

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Restore replaces the store contents with a snapshot written by Snapshot.
func (s *Storage) Restore(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = snap.Readings
	s.buckets = snap.Buckets
	s.readingSeq = snap.ReadingSeq
	s.bucketSeq = snap.BucketSeq
	return nil
}

// filterReadings copies matching readings sorted by timestamp, ties by id.
func (s *Storage) filterReadings(ctx context.Context, keep func(storage.Reading) bool, newestFirst bool) ([]storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Reading
	for _, r := range s.readings {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Timestamp != b.Timestamp {
			if newestFirst {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out, nil
}
