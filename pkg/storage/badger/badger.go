package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Storage implements storage.Store using BadgerDB (LSM tree).
type Storage struct {
	db    *badger.DB
	clock clock.Clock
	log   *slog.Logger

	// wmu serializes every mutation so the store owns single-writer
	// semantics. Reads use MVCC snapshots and never take it.
	wmu        sync.Mutex
	readingSeq *badger.Sequence
	bucketSeq  *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	// Clock stamps CreatedAt. Defaults to the real clock.
	Clock clock.Clock
}

const seqBandwidth = 100

// New opens (or creates) a BadgerDB store.
func New(cfg Config) (*Storage, error) {
	log := logging.Component("storage")

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Readings are tiny and arrive slowly; keep badger's footprint small.
	// BadgerDB defaults reserve several hundred MB.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithLogger(slogAdapter{log: log}).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Storage{db: db, clock: cfg.Clock, log: log}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if err := s.acquireSequences(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) acquireSequences() error {
	var err error
	if s.readingSeq, err = s.db.GetSequence(seqReadingsKey, seqBandwidth); err != nil {
		return fmt.Errorf("failed to lease reading ids: %w", err)
	}
	if s.bucketSeq, err = s.db.GetSequence(seqBucketsKey, seqBandwidth); err != nil {
		s.readingSeq.Release()
		return fmt.Errorf("failed to lease bucket ids: %w", err)
	}
	return nil
}

func (s *Storage) releaseSequences() error {
	return errors.Join(s.readingSeq.Release(), s.bucketSeq.Release())
}

// InsertReading writes a reading and its created_at index entry in one
// transaction. Writes are not abandoned on cancellation once started.
func (s *Storage) InsertReading(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return storage.Reading{}, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	id, err := s.readingSeq.Next()
	if err != nil {
		return storage.Reading{}, fmt.Errorf("failed to allocate reading id: %w", err)
	}
	r.ID = id + 1
	r.CreatedAt = s.clock.Now().UTC()

	value, err := json.Marshal(r)
	if err != nil {
		return storage.Reading{}, fmt.Errorf("failed to encode reading: %w", err)
	}
	key := readingKey(r.Timestamp, r.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(createdKey(r.CreatedAt, r.ID), key)
	})
	if err != nil {
		return storage.Reading{}, fmt.Errorf("failed to write reading: %w", err)
	}
	return r, nil
}

func (s *Storage) RecentReadings(ctx context.Context, limit int) ([]storage.Reading, error) {
	return query(ctx, "recent", func() ([]storage.Reading, error) {
		var out []storage.Reading
		err := s.scanReadings(ctx, true, nil, func(r storage.Reading) bool {
			out = append(out, r)
			return limit <= 0 || len(out) < limit
		})
		return out, err
	})
}

func (s *Storage) SearchByTemperature(ctx context.Context, threshold float64, dir storage.Direction) ([]storage.Reading, error) {
	return query(ctx, "search", func() ([]storage.Reading, error) {
		var out []storage.Reading
		err := s.scanReadings(ctx, true, nil, func(r storage.Reading) bool {
			if dir.Matches(r.Temperature, threshold) {
				out = append(out, r)
			}
			return true
		})
		return out, err
	})
}

func (s *Storage) ReadingsSince(ctx context.Context, checkpoint int64) ([]storage.Reading, error) {
	return query(ctx, "readings since", func() ([]storage.Reading, error) {
		var out []storage.Reading
		err := s.scanReadings(ctx, false, readingSeek(checkpoint), func(r storage.Reading) bool {
			if r.Timestamp > checkpoint {
				out = append(out, r)
			}
			return true
		})
		return out, err
	})
}

func (s *Storage) ReadingsBetween(ctx context.Context, from, to int64) ([]storage.Reading, error) {
	return query(ctx, "readings between", func() ([]storage.Reading, error) {
		var out []storage.Reading
		start := readingKey(from, 0)
		err := s.scanReadings(ctx, false, start, func(r storage.Reading) bool {
			if r.Timestamp > to {
				return false
			}
			out = append(out, r)
			return true
		})
		return out, err
	})
}

// DeleteReadingsOlderThan collects the doomed keys in a read transaction and
// removes them, with their index entries, in a WriteBatch.
func (s *Storage) DeleteReadingsOlderThan(ctx context.Context, cutoff int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var keys [][]byte
	err := s.scanReadings(ctx, false, nil, func(r storage.Reading) bool {
		if r.Timestamp >= cutoff {
			return false
		}
		keys = append(keys, readingKey(r.Timestamp, r.ID), createdKey(r.CreatedAt, r.ID))
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired readings: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to delete reading: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(keys) / 2, nil
}

func (s *Storage) InsertBucket(ctx context.Context, b storage.Bucket) (storage.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return storage.Bucket{}, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	id, err := s.bucketSeq.Next()
	if err != nil {
		return storage.Bucket{}, fmt.Errorf("failed to allocate bucket id: %w", err)
	}
	b.ID = id + 1
	b.CreatedAt = s.clock.Now().UTC()

	value, err := json.Marshal(b)
	if err != nil {
		return storage.Bucket{}, fmt.Errorf("failed to encode bucket: %w", err)
	}
	key := bucketKey(b.IntervalStart, b.IntervalEnd, b.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(intervalEndKey(b.IntervalEnd, b.ID), key)
	})
	if err != nil {
		return storage.Bucket{}, fmt.Errorf("failed to write bucket: %w", err)
	}
	return b, nil
}

func (s *Storage) BucketsSince(ctx context.Context, start int64) ([]storage.Bucket, error) {
	return query(ctx, "buckets since", func() ([]storage.Bucket, error) {
		var out []storage.Bucket
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = prefixBucket
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefixEnd(prefixBucket)); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				var b storage.Bucket
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &b)
				}); err != nil {
					return fmt.Errorf("failed to decode bucket: %w", err)
				}
				if b.IntervalStart < start {
					break
				}
				out = append(out, b)
			}
			return nil
		})
		return out, err
	})
}

// MaxIntervalEnd reads the last entry of the interval_end index.
func (s *Storage) MaxIntervalEnd(ctx context.Context) (int64, error) {
	return query(ctx, "checkpoint", func() (int64, error) {
		var checkpoint int64
		err := s.db.View(func(txn *badger.Txn) error {
			key, ok := lastKey(txn, prefixIntervalEnd)
			if ok {
				checkpoint = decodeInt64(key[len(prefixIntervalEnd):])
			}
			return nil
		})
		return checkpoint, err
	})
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	return query(ctx, "stats", func() (*storage.Stats, error) {
		stats := &storage.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			var err error
			if stats.Readings, err = countPrefix(ctx, txn, prefixReading); err != nil {
				return err
			}
			if stats.Buckets, err = countPrefix(ctx, txn, prefixBucket); err != nil {
				return err
			}
			if key, ok := lastKey(txn, prefixIntervalEnd); ok {
				stats.Checkpoint = decodeInt64(key[len(prefixIntervalEnd):])
			}
			if key, ok := lastKey(txn, prefixCreated); ok {
				stats.LastIngest = decodeCreated(key[len(prefixCreated):]).UTC()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		lsm, vlog := s.db.Size()
		stats.SizeBytes = uint64(lsm + vlog)
		return stats, nil
	})
}

// Snapshot streams a full badger backup of every live key.
func (s *Storage) Snapshot(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("failed to stream backup: %w", err)
	}
	return nil
}

// Restore loads a stream written by Snapshot. It is meant for an empty store.
func (s *Storage) Restore(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.releaseSequences(); err != nil {
		return fmt.Errorf("failed to release id leases: %w", err)
	}
	loadErr := s.db.Load(r, 256)
	if loadErr == nil {
		// The loaded lease keys may be older than ours; never hand out an
		// id that is already present.
		loadErr = s.raiseLease(seqReadingsKey, prefixReading)
		if loadErr == nil {
			loadErr = s.raiseLease(seqBucketsKey, prefixBucket)
		}
	}
	if err := s.acquireSequences(); err != nil {
		return errors.Join(loadErr, err)
	}
	if loadErr != nil {
		return fmt.Errorf("failed to load backup: %w", loadErr)
	}
	return nil
}

// raiseLease moves the sequence stored at seqKey past the largest id found
// under prefix. Ids are the last eight bytes of every primary key.
func (s *Storage) raiseLease(seqKey, prefix []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var maxID uint64
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if id := binary.BigEndian.Uint64(k[len(k)-8:]); id > maxID {
				maxID = id
			}
		}
		it.Close()

		lease := maxID
		item, err := txn.Get(seqKey)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					if cur := binary.BigEndian.Uint64(val); cur > lease {
						lease = cur
					}
				}
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(seqKey, binary.BigEndian.AppendUint64(nil, lease))
	})
}

// RunGC runs one pass of value log garbage collection.
// discardRatio: rewrite a file if this fraction can be discarded (0.5 = 50%).
// Returns nil when there was nothing to collect.
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close releases id leases and shuts down BadgerDB cleanly.
func (s *Storage) Close() error {
	return errors.Join(s.releaseSequences(), s.db.Close())
}

// scanReadings walks the reading keyspace from seek (nil means the start in
// the chosen direction) until visit returns false.
func (s *Storage) scanReadings(ctx context.Context, reverse bool, seek []byte, visit func(storage.Reading) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Reverse = reverse
		opts.Prefix = prefixReading
		it := txn.NewIterator(opts)
		defer it.Close()

		if seek == nil {
			seek = prefixReading
			if reverse {
				seek = prefixEnd(prefixReading)
			}
		}

		var n int
		for it.Seek(seek); it.Valid(); it.Next() {
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			var r storage.Reading
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("failed to decode reading: %w", err)
			}
			if !visit(r) {
				return nil
			}
		}
		return nil
	})
}

func countPrefix(ctx context.Context, txn *badger.Txn, prefix []byte) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func lastKey(txn *badger.Txn, prefix []byte) ([]byte, bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(prefixEnd(prefix))
	if !it.Valid() {
		return nil, false
	}
	return it.Item().KeyCopy(nil), true
}

// query runs a read off the caller's goroutine so a cancelled context
// returns promptly even if badger is busy.
func query[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// slogAdapter routes badger's internal logging to slog.
type slogAdapter struct {
	log *slog.Logger
}

func (a slogAdapter) Errorf(f string, v ...interface{})   { a.log.Error("badger", "msg", trim(f, v)) }
func (a slogAdapter) Warningf(f string, v ...interface{}) { a.log.Warn("badger", "msg", trim(f, v)) }
func (a slogAdapter) Infof(f string, v ...interface{})    { a.log.Debug("badger", "msg", trim(f, v)) }
func (a slogAdapter) Debugf(f string, v ...interface{})   { a.log.Debug("badger", "msg", trim(f, v)) }

func trim(format string, v []interface{}) string {
	s := fmt.Sprintf(format, v...)
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}

var _ storage.Store = (*Storage)(nil)
var _ storage.Snapshotter = (*Storage)(nil)
var _ storage.Restorer = (*Storage)(nil)
var _ storage.GarbageCollector = (*Storage)(nil)
