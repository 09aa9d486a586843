// Package backup writes compressed snapshots of the store to disk and
// prunes old ones.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

const (
	filePrefix = "sensor_data_"
	fileSuffix = ".bak.zst"
	tmpSuffix  = ".tmp"
	timeLayout = "20060102_150405"
)

// Config controls where backups go and how long they are kept.
type Config struct {
	Dir       string
	Retention time.Duration  // default config.DefaultBackupRetention
	Location  *time.Location // used for file names, default time.Local
	Clock     clock.Clock
}

// Manager creates and prunes backups of a single store.
type Manager struct {
	source    storage.Snapshotter
	dir       string
	retention time.Duration
	loc       *time.Location
	clock     clock.Clock
	log       *slog.Logger

	// creationTime is swapped in tests; ctime cannot be set from userspace.
	creationTime func(os.FileInfo) time.Time
}

// Result describes a written backup.
type Result struct {
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Checksum uint64    `json:"checksum"`
	Created  time.Time `json:"created"`
	Pruned   int       `json:"pruned"`
}

// NewManager creates a backup manager for source.
func NewManager(source storage.Snapshotter, cfg Config) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = config.DefaultBackupDir
	}
	if cfg.Retention <= 0 {
		cfg.Retention = config.DefaultBackupRetention
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		source:       source,
		dir:          cfg.Dir,
		retention:    cfg.Retention,
		loc:          cfg.Location,
		clock:        cfg.Clock,
		log:          logging.Component("backup"),
		creationTime: creationTime,
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// FileName returns the backup file name for a backup taken at t.
func (m *Manager) FileName(t time.Time) string {
	return filePrefix + t.In(m.loc).Format(timeLayout) + fileSuffix
}

// CreateBackup snapshots the store into a new file and then prunes backups
// past retention. Pruning runs even when the snapshot fails.
func (m *Manager) CreateBackup(ctx context.Context) (*Result, error) {
	res, err := m.writeBackup(ctx)

	pruned, cleanErr := m.CleanupOldBackups(ctx)
	if err != nil {
		return nil, errors.Join(err, cleanErr)
	}
	if cleanErr != nil {
		m.log.Error("failed to clean up old backups", "error", cleanErr)
	}
	res.Pruned = pruned
	return res, nil
}

func (m *Manager) writeBackup(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := m.clock.Now()
	path := filepath.Join(m.dir, m.FileName(now))
	tmp := path + tmpSuffix

	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup file: %w", err)
	}
	// No-op once renamed.
	defer os.Remove(tmp)

	hash := xxhash.New()
	counter := &countingWriter{}
	enc, err := zstd.NewWriter(io.MultiWriter(f, hash, counter))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	if err := m.source.Snapshot(ctx, enc); err != nil {
		enc.Close()
		f.Close()
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close backup file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to finalize backup file: %w", err)
	}

	res := &Result{
		Path:     path,
		Bytes:    counter.n,
		Checksum: hash.Sum64(),
		Created:  now,
	}
	m.log.Info("backup created", "path", path, "bytes", res.Bytes,
		"checksum", fmt.Sprintf("%016x", res.Checksum))
	return res, nil
}

// CleanupOldBackups deletes every regular file in the backup directory whose
// creation time is older than the retention window. Deletion failures are
// logged and skipped. A missing directory is not an error.
func (m *Manager) CleanupOldBackups(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list backup directory: %w", err)
	}

	cutoff := m.clock.Now().Add(-m.retention)
	deleted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			m.log.Warn("failed to stat backup file", "name", entry.Name(), "error", err)
			continue
		}
		if !m.creationTime(info).Before(cutoff) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			m.log.Error("failed to delete old backup", "path", path, "error", err)
			continue
		}
		deleted++
		m.log.Info("old backup deleted", "path", path)
	}
	return deleted, nil
}

// Restore decompresses the backup at path and loads it into dst.
func Restore(ctx context.Context, path string, dst storage.Restorer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	if err := dst.Restore(ctx, dec); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	logging.Component("backup").Info("backup restored", "path", path)
	return nil
}

// Checksum returns the xxhash64 of the file at path, as reported by
// CreateBackup.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
