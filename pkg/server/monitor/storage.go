package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
)

// StorageMonitor tracks on-disk usage of the data and backup directories,
// caching the result to avoid repeated filesystem walks.
type StorageMonitor struct {
	dataDir       string
	backupDir     string
	limitBytes    int64
	clock         clock.Clock
	cached        Usage
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// Usage is a point-in-time disk usage report.
type Usage struct {
	DataBytes   int64   `json:"data_bytes"`
	BackupBytes int64   `json:"backup_bytes"`
	TotalBytes  int64   `json:"total_bytes"`
	LimitBytes  int64   `json:"limit_bytes,omitempty"`
	UsedPercent float64 `json:"used_percent,omitempty"`
}

// NewStorageMonitor creates a new storage monitor. A zero limit disables
// the percentage. backupDir may be empty.
func NewStorageMonitor(dataDir, backupDir string, limitBytes int64, c clock.Clock) *StorageMonitor {
	if c == nil {
		c = clock.Real()
	}
	return &StorageMonitor{
		dataDir:       dataDir,
		backupDir:     backupDir,
		limitBytes:    limitBytes,
		clock:         c,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage (cached for 10 seconds).
// A missing backup directory counts as empty; a missing data directory is
// an error.
func (sm *StorageMonitor) GetUsage() (Usage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if !sm.lastCheck.IsZero() && now.Sub(sm.lastCheck) < sm.cacheDuration {
		return sm.cached, nil
	}

	data, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return Usage{}, err
	}
	var backups int64
	if sm.backupDir != "" {
		backups, err = calculateDirSize(sm.backupDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Usage{}, err
		}
	}

	u := Usage{
		DataBytes:   data,
		BackupBytes: backups,
		TotalBytes:  data + backups,
		LimitBytes:  sm.limitBytes,
	}
	if sm.limitBytes > 0 {
		u.UsedPercent = float64(u.TotalBytes) / float64(sm.limitBytes) * 100
	}

	sm.cached = u
	sm.lastCheck = now
	return u, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.limitBytes
}

// calculateDirSize recursively sums actual disk usage (not logical size).
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in filesize_unix.go and filesize_windows.go.
