//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns allocated bytes, so sparse badger value logs
// are not over-counted.
func getActualFileSize(_ string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// Blocks are 512 bytes regardless of the filesystem block size.
	return int64(stat.Blocks) * 512, nil
}
