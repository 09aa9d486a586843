package backup

import (
	"os"
	"syscall"
	"time"
)

// creationTime returns the inode change time, which is what Linux reports
// as a file's creation time.
func creationTime(info os.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
}
