//go:build windows

package monitor

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32          = syscall.NewLazyDLL("kernel32.dll")
	getCompressedSize = kernel32.NewProc("GetCompressedFileSizeW")
)

// getActualFileSize asks GetCompressedFileSizeW for the on-disk size and
// falls back to the logical size when the call fails.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return info.Size(), nil
	}

	var high uint32
	low, _, _ := getCompressedSize.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&high)))
	if low == 0xFFFFFFFF { // INVALID_FILE_SIZE
		return info.Size(), nil
	}
	return int64(high)<<32 | int64(low), nil
}
