//go:build linux

package rdpdr

import (
	"io/fs"
	"syscall"
)

// statTimes pulls ctime/atime out of the underlying stat when available.
func statTimes(info fs.FileInfo, fallback int64) (ctime, atime int64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return unixToFiletime(st.Ctim.Sec), unixToFiletime(st.Atim.Sec)
	}
	return fallback, fallback
}

// diskSpace returns (total, free) bytes for the filesystem holding path,
// with generous defaults when statfs fails.
func diskSpace(path string) (uint64, uint64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 100 << 30, 50 << 30
	}
	bs := uint64(st.Bsize)
	return st.Blocks * bs, st.Bavail * bs
}
