//go:build unix

package tailer

import (
	"os"
	"syscall"
)

// inodeAndSize stats path without opening it, used when building the
// initial state for a log file that may not exist yet.
func inodeAndSize(path string) (ino uint64, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return inodeOf(fi), fi.Size(), nil
}

// statFile stats an already-open file descriptor, avoiding a second
// path lookup (and a TOCTOU race with rotation) on the hot path.
func statFile(f *os.File) (ino uint64, size int64, err error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	return inodeOf(fi), fi.Size(), nil
}

func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
