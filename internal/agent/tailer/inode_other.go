//go:build !unix

package tailer

import "os"

// inodeAndSize and statFile fall back to size-only rotation detection
// on non-Unix platforms, where syscall.Stat_t.Ino is unavailable. A
// truncated-in-place file is still caught (size < last offset); a
// rotated file swapped in at the same size as the one it replaced is
// not, which is an accepted gap on a platform guardian-agent does not
// target in production (production targets Linux hosts running ufw).
func inodeAndSize(path string) (ino uint64, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return 0, fi.Size(), nil
}

func statFile(f *os.File) (ino uint64, size int64, err error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	return 0, fi.Size(), nil
}
