//go:build !linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// backingDir falls back to the OS temp directory on non-Linux platforms,
// which lack a universal /dev/shm convention. Segments are still real mmap
// MAP_SHARED files, just not guaranteed tmpfs-backed; this only matters for
// the allocate latency, not correctness.
func backingDir() string {
	return os.TempDir()
}

func mmapFile(f *os.File, size int64, ro bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if ro {
		prot = unix.PROT_READ
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}

func munmapFile(buf []byte) error {
	return unix.Munmap(buf)
}

func resizeFile(f *os.File, size int64) error {
	return f.Truncate(size)
}
