//go:build linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// backingDir returns the directory new segment files are created in. Linux
// gives us a real tmpfs mount at /dev/shm, which is exactly POSIX shared
// memory as spec §4.A expects: any process on the node can open the same
// path and mmap it. When /dev/shm is missing or unwritable (some minimal
// containers strip it) we fall back to os.TempDir(), which on most
// container runtimes is still tmpfs-backed, just not guaranteed to be.
func backingDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// mmapFile maps size bytes of f starting at offset 0. ro selects a
// read-only mapping (used by attach); the writable mapping (used by
// allocate_segment/allocate_sequence) requests PROT_READ|PROT_WRITE.
//
// Grounded on SnellerInc-sneller's tenant/dcache/file_linux.go mmap/unmap
// pair and ehrlich-b-go-ublk's golang.org/x/sys/unix.Mmap(..., MAP_SHARED)
// usage for its io_uring ring buffers — both use MAP_SHARED so that writes
// through the mapping are visible to every other mapper of the same file,
// which is the entire point of a segment.
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
	if err := f.Truncate(size); err != nil {
		return err
	}
	// Best effort: reserve real pages up front rather than letting the
	// mapping fault lazily, so a later OutOfSharedMemory surfaces at
	// allocate time instead of mid-copy inside a PUT.
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)
	return nil
}
