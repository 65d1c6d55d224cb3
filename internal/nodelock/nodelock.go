// Package nodelock provides a striped, OS-level mutex over flock(2), used
// to defend the IS_LOCKED / IS_IN_CACHE / LOCK read-check-act sequence
// (spec §5, §9) against two Client processes racing each other before
// either has reached the Coordinator.
//
// The Coordinator's single-threaded actor loop serialises every command it
// receives, but it answers IS_LOCKED and IS_IN_CACHE separately from LOCK
// and accepts a LOCK without re-checking, so two Clients could both observe
// "not locked, not present" and both issue LOCK. Holding the key's stripe
// across the three commands closes that window. Striping by key keeps
// contention low without a single global lock.
//
// © 2025 compsssqaaas authors.
package nodelock

import (
	"os"
	"path/filepath"

	"github.com/dchest/siphash"
	"golang.org/x/sys/unix"

	"github.com/lezzidan/compsssqaaas/internal/unsafehelpers"
)

const stripeCount = 256

// a fixed key, shared by every node process that links this package, so
// that siphash produces the same stripe assignment for the same logical
// key regardless of which process computes it.
var stripeKey0, stripeKey1 uint64 = 0x9e3779b97f4a7c15, 0xc2b2ae3d27d4eb4f

// Striped is a set of stripeCount OS-visible lock files, one per stripe.
// Locking a key takes an exclusive flock on the stripe its hash maps to;
// distinct keys that happen to collide on a stripe simply serialise with
// each other, which is a false-sharing cost, not a correctness problem.
type Striped struct {
	dir   string
	files [stripeCount]*os.File
}

// Open creates (or reuses) the stripe files under dir. dir is typically the
// same backing directory segments live in, so the lock files are visible to
// every process on the node.
func Open(dir string) (*Striped, error) {
	s := &Striped{dir: dir}
	for i := 0; i < stripeCount; i++ {
		path := filepath.Join(dir, stripeFileName(i))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files[i] = f
	}
	return s, nil
}

func stripeFileName(i int) string {
	return ".compss-cache-lock-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func (s *Striped) stripeFor(key string) *os.File {
	// siphash.Hash only reads its input, so the zero-copy view avoids an
	// allocation on every lock/unlock call.
	h := siphash.Hash(stripeKey0, stripeKey1, unsafehelpers.StringToBytes(key))
	return s.files[h%stripeCount]
}

// Lock blocks until it holds an exclusive flock on key's stripe. The
// returned Unlock function must be called exactly once to release it.
func (s *Striped) Lock(key string) (unlock func() error, err error) {
	f := s.stripeFor(key)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}, nil
}

// TryLock attempts a non-blocking exclusive flock on key's stripe,
// returning ok=false (not an error) if another process already holds it.
func (s *Striped) TryLock(key string) (unlock func() error, ok bool, err error) {
	f := s.stripeFor(key)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() error {
		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}, true, nil
}

// Close releases every stripe file handle. It does not remove the files
// from disk; they are reused by the next process to Open the same dir.
func (s *Striped) Close() error {
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
