// Package segment implements the Shared-Memory Region Server (component A):
// it owns allocations of named host shared-memory segments and shareable
// sequences, and hands out read-only attachments addressable by name across
// processes (spec §4.A).
//
// Segments are plain files under backingDir() (/dev/shm on Linux), mmap'd
// MAP_SHARED so every process that opens the same path and maps it sees the
// same physical pages — the teacher's own internal/arena explicitly avoids
// any pooling or GC hooks and leaves synchronisation to its caller; Server
// keeps that same minimalism, it just backs its allocations with real OS
// shared memory instead of Go's in-heap experimental arena, because an
// in-heap arena cannot be shared across the separate executor processes
// spec §1 describes.
//
// © 2025 compsssqaaas authors.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sentinel errors from spec §7 for the Region Server's own failure modes.
var (
	ErrOutOfSharedMemory = errors.New("segment: out of shared memory")
	ErrNoSuchSegment     = errors.New("segment: no such segment")
	ErrAlreadyShutdown   = errors.New("segment: server already shut down")
)

// handle is the server-side bookkeeping for one live segment: the backing
// file plus its writable mapping (kept mapped for the lifetime of the
// segment so Release can munmap deterministically instead of relying on
// process exit to tear it down).
type handle struct {
	path string
	buf  []byte
	size int64
	// sequence is true for allocate_sequence-created segments, which carry
	// the fixed-width record header sequence.go defines. Attach does not
	// consult it and always returns the raw bytes, header included
	// (pkg.Client does the skipping; Server only tracks the flag for
	// diagnostics).
	sequence bool
	gen      uint64
}

// Server is the Region Server. One Server instance is the authority for an
// entire node — cmd/cachetrackerd constructs exactly one and serves every
// connecting Client's segment requests against it.
type Server struct {
	mu       sync.Mutex
	dir      string
	segments map[string]*handle
	ledger   *ledger
	logger   *zap.Logger
	shutdown bool
}

// NewServer constructs a Region Server rooted at the platform's shared
// memory directory. logger may be nil (a no-op logger is substituted),
// matching the teacher's WithLogger(nil)-tolerant config pattern.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dir:      backingDir(),
		segments: make(map[string]*handle),
		ledger:   newLedger(),
		logger:   logger,
	}
}

// AllocateSegment reserves a uniquely named region of size bytes and
// returns its name and a writable view (spec §4.A allocate_segment).
func (s *Server) AllocateSegment(size int64) (name string, buf []byte, err error) {
	return s.allocate(size, false)
}

// AllocateSequence reserves a named region laid out as elements fixed-width
// slots of slotSize bytes each (spec §4.A allocate_sequence). The returned
// buffer includes the sequence.go header; callers that want only the
// element payload should use sequence helpers to skip it.
func (s *Server) AllocateSequence(elements, slotSize int) (name string, buf []byte, err error) {
	total := sequenceByteSize(elements, slotSize)
	name, buf, err = s.allocate(total, true)
	if err != nil {
		return "", nil, err
	}
	writeSequenceHeader(buf, elements, slotSize)
	return name, buf, nil
}

func (s *Server) allocate(size int64, sequence bool) (name string, buf []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return "", nil, ErrAlreadyShutdown
	}
	if size <= 0 {
		return "", nil, fmt.Errorf("segment: size must be > 0, got %d", size)
	}

	name = "compss-" + uuid.NewString()
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("%w: create %s: %v", ErrOutOfSharedMemory, path, err)
	}
	defer f.Close()

	if err := resizeFile(f, size); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("%w: resize %s: %v", ErrOutOfSharedMemory, path, err)
	}

	mapped, err := mmapFile(f, size, false)
	if err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("%w: mmap %s: %v", ErrOutOfSharedMemory, path, err)
	}

	h := &handle{path: path, buf: mapped, size: size, sequence: sequence, gen: s.ledger.nextGeneration()}
	s.segments[name] = h

	budget := BudgetHost
	s.ledger.add(budget, size)

	s.logger.Debug("segment allocated", zap.String("name", name), zap.Int64("size", size), zap.Bool("sequence", sequence))
	return name, mapped, nil
}

// Attach returns a read-only mapping of an existing segment, valid for the
// caller's address space. Attach is idempotent: two concurrent callers each
// receive their own mapping of the same underlying pages, which is safe
// because the mapping is read-only and the kernel, not this package,
// de-duplicates the physical pages (spec §4.A: "idempotent across
// concurrent callers").
//
// Attach needs no server-side bookkeeping beyond the backing directory, so
// it delegates to the freestanding Attach function any process on the node
// can call directly once it knows a segment's name — which is how
// pkg.Client attaches segments from the executor process, without holding
// a reference to this Server.
func (s *Server) Attach(name string) ([]byte, error) {
	return Attach(s.dir, name)
}

// Attach opens and read-only maps the named segment under dir. dir is the
// platform shared-memory directory (backingDir()); any process that agrees
// on dir can attach a segment by name alone.
func Attach(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSegment, name)
		}
		return nil, fmt.Errorf("segment: attach %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", name, err)
	}

	buf, err := mmapFile(f, st.Size(), true)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap attach %s: %w", name, err)
	}
	return buf, nil
}

// OpenWritable opens and maps the named segment read-write under dir. Used
// by pkg.Client, in the same process that called allocate_segment over the
// wire, to obtain its own writable mapping of the file the daemon created
// — the daemon's writable mapping lives in its own address space and
// cannot be shipped over the connection, but MAP_SHARED means two
// processes mapping the same path see the same bytes, so the Client simply
// maps it again locally.
func OpenWritable(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchSegment, name)
		}
		return nil, fmt.Errorf("segment: open writable %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", name, err)
	}
	return mmapFile(f, st.Size(), false)
}

// Dir returns the directory this Server's segments live under, so a
// same-process Client can call Attach(dir, name) without a round trip.
func (s *Server) Dir() string { return s.dir }

// BackingDir exposes backingDir() to other packages (pkg.Client resolves
// its own attach directory the same way the Server resolves its own,
// rather than depending on Server being in-process).
func BackingDir() string { return backingDir() }

// Release unmaps and removes the named segment, returning its byte size to
// the owning budget. Called by the Coordinator on REMOVE and on eviction
// (spec §3 "destroyed by REMOVE ... or by eviction"). No-op, returning
// ErrNoSuchSegment, if the name is unknown — callers treat that as
// best-effort cleanup, not a hard failure (spec §7).
func (s *Server) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.segments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSegment, name)
	}
	delete(s.segments, name)

	var errs error
	if err := munmapFile(h.buf); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		errs = multierr.Append(errs, err)
	}
	s.ledger.add(BudgetHost, -h.size)
	s.logger.Debug("segment released", zap.String("name", name))
	return errs
}

// LiveBytes reports the current byte total for the given budget, for the
// daemon's /debug/cachetracker/stats endpoint.
func (s *Server) LiveBytes(b Budget) int64 {
	return s.ledger.total(b)
}

// Allocations returns the lifetime count of segments ever handed out, for
// cmd/cachetracker-inspect diagnostics.
func (s *Server) Allocations() uint64 {
	return s.ledger.allocations()
}

// Shutdown releases every segment the Server owns. With force=false it
// refuses (returning an error) while live is non-empty, giving the
// Coordinator a chance to REMOVE everything cleanly first; force=true
// unconditionally tears everything down, logging a warning per segment it
// had to reclaim without a prior REMOVE (spec §4.A: "On shutdown, the
// Server releases every segment it owns").
func (s *Server) Shutdown(force bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	if !force && len(s.segments) > 0 {
		n := len(s.segments)
		s.mu.Unlock()
		return fmt.Errorf("segment: %d segment(s) still live; pass force=true or REMOVE them first", n)
	}
	names := make([]string, 0, len(s.segments))
	for name := range s.segments {
		names = append(names, name)
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs error
	for _, name := range names {
		if force {
			s.logger.Warn("reclaiming segment at shutdown without prior REMOVE", zap.String("name", name))
		}
		if err := s.Release(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
