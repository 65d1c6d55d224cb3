package cachetracker

import "errors"

// Sentinel errors for the Cache Tracker Client's error kinds (spec §7).
// Propagation policy is best-effort for the executor: every one of these is
// caught at the call site that classifies or dispatches a candidate value
// and turned into a silent skip or a reported cache-miss; none of them
// should reach the executor as a hard failure except UnknownCacheableType
// and the explicit ones called out in spec §7.
var (
	// ErrUnsupportedKind means the candidate value is not one of the four
	// cacheable payload kinds. Logged at debug; silently skipped.
	ErrUnsupportedKind = errors.New("cachetracker: unsupported kind")

	// ErrOutOfSharedMemory / ErrSegmentAllocationFailed: the Server cannot
	// allocate. The Client emits UNLOCK and abandons.
	ErrOutOfSharedMemory       = errors.New("cachetracker: out of shared memory")
	ErrSegmentAllocationFailed = errors.New("cachetracker: segment allocation failed")

	// ErrNoSuchSegment / ErrAttachFailed: attach failed. Reported as a cache
	// miss to the executor; the Registry is left untouched.
	ErrNoSuchSegment = errors.New("cachetracker: no such segment")
	ErrAttachFailed  = errors.New("cachetracker: attach failed")

	// ErrUnknownCacheableType: the Registry descriptor's kind tag is not one
	// of the four known kinds. Fatal for the retrieval request.
	ErrUnknownCacheableType = errors.New("cachetracker: unknown cacheable type")

	// ErrDeviceHandleOpenFailed: an IPC handle cannot be opened on this
	// device. Reported as a miss for in_cache probes; fails retrievals.
	ErrDeviceHandleOpenFailed = errors.New("cachetracker: device handle open failed")

	// ErrProtocolViolation: an unexpected command reached the Coordinator
	// (e.g. PUT without a preceding LOCK by the same Client).
	ErrProtocolViolation = errors.New("cachetracker: protocol violation")
)
