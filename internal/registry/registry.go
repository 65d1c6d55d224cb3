// Package registry holds the Cache Registry (component B) described in the
// cache tracker design: the mapping from logical key to entry descriptor, and
// the secondary hit-log index used for eviction victim selection.
//
// registry carries no behaviour beyond storage and the two bookkeeping
// invariants it must maintain for the Coordinator:
//
//	(1) for every (k, d) in the Registry, k is present in HitLog[d.hits],
//	    and no other bucket contains k (the hit log stores keys only; a
//	    key's size is read from its descriptor);
//	(2) a key is never simultaneously locked and present.
//
// Registry is NOT safe for concurrent use. It is owned and mutated
// exclusively by internal/coordinator's single goroutine; every other
// caller only ever sees it through command/reply round trips. This mirrors
// the teacher's own split between pkg/shard.go (owns mutation, holds the
// lock) and internal/clockpro (pure bookkeeping, no locking of its own).
//
// © 2025 compsssqaaas authors.
package registry

import (
	"container/list"
	"encoding/json"
	"fmt"
)

// Kind discriminates the four cacheable payload shapes from spec §3.
type Kind uint8

const (
	KindHostArray Kind = iota
	KindDeviceArray
	KindSequenceList
	KindSequenceTuple
)

func (k Kind) String() string {
	switch k {
	case KindHostArray:
		return "HostArray"
	case KindDeviceArray:
		return "DeviceArray"
	case KindSequenceList:
		return "SequenceList"
	case KindSequenceTuple:
		return "SequenceTuple"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MarshalJSON renders Kind by name rather than its underlying integer, so
// the debug snapshot the daemon serves (pkg.Daemon's
// /debug/cachetracker/snapshot) is readable without cross-referencing the
// Kind constants.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// DType is an opaque dtype tag. Nested/"object" element types are rejected
// by the classifier in pkg before a descriptor is ever constructed, so the
// registry itself never needs to special-case them.
type DType string

// Descriptor is the value stored in the Registry for each present key.
type Descriptor struct {
	SegmentName string
	Shape       []int
	DType       DType
	Size        int64
	Hits        uint64
	Kind        Kind
	// DeviceID is only meaningful for KindDeviceArray entries.
	DeviceID int
}

// lockOwner stamps a LOCK with the connection that issued it, so that a
// disconnect can release every lock that connection is holding (spec §5, §9
// design note on stale locks from crashed clients).
type lockOwner struct {
	connID string
}

// hitBucket is the insertion-ordered set of keys currently at a given hit
// count. Using container/list gives O(1) move-to-another-bucket and
// preserves FIFO order for the least-hits-first tie-break (spec §4.C).
type hitBucket struct {
	keys *list.List // element type: string (key)
	elem map[string]*list.Element
}

func newHitBucket() *hitBucket {
	return &hitBucket{keys: list.New(), elem: make(map[string]*list.Element)}
}

func (b *hitBucket) add(key string) {
	if _, ok := b.elem[key]; ok {
		return
	}
	b.elem[key] = b.keys.PushBack(key)
}

func (b *hitBucket) remove(key string) {
	if e, ok := b.elem[key]; ok {
		b.keys.Remove(e)
		delete(b.elem, key)
	}
}

func (b *hitBucket) empty() bool { return b.keys.Len() == 0 }

// HitLog is the secondary hits -> {key} index from spec §3. It does not
// record sizes; callers look a key's size up in the Registry.
type HitLog struct {
	buckets map[uint64]*hitBucket
}

// NewHitLog constructs an empty hit log.
func NewHitLog() *HitLog {
	return &HitLog{buckets: make(map[uint64]*hitBucket)}
}

func (h *HitLog) bucket(hits uint64) *hitBucket {
	b, ok := h.buckets[hits]
	if !ok {
		b = newHitBucket()
		h.buckets[hits] = b
	}
	return b
}

// Insert places key into the bucket for hits, creating the bucket if needed.
func (h *HitLog) Insert(hits uint64, key string) {
	h.bucket(hits).add(key)
}

// Move relocates key from oldHits to newHits, preserving FIFO order within
// the destination bucket (key is appended, i.e. treated as most-recently
// touched for tie-break purposes at the new hit count).
func (h *HitLog) Move(oldHits, newHits uint64, key string) {
	if old, ok := h.buckets[oldHits]; ok {
		old.remove(key)
		if old.empty() {
			delete(h.buckets, oldHits)
		}
	}
	h.bucket(newHits).add(key)
}

// Remove deletes key from whichever bucket it occupies.
func (h *HitLog) Remove(hits uint64, key string) {
	if b, ok := h.buckets[hits]; ok {
		b.remove(key)
		if b.empty() {
			delete(h.buckets, hits)
		}
	}
}

// AscendingHits returns the distinct hit counts currently populated, sorted
// ascending. Used by internal/eviction to scan victims least-hits-first.
func (h *HitLog) AscendingHits() []uint64 {
	out := make([]uint64, 0, len(h.buckets))
	for hits := range h.buckets {
		out = append(out, hits)
	}
	// Small n in practice (bounded by distinct hit counts in play); a simple
	// insertion sort avoids pulling in sort for a handful of elements.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// KeysAt returns the keys at the given hit count in FIFO (insertion) order.
func (h *HitLog) KeysAt(hits uint64) []string {
	b, ok := h.buckets[hits]
	if !ok {
		return nil
	}
	out := make([]string, 0, b.keys.Len())
	for e := b.keys.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Registry is the key -> descriptor mapping plus lock set, exactly as
// described in spec §3/§4.B.
type Registry struct {
	entries map[string]*Descriptor
	locks   map[string]lockOwner
	hitLog  *HitLog
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Descriptor),
		locks:   make(map[string]lockOwner),
		hitLog:  NewHitLog(),
	}
}

// HitLog exposes the hit log for the eviction policy.
func (r *Registry) HitLog() *HitLog { return r.hitLog }

// IsLocked reports whether key is in the lock set.
func (r *Registry) IsLocked(key string) bool {
	_, ok := r.locks[key]
	return ok
}

// IsPresent reports whether key has a live descriptor.
func (r *Registry) IsPresent(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Lock inserts key into the lock set, stamped with connID. Neither Lock nor
// the Coordinator re-checks that key is unlocked and absent: that
// precondition is enforced by the Client, which issues IS_LOCKED,
// IS_IN_CACHE and LOCK under its node-local mutex.
func (r *Registry) Lock(key, connID string) {
	r.locks[key] = lockOwner{connID: connID}
}

// Unlock removes key from the lock set. No-op if absent.
func (r *Registry) Unlock(key string) {
	delete(r.locks, key)
}

// UnlockAll removes every lock owned by connID, used when a Client
// connection disconnects mid-insert (spec §5 cancellation handling).
func (r *Registry) UnlockAll(connID string) []string {
	var released []string
	for k, owner := range r.locks {
		if owner.connID == connID {
			delete(r.locks, k)
			released = append(released, k)
		}
	}
	return released
}

// Put inserts a fresh descriptor for key at hits=0 and removes key from the
// lock set. Returns false if key was already present (protocol error: PUT
// without a preceding LOCK, or a duplicate PUT).
func (r *Registry) Put(key string, d Descriptor) bool {
	if _, exists := r.entries[key]; exists {
		return false
	}
	d.Hits = 0
	cp := d
	r.entries[key] = &cp
	r.hitLog.Insert(0, key)
	delete(r.locks, key)
	return true
}

// Get returns the descriptor for key and increments its hit count, moving
// it in the hit log. Returns (nil, false) on miss.
func (r *Registry) Get(key string) (*Descriptor, bool) {
	d, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	old := d.Hits
	d.Hits++
	r.hitLog.Move(old, d.Hits, key)
	return d, true
}

// Peek returns the descriptor without mutating hits (used for read-through
// registry views and presence probes).
func (r *Registry) Peek(key string) (Descriptor, bool) {
	d, ok := r.entries[key]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Remove deletes key from the Registry and the hit log. Returns the removed
// descriptor and true, or (zero, false) if key was absent.
func (r *Registry) Remove(key string) (Descriptor, bool) {
	d, ok := r.entries[key]
	if !ok {
		return Descriptor{}, false
	}
	delete(r.entries, key)
	r.hitLog.Remove(d.Hits, key)
	return *d, true
}

// Len returns the number of present entries.
func (r *Registry) Len() int { return len(r.entries) }

// TotalSize sums Size across present entries matching kind predicate pred.
func (r *Registry) TotalSize(pred func(Kind) bool) int64 {
	var total int64
	for _, d := range r.entries {
		if pred(d.Kind) {
			total += d.Size
		}
	}
	return total
}

// Snapshot returns a shallow copy of every present descriptor, keyed by
// logical key. Intended for diagnostics (cmd/cachetracker-inspect) only:
// callers must not mutate the returned descriptors to affect the Registry.
func (r *Registry) Snapshot() map[string]Descriptor {
	out := make(map[string]Descriptor, len(r.entries))
	for k, d := range r.entries {
		out[k] = *d
	}
	return out
}
