// Package eviction implements the least-hits-first victim selection policy
// from spec §4.C.
//
// This package is the direct descendant of the teacher's internal/clockpro:
// the same idea of scanning cache metadata in a cheap, externally-serialised
// pass and calling out to an eviction callback survives, but the CLOCK-Pro
// hot/cold/test state machine itself does not apply here — the source
// system's policy field is "currently no policies defined", and spec §4.C
// pins the one policy it does specify: ascending hit count, FIFO within a
// hit bucket, with the just-inserted key protected for the step that
// inserted it.
//
// Selection reads directly from registry.HitLog rather than keeping a
// parallel ring, since the hit log already has exactly the ordering
// eviction needs (spec §3 invariant: hit log and Registry agree on hits).
// Nothing in this package mutates the Registry; internal/coordinator does
// that based on the victims Select returns.
//
// © 2025 compsssqaaas authors.
package eviction

import "github.com/lezzidan/compsssqaaas/internal/registry"

// Select returns, in eviction order, the keys to remove so that total drops
// to at most capacity, given the current hit log and a lookup for each
// candidate key's size. protectedKey is never returned as a victim even if
// it is the sole occupant of the smallest hit bucket (spec §4.C: "The newly
// inserted key is never the first victim in the same step").
//
// The hit log is shared across both the host and device budgets (spec §3
// describes one hit log, keyed by the same logical key space); include
// restricts candidates to the budget currently over capacity so that, e.g.,
// a host-budget overrun never evicts a DeviceArray entry. A key for which
// include returns false is skipped entirely rather than counted with a
// zero size, so it is never returned as a victim.
//
// sizeOf must return the Size recorded in the Registry for key; Select
// itself has no Registry dependency beyond the hit log so that it stays
// testable with synthetic hit logs.
func Select(log *registry.HitLog, total, capacity int64, protectedKey string, include func(key string) bool, sizeOf func(key string) int64) []string {
	if total <= capacity {
		return nil
	}

	var victims []string
	remaining := total

	for _, hits := range log.AscendingHits() {
		if remaining <= capacity {
			break
		}
		for _, key := range log.KeysAt(hits) {
			if remaining <= capacity {
				break
			}
			if key == protectedKey {
				continue
			}
			if include != nil && !include(key) {
				continue
			}
			victims = append(victims, key)
			remaining -= sizeOf(key)
		}
	}
	return victims
}
