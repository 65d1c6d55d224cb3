package eviction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lezzidan/compsssqaaas/internal/registry"
)

func sizes(m map[string]int64) func(string) int64 {
	return func(key string) int64 { return m[key] }
}

func allInclude(string) bool { return true }

func TestSelectNoopUnderCapacity(t *testing.T) {
	log := registry.NewHitLog()
	log.Insert(0, "a")
	victims := Select(log, 10, 100, "", allInclude, sizes(map[string]int64{"a": 10}))
	assert.Nil(t, victims)
}

func TestSelectLeastHitsFirst(t *testing.T) {
	log := registry.NewHitLog()
	log.Insert(5, "warm")
	log.Insert(0, "cold1")
	log.Insert(0, "cold2")

	sz := sizes(map[string]int64{"warm": 10, "cold1": 10, "cold2": 10})
	// total 30, capacity 15: must evict the two 0-hit keys before touching warm.
	victims := Select(log, 30, 15, "", allInclude, sz)
	assert.Equal(t, []string{"cold1", "cold2"}, victims)
}

func TestSelectProtectsJustInserted(t *testing.T) {
	log := registry.NewHitLog()
	log.Insert(0, "just-inserted")
	log.Insert(0, "other")

	sz := sizes(map[string]int64{"just-inserted": 10, "other": 10})
	victims := Select(log, 20, 10, "just-inserted", allInclude, sz)
	assert.Equal(t, []string{"other"}, victims)
	assert.NotContains(t, victims, "just-inserted")
}

func TestSelectStopsAsSoonAsUnderCapacity(t *testing.T) {
	log := registry.NewHitLog()
	log.Insert(0, "a")
	log.Insert(0, "b")
	log.Insert(0, "c")

	sz := sizes(map[string]int64{"a": 10, "b": 10, "c": 10})
	victims := Select(log, 30, 20, "", allInclude, sz)
	assert.Equal(t, []string{"a"}, victims)
}

func TestSelectRespectsIncludeFilter(t *testing.T) {
	log := registry.NewHitLog()
	log.Insert(0, "device-key")
	log.Insert(1, "host-key")

	sz := sizes(map[string]int64{"device-key": 50, "host-key": 50})
	// Only host-kind keys are eligible; device-key (hits=0, would normally
	// be first) must never be selected even though it has fewer hits.
	hostOnly := func(key string) bool { return key == "host-key" }
	victims := Select(log, 100, 10, "", hostOnly, sz)
	assert.Equal(t, []string{"host-key"}, victims)
}
