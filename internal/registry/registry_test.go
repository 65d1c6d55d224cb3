package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetRemove(t *testing.T) {
	r := New()

	ok := r.Put("k1", Descriptor{SegmentName: "seg1", Size: 10, Kind: KindHostArray})
	require.True(t, ok)
	assert.True(t, r.IsPresent("k1"))
	assert.Equal(t, 1, r.Len())

	d, found := r.Get("k1")
	require.True(t, found)
	assert.EqualValues(t, 1, d.Hits)

	d, found = r.Get("k1")
	require.True(t, found)
	assert.EqualValues(t, 2, d.Hits)

	removed, ok := r.Remove("k1")
	require.True(t, ok)
	assert.EqualValues(t, 2, removed.Hits)
	assert.False(t, r.IsPresent("k1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryPutDuplicateRejected(t *testing.T) {
	r := New()
	require.True(t, r.Put("k1", Descriptor{Size: 1}))
	assert.False(t, r.Put("k1", Descriptor{Size: 2}))
}

func TestRegistryLockUnlockInvariant(t *testing.T) {
	r := New()
	assert.False(t, r.IsLocked("k1"))
	r.Lock("k1", "conn-a")
	assert.True(t, r.IsLocked("k1"))
	r.Unlock("k1")
	assert.False(t, r.IsLocked("k1"))

	// Put clears any lock on the same key (spec invariant: never locked and
	// present simultaneously).
	r.Lock("k2", "conn-a")
	r.Put("k2", Descriptor{Size: 1})
	assert.False(t, r.IsLocked("k2"))
	assert.True(t, r.IsPresent("k2"))
}

func TestRegistryUnlockAll(t *testing.T) {
	r := New()
	r.Lock("k1", "conn-a")
	r.Lock("k2", "conn-a")
	r.Lock("k3", "conn-b")

	released := r.UnlockAll("conn-a")
	assert.ElementsMatch(t, []string{"k1", "k2"}, released)
	assert.False(t, r.IsLocked("k1"))
	assert.False(t, r.IsLocked("k2"))
	assert.True(t, r.IsLocked("k3"))
}

func TestRegistryTotalSizeByKindPredicate(t *testing.T) {
	r := New()
	r.Put("host1", Descriptor{Size: 10, Kind: KindHostArray})
	r.Put("host2", Descriptor{Size: 20, Kind: KindHostArray})
	r.Put("dev1", Descriptor{Size: 100, Kind: KindDeviceArray})

	hostTotal := r.TotalSize(func(k Kind) bool { return k != KindDeviceArray })
	deviceTotal := r.TotalSize(func(k Kind) bool { return k == KindDeviceArray })
	assert.EqualValues(t, 30, hostTotal)
	assert.EqualValues(t, 100, deviceTotal)
}

func TestRegistrySnapshotIsShallowCopy(t *testing.T) {
	r := New()
	r.Put("k1", Descriptor{Size: 5})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	d := snap["k1"]
	d.Size = 999 // mutating the returned copy must not affect the Registry

	d2, _ := r.Peek("k1")
	assert.EqualValues(t, 5, d2.Size)
}

func TestHitLogMoveAndFIFOOrder(t *testing.T) {
	h := NewHitLog()
	h.Insert(0, "a")
	h.Insert(0, "b")
	h.Insert(0, "c")

	assert.Equal(t, []string{"a", "b", "c"}, h.KeysAt(0))

	h.Move(0, 1, "a")
	assert.Equal(t, []string{"b", "c"}, h.KeysAt(0))
	assert.Equal(t, []string{"a"}, h.KeysAt(1))
	assert.Equal(t, []uint64{0, 1}, h.AscendingHits())

	h.Remove(1, "a")
	assert.Nil(t, h.KeysAt(1))
}

func TestKindStringAndJSON(t *testing.T) {
	assert.Equal(t, "HostArray", KindHostArray.String())
	assert.Equal(t, "DeviceArray", KindDeviceArray.String())
	assert.Equal(t, "SequenceList", KindSequenceList.String())
	assert.Equal(t, "SequenceTuple", KindSequenceTuple.String())
	assert.Contains(t, Kind(99).String(), "Kind(99)")

	b, err := json.Marshal(KindDeviceArray)
	require.NoError(t, err)
	assert.Equal(t, `"DeviceArray"`, string(b))
}
