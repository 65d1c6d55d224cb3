package coordinator

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerRecordAndSnapshot(t *testing.T) {
	p := NewProfiler("", 0, nil)

	p.Record("fn1", "param1", "HostArray", "k1.pkl")
	p.Record("fn1", "param1", "HostArray", "k1.pkl")
	p.Record("fn1", "param1", "HostArray", "k2.pkl")

	entries, getStruct := p.Snapshot()
	require.Len(t, entries, 2)

	byKey := map[string]uint64{}
	for _, e := range entries {
		assert.Equal(t, "fn1", e.Function)
		assert.Equal(t, "param1", e.Parameter)
		assert.Equal(t, "HostArray", e.Kind)
		byKey[e.Key] = e.Count
	}
	assert.EqualValues(t, 2, byKey["k1.pkl"])
	assert.EqualValues(t, 1, byKey["k2.pkl"])
	assert.Equal(t, []string{"k1.pkl", "k1.pkl", "k2.pkl"}, getStruct["fn1"])
}

func TestProfilerCloseWritesZstdSnapshot(t *testing.T) {
	dir := t.TempDir()
	p := NewProfiler(dir, 0, nil)
	p.Record("fn1", "p1", "HostArray", "k1.pkl")

	require.NoError(t, p.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "k1.pkl")
	assert.Contains(t, string(raw), "__get_struct__")
}

func TestProfilerCloseWithoutLogDirIsNoop(t *testing.T) {
	p := NewProfiler("", 0, nil)
	p.Record("fn1", "p1", "HostArray", "k1.pkl")
	require.NoError(t, p.Close())
}
