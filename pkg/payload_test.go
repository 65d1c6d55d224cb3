package cachetracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lezzidan/compsssqaaas/internal/registry"
)

func TestClassifyHostArray(t *testing.T) {
	p, err := Classify(HostArray{DType: "float64", Bytes: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, registry.KindHostArray, p.Kind)
	require.NotNil(t, p.Host)
	assert.Equal(t, 4, len(p.Host.Bytes))
}

func TestClassifyRejectsObjectDType(t *testing.T) {
	_, err := Classify(HostArray{DType: kindObject, Bytes: []byte{1}})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestClassifyDeviceArray(t *testing.T) {
	p, err := Classify(DeviceArray{DeviceID: 1, Handle: []byte("h"), Size: 8})
	require.NoError(t, err)
	assert.Equal(t, registry.KindDeviceArray, p.Kind)
}

func TestClassifySequenceListVsTuple(t *testing.T) {
	list, err := Classify(Sequence{Elements: []Scalar{{DType: "int64", Bytes: []byte{1}}}, Mutable: true})
	require.NoError(t, err)
	assert.Equal(t, registry.KindSequenceList, list.Kind)

	tuple, err := Classify(Sequence{Elements: []Scalar{{DType: "int64", Bytes: []byte{1}}}, Mutable: false})
	require.NoError(t, err)
	assert.Equal(t, registry.KindSequenceTuple, tuple.Kind)
}

func TestClassifySequenceRejectsObjectElement(t *testing.T) {
	_, err := Classify(Sequence{Elements: []Scalar{{DType: kindObject, Bytes: []byte{1}}}})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestClassifyRejectsUnknownType(t *testing.T) {
	_, err := Classify([]byte("raw bytes are not a cacheable shape"))
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = Classify(42)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestPayloadByteSize(t *testing.T) {
	host, _ := Classify(HostArray{Bytes: make([]byte, 100)})
	assert.EqualValues(t, 100, host.byteSize(0))

	dev, _ := Classify(DeviceArray{Size: 4096})
	assert.EqualValues(t, 4096, dev.byteSize(0))

	seq, _ := Classify(Sequence{Elements: []Scalar{{Bytes: []byte{1}}, {Bytes: []byte{2}}}})
	assert.EqualValues(t, 16, seq.byteSize(8))
}
