package cachetracker

import (
	"github.com/lezzidan/compsssqaaas/internal/registry"
)

// kindObject is the dtype tag that marks an unsupported nested/object
// element (spec §3: "values whose element dtype is object are rejected").
const kindObject registry.DType = "object"

// HostArray is a candidate value backed by a contiguous host buffer (spec
// §3 HostArray). Bytes is the raw row-major encoding of Shape x DType;
// Insert copies it into a fresh segment.
type HostArray struct {
	Shape []int
	DType registry.DType
	Bytes []byte
}

// DeviceArray is a candidate value whose bytes live in device memory,
// exposed only through an opaque IPC handle (spec §3 DeviceArray). Shape,
// DType and Size are metadata only.
type DeviceArray struct {
	Shape    []int
	DType    registry.DType
	DeviceID int
	Handle   []byte
	Size     int64
}

// Scalar is one element of a Sequence, carried as a dtype tag plus its
// fixed-width encoding.
type Scalar struct {
	DType registry.DType
	Bytes []byte
}

// Sequence is a candidate value made of scalar elements (spec §3
// Sequence). Mutable distinguishes the list (true) and tuple (false)
// variants, which map to KindSequenceList / KindSequenceTuple.
type Sequence struct {
	Elements []Scalar
	Mutable  bool
}

// Payload is the tagged variant assembled once per insert by Classify,
// replacing runtime type-sniffing (spec §9 design note: "Replace dynamic
// dispatch on payload kind ... with a tagged variant ... assembled by
// small classifier functions invoked once per insert"). Exactly one of
// Host, Device, Seq is non-nil, selected by Kind.
type Payload struct {
	Kind   registry.Kind
	Host   *HostArray
	Device *DeviceArray
	Seq    *Sequence
}

// Classify inspects v and returns its tagged Payload, or ErrUnsupportedKind
// if v is not one of the three candidate shapes, or if a Sequence element
// (or the array itself) carries the rejected "object" dtype (spec §3, B2).
func Classify(v any) (Payload, error) {
	switch t := v.(type) {
	case HostArray:
		if t.DType == kindObject {
			return Payload{}, ErrUnsupportedKind
		}
		cp := t
		return Payload{Kind: registry.KindHostArray, Host: &cp}, nil
	case DeviceArray:
		cp := t
		return Payload{Kind: registry.KindDeviceArray, Device: &cp}, nil
	case Sequence:
		for _, el := range t.Elements {
			if el.DType == kindObject {
				return Payload{}, ErrUnsupportedKind
			}
		}
		cp := t
		if cp.Mutable {
			return Payload{Kind: registry.KindSequenceList, Seq: &cp}, nil
		}
		return Payload{Kind: registry.KindSequenceTuple, Seq: &cp}, nil
	default:
		return Payload{}, ErrUnsupportedKind
	}
}

// byteSize returns the size that should be recorded in the Registry
// descriptor for p: raw byte length for HostArray, the element-count times
// aligned slot width for Sequence (matching internal/segment's sequence
// layout), and the metadata Size for DeviceArray (spec §3: "size: ... or
// logical byte-size for device arrays").
func (p Payload) byteSize(slotSize int) int64 {
	switch p.Kind {
	case registry.KindHostArray:
		return int64(len(p.Host.Bytes))
	case registry.KindDeviceArray:
		return p.Device.Size
	default:
		return int64(len(p.Seq.Elements)) * int64(slotSize)
	}
}
