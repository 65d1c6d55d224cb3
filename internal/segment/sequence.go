package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/lezzidan/compsssqaaas/internal/unsafehelpers"
)

// A Sequence segment (spec §4.A allocate_sequence, and §9's SequenceList /
// SequenceTuple payload kinds) lays out a small fixed header followed by
// elements contiguous fixed-width slots, each aligned to an 8-byte
// boundary so scalar reads never straddle an unaligned address:
//
//	[0:8)   elements (uint64, little endian)
//	[8:16)  slotSize, as stored (uint64, little endian)
//	[16: )  elements * alignedSlotSize bytes of element payload
//
// A Sequence attachment is therefore also a flat mmap: once elements and
// slotSize are read from the header, element i sits directly at
// headerSize + i*alignedSlotSize without any further parsing, which is the
// point of keeping the cache tracker itself allocation-free on the read path.
const sequenceHeaderSize = 16

// alignedSlotSize pads slotSize up to the next 8-byte multiple.
func alignedSlotSize(slotSize int) int {
	return int(unsafehelpers.AlignUp(uintptr(slotSize), 8))
}

// sequenceByteSize computes the total segment size needed for elements
// slots of slotSize bytes, including the header.
func sequenceByteSize(elements, slotSize int) int64 {
	return sequenceHeaderSize + int64(elements)*int64(alignedSlotSize(slotSize))
}

// writeSequenceHeader stamps the element count and slot size into a freshly
// allocated sequence segment's header.
func writeSequenceHeader(buf []byte, elements, slotSize int) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(elements))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(slotSize))
}

// ReadSequenceHeader parses the element count and stored slot size back out
// of an attached sequence segment's header. Used by pkg.Client when it
// reconstructs a SequenceList/SequenceTuple payload from a raw attachment;
// the registry Descriptor records neither value, so the header is the only
// source of both.
func ReadSequenceHeader(buf []byte) (elements, slotSize int, err error) {
	if len(buf) < sequenceHeaderSize {
		return 0, 0, fmt.Errorf("segment: sequence header truncated: have %d bytes, need %d", len(buf), sequenceHeaderSize)
	}
	elements = int(binary.LittleEndian.Uint64(buf[0:8]))
	slotSize = int(binary.LittleEndian.Uint64(buf[8:16]))
	return elements, slotSize, nil
}

// SequenceSlot returns the sub-slice of buf holding element i's payload.
// buf must be a full sequence segment (header included). Callers are
// expected to have validated i against elements already.
func SequenceSlot(buf []byte, i, slotSize int) []byte {
	stride := alignedSlotSize(slotSize)
	start := sequenceHeaderSize + i*stride
	return buf[start : start+slotSize]
}
