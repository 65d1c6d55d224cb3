// Package unsafehelpers centralises every unavoidable use of the `unsafe`
// standard-library package in this module, the same discipline the teacher
// repository applies: one small, carefully documented package rather than
// scattered unsafe.Pointer casts across the tree.
//
// Here the helpers serve a different purpose than in the teacher (zero-copy
// string/slice conversions for an in-heap generic cache): a zero-copy view
// of a lock key for hashing, and the slot-alignment arithmetic
// allocate_sequence needs to lay out fixed-width records.
//
// ⚠️ These helpers deliberately step outside the Go memory-safety model.
// Use only inside this module; misuse corrupts memory or races with the
// kernel page cache backing the mmap'd segment.
//
// © 2025 compsssqaaas authors.

package unsafehelpers

import "unsafe"

// StringToBytes reinterprets a string's backing array as a read-only byte
// slice. The slice must never be written to.
func StringToBytes(s string) []byte {
    if len(s) == 0 {
        return nil
    }
    return unsafe.Slice(unsafe.StringData(s), len(s))
}

// AlignUp rounds x up to the nearest multiple of align (a power of two).
// allocate_sequence uses this to pad each element slot to an 8-byte
// boundary so that scalar reads through the mmap'd region never straddle
// an unaligned address.
func AlignUp(x, align uintptr) uintptr {
    return (x + align - 1) &^ (align - 1)
}
