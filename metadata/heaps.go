package metadata

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	bin "github.com/wippyai/ildecode/internal/binary"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// StringHeap is the "#Strings" heap of NUL-terminated UTF-8 identifiers.
type StringHeap []byte

// Get returns the identifier at off.
func (h StringHeap) Get(off uint32) (string, error) {
	if int(off) >= len(h) {
		if off == 0 {
			return "", nil
		}
		return "", fmt.Errorf("#Strings offset 0x%x out of range (size 0x%x)", off, len(h))
	}
	end := bytes.IndexByte(h[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("#Strings offset 0x%x: unterminated", off)
	}
	return string(h[off : int(off)+end]), nil
}

// BlobHeap is the "#Blob" heap of length-prefixed byte strings.
type BlobHeap []byte

// Get returns the blob at off. The result aliases the heap.
func (h BlobHeap) Get(off uint32) ([]byte, error) {
	if int(off) >= len(h) {
		if off == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("#Blob offset 0x%x out of range (size 0x%x)", off, len(h))
	}
	n, size, err := bin.CompressedU32(h[off:])
	if err != nil {
		return nil, fmt.Errorf("#Blob offset 0x%x: %w", off, err)
	}
	start := int(off) + size
	if start+int(n) > len(h) {
		return nil, fmt.Errorf("#Blob offset 0x%x: length %d past end of heap", off, n)
	}
	return h[start : start+int(n)], nil
}

// UserStrings is the "#US" heap referenced by ldstr. New strings can be
// appended; existing offsets never move.
type UserStrings struct {
	base  []byte
	added []byte
	index map[string]uint32
}

// NewUserStrings wraps an existing heap. A nil heap starts with the
// mandatory empty entry at offset 0.
func NewUserStrings(data []byte) *UserStrings {
	if len(data) == 0 {
		data = []byte{0}
	}
	return &UserStrings{base: data, index: make(map[string]uint32)}
}

// Get returns the string stored at off.
func (us *UserStrings) Get(off uint32) (string, error) {
	heap := us.base
	if int(off) >= len(us.base) {
		heap = us.added
		off -= uint32(len(us.base))
	}
	if int(off) >= len(heap) {
		return "", fmt.Errorf("#US offset 0x%x out of range", off)
	}
	n, size, err := bin.CompressedU32(heap[off:])
	if err != nil {
		return "", fmt.Errorf("#US offset 0x%x: %w", off, err)
	}
	start := int(off) + size
	if start+int(n) > len(heap) {
		return "", fmt.Errorf("#US offset 0x%x: length %d past end of heap", off, n)
	}
	if n == 0 {
		return "", nil
	}
	// Drop the trailing flag byte.
	chars := heap[start : start+int(n)-1]
	if len(chars)%2 != 0 {
		return "", fmt.Errorf("#US offset 0x%x: odd UTF-16 length %d", off, len(chars))
	}
	s, err := utf16le.NewDecoder().Bytes(chars)
	if err != nil {
		return "", fmt.Errorf("#US offset 0x%x: %w", off, err)
	}
	return string(s), nil
}

// Add appends s to the heap and returns its offset. Adding the same string
// twice returns the first offset.
func (us *UserStrings) Add(s string) (uint32, error) {
	if off, ok := us.index[s]; ok {
		return off, nil
	}
	chars, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return 0, fmt.Errorf("encode user string: %w", err)
	}
	n := uint32(len(chars) + 1)
	if n > bin.MaxCompressed {
		return 0, fmt.Errorf("user string of %d bytes too long", len(chars))
	}
	off := uint32(len(us.base) + len(us.added))
	entry := bin.CompressedSize(n) + int(n)
	if uint64(off)+uint64(entry) > MaxRID+1 {
		return 0, fmt.Errorf("#US heap would exceed 0x%x bytes", MaxRID+1)
	}

	w := bin.NewWriter()
	w.WriteCompressedU32(n)
	w.WriteBytes(chars)
	w.Byte(trailingFlag(chars))
	us.added = append(us.added, w.Bytes()...)
	us.index[s] = off
	return off, nil
}

// Grown reports whether strings were added.
func (us *UserStrings) Grown() bool {
	return len(us.added) > 0
}

// Bytes returns the full heap padded to a 4-byte boundary.
func (us *UserStrings) Bytes() []byte {
	out := make([]byte, 0, len(us.base)+len(us.added)+3)
	out = append(out, us.base...)
	out = append(out, us.added...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

// trailingFlag computes the final byte of a #US entry (ECMA-335 II.24.2.4):
// 1 when any character needs more than a plain 8-bit comparison.
func trailingFlag(chars []byte) byte {
	for i := 0; i+1 < len(chars); i += 2 {
		lo, hi := chars[i], chars[i+1]
		if hi != 0 {
			return 1
		}
		switch {
		case lo >= 0x01 && lo <= 0x08,
			lo >= 0x0E && lo <= 0x1F,
			lo == 0x27, lo == 0x2D, lo == 0x7F:
			return 1
		}
	}
	return 0
}
