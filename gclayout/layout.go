// Package gclayout describes where the pointers are in heap objects.
//
// A Layout is a bitstring of a particular size, stored in a single word. The
// size does not indicate the size of the object: instead the scanned region is
// a multiple of the bitstring size, which is how arrays and variable-sized
// items are described efficiently. A set bit means the word at that position
// holds a reference, a cleared bit means it certainly doesn't. Some examples:
//
// | contents    | size | bitstring | note
// |-------------|------|-----------|------
// | int         | 1    |   0       | no pointers in this object
// | string      | 2    |  01       | {pointer, len} pair so there is one pointer
// | slice       | 3    | 001       | {pointer, len, cap}
// | [4]*T       | 1    |   1       | even though it contains 4 pointers, an array repeats so it can be stored with size=1
// | [30]byte    | 1    |   0       | there are no pointers so the layout is very simple
//
// The value has the form pppp...p_ssssss1 where the 'p' bits (57 of them)
// indicate which words are pointers, the six 's' bits hold the size and the
// lowest bit is always set so the zero Layout is recognizably invalid.
package gclayout

import (
	"fmt"

	"github.com/tinygo-org/gengc/arena"
)

// Layout tracks pointer locations in a heap object.
type Layout uint64

const (
	sizeBits  = 6
	sizeShift = sizeBits + 1

	// MaxWords is the longest bitstring a Layout can hold.
	MaxWords = 64 - sizeShift
)

// Common layouts.
const (
	NoPtrs  = Layout(0b0<<sizeShift | 0b1<<1 | 1)
	Pointer = Layout(0b1<<sizeShift | 0b1<<1 | 1)
	String  = Layout(0b01<<sizeShift | 0b10<<1 | 1)
	Slice   = Layout(0b001<<sizeShift | 0b11<<1 | 1)
)

// New returns a layout of size words where the words at the given indices
// are pointers.
func New(size int, pointers ...int) Layout {
	if size <= 0 || size > MaxWords {
		panic(fmt.Sprintf("gclayout: layout size %d out of range", size))
	}
	var mask uint64
	for _, i := range pointers {
		if i < 0 || i >= size {
			panic(fmt.Sprintf("gclayout: pointer word %d outside layout of %d words", i, size))
		}
		mask |= 1 << uint(i)
	}
	return Layout(mask<<sizeShift | uint64(size)<<1 | 1)
}

// Valid reports whether the layout was built by New or is one of the
// predefined layouts.
func (l Layout) Valid() bool {
	return l&1 != 0 && l.Size() != 0
}

// Size returns the number of words the bitstring covers.
func (l Layout) Size() int {
	return int(l>>1) & (1<<sizeBits - 1)
}

func (l Layout) mask() uint64 {
	return uint64(l) >> sizeShift
}

// PointerFree reports whether the layout has no pointer words at all.
func (l Layout) PointerFree() bool {
	return l.mask() == 0
}

// IsPointer reports whether word i (counting from the start of the scanned
// region, repeating every Size words) holds a pointer.
func (l Layout) IsPointer(i int) bool {
	return l.mask()>>(uint(i)%uint(l.Size()))&1 != 0
}

// Scan calls visit with the address of every pointer word in
// [start, start+length). The length is rounded down to a multiple of the
// bitstring size.
func (l Layout) Scan(start arena.Address, length uintptr, visit func(field arena.Address)) {
	if l.PointerFree() {
		// Fast path for objects like large byte buffers. It skips the length
		// calculation.
		return
	}
	size := uintptr(l.Size()) * arena.WordSize
	mask := l.mask()
	for length >= size {
		scanWithMask(start, mask, visit)
		start = start.Add(size)
		length -= size
	}
}

// scanWithMask visits a portion of an object with a mask of pointer locations.
func scanWithMask(addr arena.Address, mask uint64, visit func(field arena.Address)) {
	for mask != 0 {
		if mask&1 != 0 {
			visit(addr)
		}
		mask >>= 1
		addr = addr.Add(arena.WordSize)
	}
}

func (l Layout) String() string {
	if !l.Valid() {
		return "invalid"
	}
	buf := make([]byte, l.Size())
	for i := range buf {
		if l.IsPointer(i) {
			buf[i] = 'p'
		} else {
			buf[i] = '.'
		}
	}
	return string(buf)
}
