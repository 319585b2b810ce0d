// Package arena provides raw, untyped memory regions addressed by plain
// integers. Everything the collector stores lives in an Arena: object headers
// and payloads are read and written through word accessors that bounds-check
// every access against the arena, so no Go pointer ever aliases heap memory.
//
// Addresses are virtual: an AddressSpace hands out non-overlapping ranges and
// maps an address back to the arena that owns it. Address 0 is never part of
// any arena and serves as the nil reference.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Address is an opaque location inside an AddressSpace.
type Address uintptr

// Nil is the null address.
const Nil Address = 0

// WordSize is the size of a heap word. It is fixed at 8 bytes regardless of
// the host architecture so that heaps behave identically everywhere.
const WordSize = 8

const (
	// The first address handed out. Keeping low addresses unused makes small
	// integers stored in object fields easy to tell apart from references.
	firstAddress = 0x10000

	// Distance between two arenas. Ranges never touch, so an address just
	// past the end of one arena never falls into the next one.
	guardSize = 0x1000
)

// Fill patterns for Reset.
const (
	FillZero  byte = 0x00
	FillDebug byte = 0xdd
)

// ErrOutOfAddressSpace is returned when an arena cannot be reserved.
var ErrOutOfAddressSpace = errors.New("arena: out of address space")

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// RoundUpForAllocation rounds an allocation size to the heap word size.
func RoundUpForAllocation(size uintptr) uintptr {
	return RoundUp(size, WordSize)
}

// Add returns the address offset bytes after a.
func (a Address) Add(offset uintptr) Address {
	return a + Address(offset)
}

// Diff returns the number of bytes between b and a (a - b).
func (a Address) Diff(b Address) uintptr {
	return uintptr(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Arena is a contiguous range [Base, End) of memory.
type Arena struct {
	base Address
	mem  []byte
	free func([]byte) error
}

// Base returns the first address of the arena.
func (a *Arena) Base() Address {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// End returns the address just past the arena.
func (a *Arena) End() Address {
	return a.base.Add(uintptr(len(a.mem)))
}

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr Address) bool {
	return addr >= a.base && addr < a.End()
}

// offset converts addr to an index into a.mem, checking that size bytes are
// available from there.
func (a *Arena) offset(addr Address, size uintptr) uintptr {
	if addr < a.base || addr.Diff(a.base)+size > uintptr(len(a.mem)) {
		panic(fmt.Sprintf("arena: access of %d bytes at %v outside [%v, %v)", size, addr, a.base, a.End()))
	}
	return addr.Diff(a.base)
}

// Reserve claims [addr, addr+size) for a new object. Memory is already
// usable, so this only verifies that the range lies inside the arena and is
// word aligned.
func (a *Arena) Reserve(addr Address, size uintptr) {
	a.offset(addr, size)
	if uintptr(addr)%WordSize != 0 {
		panic(fmt.Sprintf("arena: unaligned reservation at %v", addr))
	}
}

// Reset fills [addr, addr+size) with the fill byte, discarding whatever
// objects were reserved there. It may be called any number of times on the
// same range.
func (a *Arena) Reset(addr Address, size uintptr, fill byte) {
	off := a.offset(addr, size)
	b := a.mem[off : off+size]
	if fill == 0 {
		clear(b)
		return
	}
	for i := range b {
		b[i] = fill
	}
}

// Load reads the word at addr.
func (a *Arena) Load(addr Address) uint64 {
	off := a.offset(addr, WordSize)
	return binary.LittleEndian.Uint64(a.mem[off:])
}

// Store writes the word at addr.
func (a *Arena) Store(addr Address, value uint64) {
	off := a.offset(addr, WordSize)
	binary.LittleEndian.PutUint64(a.mem[off:], value)
}

// Load32 reads the 32-bit value at addr.
func (a *Arena) Load32(addr Address) uint32 {
	off := a.offset(addr, 4)
	return binary.LittleEndian.Uint32(a.mem[off:])
}

// Store32 writes the 32-bit value at addr.
func (a *Arena) Store32(addr Address, value uint32) {
	off := a.offset(addr, 4)
	binary.LittleEndian.PutUint32(a.mem[off:], value)
}

// Bytes returns a view of [addr, addr+size). The view aliases arena memory
// and must not be retained across a Reset.
func (a *Arena) Bytes(addr Address, size uintptr) []byte {
	off := a.offset(addr, size)
	return a.mem[off : off+size : off+size]
}

// Copy copies size bytes from src in arena from to dst in a.
func (a *Arena) Copy(dst Address, from *Arena, src Address, size uintptr) {
	copy(a.Bytes(dst, size), from.Bytes(src, size))
}
