package arena

import "fmt"

// AddressSpace owns a set of arenas and resolves addresses to them.
// It is not safe for concurrent use.
type AddressSpace struct {
	next   Address
	arenas []*Arena
	last   *Arena // most recent Lookup hit
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{next: firstAddress}
}

// Malloc reserves a new arena of size bytes. The memory is zeroed.
func (s *AddressSpace) Malloc(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized arena", ErrOutOfAddressSpace)
	}
	size = RoundUp(size, WordSize)
	span := RoundUp(size, guardSize) + guardSize
	if s.next+Address(span) < s.next {
		return nil, ErrOutOfAddressSpace
	}
	mem, free, err := sysAlloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfAddressSpace, err)
	}
	a := &Arena{base: s.next, mem: mem, free: free}
	s.next += Address(span)
	s.arenas = append(s.arenas, a)
	return a, nil
}

// Free releases an arena. Its address range is never handed out again.
func (s *AddressSpace) Free(a *Arena) {
	if a == nil {
		return
	}
	for i, other := range s.arenas {
		if other == a {
			s.arenas = append(s.arenas[:i], s.arenas[i+1:]...)
			break
		}
	}
	if s.last == a {
		s.last = nil
	}
	if a.free != nil {
		if err := a.free(a.mem); err != nil {
			panic("arena: " + err.Error())
		}
	}
	a.mem = nil
}

// Lookup returns the arena containing addr, or nil.
func (s *AddressSpace) Lookup(addr Address) *Arena {
	if s.last != nil && s.last.Contains(addr) {
		return s.last
	}
	for _, a := range s.arenas {
		if a.Contains(addr) {
			s.last = a
			return a
		}
	}
	return nil
}

// Arenas returns the live arenas in allocation order.
func (s *AddressSpace) Arenas() []*Arena {
	return s.arenas
}

func (s *AddressSpace) mustLookup(addr Address) *Arena {
	a := s.Lookup(addr)
	if a == nil {
		panic(fmt.Sprintf("arena: address %v is not mapped", addr))
	}
	return a
}

// Load reads the word at addr.
func (s *AddressSpace) Load(addr Address) uint64 {
	return s.mustLookup(addr).Load(addr)
}

// Store writes the word at addr.
func (s *AddressSpace) Store(addr Address, value uint64) {
	s.mustLookup(addr).Store(addr, value)
}

// Load32 reads the 32-bit value at addr.
func (s *AddressSpace) Load32(addr Address) uint32 {
	return s.mustLookup(addr).Load32(addr)
}

// Store32 writes the 32-bit value at addr.
func (s *AddressSpace) Store32(addr Address, value uint32) {
	s.mustLookup(addr).Store32(addr, value)
}

// Copy copies size bytes from src to dst. Both ranges must each lie within a
// single arena.
func (s *AddressSpace) Copy(dst, src Address, size uintptr) {
	s.mustLookup(dst).Copy(dst, s.mustLookup(src), src, size)
}
