// Package addrstack provides the address containers used as collector
// worklists. Stack and Deque store addresses in fixed-size chunks so that
// growing and draining them never copies the contents; drained chunks are
// kept on a free list for reuse.
package addrstack

import "github.com/tinygo-org/gengc/arena"

const asserts = false

// chunkSize is the number of addresses per chunk.
const chunkSize = 1019

type chunk struct {
	next  *chunk
	items [chunkSize]arena.Address
}

// chunkPool recycles chunks. The zero value is an empty pool.
type chunkPool struct {
	free *chunk
}

func (p *chunkPool) get() *chunk {
	c := p.free
	if c == nil {
		return new(chunk)
	}
	p.free = c.next
	c.next = nil
	return c
}

func (p *chunkPool) put(c *chunk) {
	c.next = p.free
	p.free = c
}

// Stack is a LIFO container of addresses.
// The zero value is an empty stack.
type Stack struct {
	top  *chunk // chunk holding the most recent items
	used int    // number of items in top
	n    int
	pool chunkPool
}

// Append pushes addr onto the stack.
func (s *Stack) Append(addr arena.Address) {
	if s.top == nil || s.used == chunkSize {
		c := s.pool.get()
		c.next = s.top
		s.top = c
		s.used = 0
	}
	s.top.items[s.used] = addr
	s.used++
	s.n++
}

// Pop removes and returns the most recently pushed address.
func (s *Stack) Pop() arena.Address {
	if asserts && s.n == 0 {
		panic("addrstack: pop from empty stack")
	}
	s.used--
	addr := s.top.items[s.used]
	s.n--
	if s.used == 0 {
		c := s.top
		s.top = c.next
		s.pool.put(c)
		if s.top != nil {
			s.used = chunkSize
		}
	}
	return addr
}

// NonEmpty reports whether the stack holds any address.
func (s *Stack) NonEmpty() bool {
	return s.n != 0
}

// Len returns the number of addresses on the stack.
func (s *Stack) Len() int {
	return s.n
}

// Foreach calls fn for every address, most recent first.
func (s *Stack) Foreach(fn func(addr arena.Address)) {
	used := s.used
	for c := s.top; c != nil; c = c.next {
		for i := used - 1; i >= 0; i-- {
			fn(c.items[i])
		}
		used = chunkSize
	}
}

// Set returns the addresses as a set, for membership checks.
func (s *Stack) Set() map[arena.Address]struct{} {
	set := make(map[arena.Address]struct{}, s.n)
	s.Foreach(func(addr arena.Address) {
		set[addr] = struct{}{}
	})
	return set
}

// Clear empties the stack.
func (s *Stack) Clear() {
	for s.NonEmpty() {
		s.Pop()
	}
}

// Deque is a FIFO container of addresses.
// The zero value is an empty deque.
type Deque struct {
	head, tail *chunk
	headIndex  int // next item to pop in head
	tailIndex  int // next free slot in tail
	n          int
	pool       chunkPool
}

// Append pushes addr at the back of the deque.
func (d *Deque) Append(addr arena.Address) {
	if d.tail == nil || d.tailIndex == chunkSize {
		c := d.pool.get()
		if d.tail == nil {
			d.head = c
			d.headIndex = 0
		} else {
			d.tail.next = c
		}
		d.tail = c
		d.tailIndex = 0
	}
	d.tail.items[d.tailIndex] = addr
	d.tailIndex++
	d.n++
}

// PopLeft removes and returns the oldest address.
func (d *Deque) PopLeft() arena.Address {
	if asserts && d.n == 0 {
		panic("addrstack: pop from empty deque")
	}
	addr := d.head.items[d.headIndex]
	d.headIndex++
	d.n--
	if d.n == 0 {
		// Keep one chunk around and start over at its beginning.
		for c := d.head.next; c != nil; {
			next := c.next
			d.pool.put(c)
			c = next
		}
		d.head.next = nil
		d.tail = d.head
		d.headIndex, d.tailIndex = 0, 0
	} else if d.headIndex == chunkSize {
		c := d.head
		d.head = c.next
		d.headIndex = 0
		d.pool.put(c)
	}
	return addr
}

// NonEmpty reports whether the deque holds any address.
func (d *Deque) NonEmpty() bool {
	return d.n != 0
}

// Len returns the number of addresses in the deque.
func (d *Deque) Len() int {
	return d.n
}

// Foreach calls fn for every address, oldest first.
func (d *Deque) Foreach(fn func(addr arena.Address)) {
	start := d.headIndex
	for c := d.head; c != nil; c = c.next {
		end := chunkSize
		if c == d.tail {
			end = d.tailIndex
		}
		for i := start; i < end; i++ {
			fn(c.items[i])
		}
		start = 0
	}
}

// Dict maps addresses to identifiers.
// The zero value is an empty dict.
type Dict struct {
	m map[arena.Address]uint64
}

// Get returns the value stored for addr, or 0.
func (d *Dict) Get(addr arena.Address) uint64 {
	return d.m[addr]
}

// Set stores value for addr.
func (d *Dict) Set(addr arena.Address, value uint64) {
	if d.m == nil {
		d.m = make(map[arena.Address]uint64)
	}
	d.m[addr] = value
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.m)
}

// Foreach calls fn for every entry, in no particular order.
func (d *Dict) Foreach(fn func(addr arena.Address, value uint64)) {
	for addr, value := range d.m {
		fn(addr, value)
	}
}

// Clear removes all entries and lets the table shrink back to its minimal
// size.
func (d *Dict) Clear() {
	d.m = nil
}
