// Package gc implements a generational copying garbage collector.
//
// The collector is a semispace (Cheney) copying collector extended with a
// nursery: a region carved from the free part of tospace where young objects
// are bump-allocated. A minor collection copies the nursery survivors out
// (promotes them) without touching the rest of the heap; a major collection
// copies every live object to the other semispace.
//
// Every heap object is preceded by a one-word header holding its type id and
// a Flags word. Old objects carry FlagNoYoungPtrs until a pointer to a young
// object is stored into them, at which point the write barrier clears the flag
// and records the object in the remembered set. A minor collection only needs
// the roots and the remembered set to find every reference into the nursery.
//
// More information:
// "The Garbage Collection Handbook" by Richard Jones, Antony Hosking, Eliot
// Moss.
// C. J. Cheney, "A nonrecursive list compacting algorithm", CACM 1970.
//
// A Heap is not safe for concurrent use: the collector runs synchronously on
// the mutator's goroutine, inside allocation and barrier calls.
package gc

import (
	"fmt"
	"io"
	"os"

	"github.com/tinygo-org/gengc/arena"
	"github.com/tinygo-org/gengc/gclayout"
	"github.com/tinygo-org/gengc/internal/addrstack"
)

// Address is a reference to a heap object (its payload) or any other
// location in the heap's address space.
type Address = arena.Address

// Nil is the null reference.
const Nil = arena.Nil

// TypeID identifies an object's type in the heap's type table.
type TypeID = gclayout.TypeID

// Size of the object header: a 32-bit type id followed by the 32-bit flags.
const sizeGCHeader = arena.WordSize

// NurseryEnv is the default environment variable consulted for an explicit
// nursery size.
const NurseryEnv = "GENGC_NURSERY"

// Config holds the heap parameters.
type Config struct {
	SpaceSize    uintptr // size of each semispace
	MaxSpaceSize uintptr // limit for growing the semispaces, 0 = unlimited

	NurserySize     uintptr // initial nursery size
	MinNurserySize  uintptr
	AutoNurserySize bool // size the nursery from the environment or the L2 cache

	// Environment lookup for the nursery size override. Defaults to
	// NurseryEnv and os.LookupEnv.
	NurseryEnv string
	LookupEnv  func(key string) (string, bool)

	// CacheProbe estimates the L2 cache size when AutoNurserySize is set.
	// Defaults to DefaultCacheProbe().
	CacheProbe CacheSizeProbe

	// Size of the arenas holding prebuilt objects.
	StaticChunkSize uintptr

	// Debug receives a trace of collector activity. Nil disables it.
	Debug io.Writer
	// Warnings receives non-fatal problems. Defaults to os.Stderr.
	Warnings io.Writer
}

// DefaultConfig returns the parameters used by a production heap.
func DefaultConfig() Config {
	return Config{
		SpaceSize:       8 * 1024 * 1024,
		NurserySize:     896 * 1024,
		MinNurserySize:  48 * 1024,
		AutoNurserySize: true,
		StaticChunkSize: 64 * 1024,
	}
}

func (c *Config) setDefaults() {
	if c.MaxSpaceSize == 0 {
		c.MaxSpaceSize = 1 << 62
	}
	if c.NurseryEnv == "" {
		c.NurseryEnv = NurseryEnv
	}
	if c.LookupEnv == nil {
		c.LookupEnv = os.LookupEnv
	}
	if c.CacheProbe == nil {
		c.CacheProbe = DefaultCacheProbe()
	}
	if c.StaticChunkSize == 0 {
		c.StaticChunkSize = 64 * 1024
	}
	if c.Warnings == nil {
		c.Warnings = os.Stderr
	}
}

// Validate checks the relations between the sizes.
func (c *Config) Validate() error {
	switch {
	case c.SpaceSize == 0 || c.SpaceSize%arena.WordSize != 0:
		return fmt.Errorf("gc: space size %d must be a positive multiple of %d", c.SpaceSize, arena.WordSize)
	case c.NurserySize%arena.WordSize != 0 || c.MinNurserySize%arena.WordSize != 0:
		return fmt.Errorf("gc: nursery sizes must be multiples of %d", arena.WordSize)
	case c.MinNurserySize < 4*arena.WordSize:
		return fmt.Errorf("gc: minimal nursery size %d is too small", c.MinNurserySize)
	case c.MinNurserySize > c.NurserySize:
		return fmt.Errorf("gc: minimal nursery size %d exceeds nursery size %d", c.MinNurserySize, c.NurserySize)
	case c.NurserySize > c.SpaceSize/2:
		return fmt.Errorf("gc: nursery size %d exceeds half the space size %d", c.NurserySize, c.SpaceSize)
	case c.MaxSpaceSize != 0 && c.MaxSpaceSize < c.SpaceSize:
		return fmt.Errorf("gc: maximal space size %d is below the space size %d", c.MaxSpaceSize, c.SpaceSize)
	}
	return nil
}

// FinalizerFunc is called once for a dead object of a type registered with
// RegisterFinalizer. The object stays alive while the finalizer runs. The
// finalizer may allocate; the object may then move, so it must be reloaded
// with Heap.FinalizingObject afterwards.
type FinalizerFunc func(h *Heap, obj Address)

// Heap is a garbage-collected heap.
type Heap struct {
	types *gclayout.Table
	roots RootWalker
	mem   *arena.AddressSpace

	debug    io.Writer
	warnings io.Writer

	// Semispaces.
	tospace      *arena.Arena
	fromspace    *arena.Arena
	free         Address
	topOfSpace   Address
	spaceSize    uintptr
	maxSpaceSize uintptr
	redZone      int

	// Prebuilt objects.
	statics         []*staticChunk
	staticChunkSize uintptr

	objectsWithFinalizers *addrstack.Deque
	runFinalizers         *addrstack.Deque
	finalizers            map[TypeID]FinalizerFunc
	finalizerLockCount    int
	finalizing            Address

	objectsWithWeakrefs *addrstack.Stack
	objectsWithID       *addrstack.Dict
	idFreeList          []uint64
	nextFreeID          uint64

	// Nursery.
	nursery     Address
	nurseryTop  Address
	nurseryFree Address

	nurserySize             uintptr
	initialNurserySize      uintptr
	minNurserySize          uintptr
	nurseryScale            uint
	largestYoungFixedsize   uintptr
	largestYoungVarBasesize uintptr
	lbYoungFixedsize        uintptr
	lbYoungVarBasesize      uintptr

	// A list of old objects (possibly prebuilt) whose FlagNoYoungPtrs bit is
	// not set.
	oldObjectsPointingToYoung *addrstack.Stack
	youngObjectsWithWeakrefs  *addrstack.Stack
	youngObjectsWithID        *addrstack.Dict
	lastGenerationRootObjects *addrstack.Stack

	// Method values, created once to keep the trace loops allocation free.
	traceCopyFn          func(field Address)
	traceDragOutFn       func(field Address)
	traceExternalFn      func(field Address)
	collectRootFn        func(root *Address)
	collectRootNurseryFn func(root *Address)
	tracingExternal      Address

	stats  heapStats
	closed bool
}

// New creates a heap for objects described by types, finding its roots
// through roots.
func New(config Config, types *gclayout.Table, roots RootWalker) (*Heap, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		types:           types,
		roots:           roots,
		mem:             arena.NewAddressSpace(),
		debug:           config.Debug,
		warnings:        config.Warnings,
		spaceSize:       config.SpaceSize,
		maxSpaceSize:    config.MaxSpaceSize,
		staticChunkSize: config.StaticChunkSize,
		finalizers:      make(map[TypeID]FinalizerFunc),
		nextFreeID:      1,

		initialNurserySize: config.NurserySize,
		minNurserySize:     config.MinNurserySize,

		objectsWithFinalizers:     new(addrstack.Deque),
		runFinalizers:             new(addrstack.Deque),
		objectsWithWeakrefs:       new(addrstack.Stack),
		objectsWithID:             new(addrstack.Dict),
		oldObjectsPointingToYoung: new(addrstack.Stack),
		youngObjectsWithWeakrefs:  new(addrstack.Stack),
		youngObjectsWithID:        new(addrstack.Dict),
		lastGenerationRootObjects: new(addrstack.Stack),
	}
	h.traceCopyFn = h.traceCopy
	h.traceDragOutFn = h.traceDragOut
	h.traceExternalFn = h.traceExternal
	h.collectRootFn = h.collectRoot
	h.collectRootNurseryFn = h.collectRootInNursery

	var err error
	h.tospace, err = h.mem.Malloc(h.spaceSize)
	if err != nil {
		return nil, fmt.Errorf("gc: cannot reserve tospace: %w", err)
	}
	h.fromspace, err = h.mem.Malloc(h.spaceSize)
	if err != nil {
		h.mem.Free(h.tospace)
		return nil, fmt.Errorf("gc: cannot reserve fromspace: %w", err)
	}
	h.free = h.tospace.Base()
	h.topOfSpace = h.tospace.Base().Add(h.spaceSize)

	// Compute the constant lower bounds for largestYoungFixedsize and
	// largestYoungVarBasesize. Most objects are expected to be much smaller.
	h.resetNursery()
	h.lbYoungFixedsize = youngFixedsize(h.minNurserySize)
	h.lbYoungVarBasesize = youngVarBasesize(h.minNurserySize)

	h.setNurserySize(h.initialNurserySize)
	// The heap is fully set up now. The rest can make use of it.
	if config.AutoNurserySize {
		newsize := NurserySizeFromEnv(config.NurseryEnv, config.LookupEnv)
		if newsize <= 0 {
			newsize = h.estimateBestNurserySize(config.CacheProbe)
		}
		if newsize > 0 {
			h.setNurserySize(uintptr(newsize))
		}
	}
	h.resetNursery()
	return h, nil
}

// Close runs a final major collection, which also restores the flags of
// last-generation objects, and releases all memory. The heap must not be
// used afterwards.
func (h *Heap) Close() {
	if h.closed {
		return
	}
	h.Collect(1)
	h.Release()
}

// Release frees all memory without collecting first, so it also works on a
// heap left inconsistent by a failed collection. Prebuilt objects keep
// whatever flags they had. The heap must not be used afterwards.
func (h *Heap) Release() {
	if h.closed {
		return
	}
	for _, a := range append([]*arena.Arena(nil), h.mem.Arenas()...) {
		h.mem.Free(a)
	}
	h.tospace, h.fromspace, h.statics = nil, nil, nil
	h.resetNursery()
	h.closed = true
}

// Types returns the type table of the heap.
func (h *Heap) Types() *gclayout.Table {
	return h.types
}

// RegisterFinalizer sets the function run for dead objects of type tid. The
// type must have been registered with Finalizer set.
func (h *Heap) RegisterFinalizer(tid TypeID, fn FinalizerFunc) {
	if !h.types.Get(tid).Finalizer {
		panic(fmt.Sprintf("gc: type %q has no finalizer", h.types.Get(tid).Name))
	}
	h.finalizers[tid] = fn
}

// FinalizingObject returns the current address of the object whose finalizer
// is running, or nil outside of finalizers.
func (h *Heap) FinalizingObject() Address {
	return h.finalizing
}

// Collect runs a collection. Generation 0 requests a minor collection, any
// other value a full major collection.
func (h *Heap) Collect(gen int) {
	if gcAsserts {
		h.mustBeConsistent()
	}
	if gen == 0 {
		h.collectNursery()
	} else {
		h.semispaceCollect(false)
		h.executeFinalizers()
	}
	if gcAsserts {
		h.mustBeConsistent()
	}
}

func gcPanic(msg string) {
	panic("gc: " + msg)
}

func (h *Heap) debugf(format string, args ...interface{}) {
	if h.debug != nil {
		fmt.Fprintf(h.debug, format+"\n", args...)
	}
}

func (h *Heap) warnf(format string, args ...interface{}) {
	if h.warnings != nil {
		fmt.Fprintf(h.warnings, "gc: warning: "+format+"\n", args...)
	}
}

// Object headers.

func headerOf(obj Address) Address {
	return obj - sizeGCHeader
}

func (h *Heap) typeID(obj Address) TypeID {
	return TypeID(h.mem.Load32(headerOf(obj)))
}

func (h *Heap) flags(obj Address) Flags {
	return Flags(h.mem.Load32(headerOf(obj) + 4))
}

func (h *Heap) setFlags(obj Address, flags Flags) {
	h.mem.Store32(headerOf(obj)+4, uint32(flags))
}

func (h *Heap) initGCObject(addr Address, tid TypeID, flags Flags) {
	h.mem.Store32(addr, uint32(tid))
	h.mem.Store32(addr+4, uint32(flags))
}

// The forwarding state of a header: either a normal object, or a copied one
// whose first payload word holds the new address. These two accessors are
// the only code that knows about the stub.

func (h *Heap) isForwarded(obj Address) bool {
	return h.flags(obj)&FlagForwarded != 0
}

func (h *Heap) forwardingAddress(obj Address) Address {
	if h.flags(obj)&FlagExternal != 0 {
		// External or prebuilt objects are "forwarded" to themselves,
		// because they are never collected.
		return obj
	}
	return Address(h.mem.Load(obj))
}

func (h *Heap) setForwardingAddress(obj, newobj Address) {
	h.setFlags(obj, h.flags(obj)|FlagForwarded)
	h.mem.Store(obj, uint64(newobj))
}

func (h *Heap) surviving(obj Address) bool {
	return h.isForwarded(obj)
}

func (h *Heap) isLastGeneration(obj Address) bool {
	return h.flags(obj)&FlagExternal != 0
}

// allocSize returns the payload size actually reserved for a requested
// size. Every payload holds at least one word, for the forwarding stub.
func allocSize(size uintptr) uintptr {
	size = arena.RoundUpForAllocation(size)
	if size < arena.WordSize {
		size = arena.WordSize
	}
	return size
}

// getSize returns the payload size of obj.
func (h *Heap) getSize(obj Address) uintptr {
	t := h.types.Get(h.typeID(obj))
	size := t.Size
	if t.Varsize() {
		size += uintptr(h.mem.Load(obj.Add(t.LengthOffset))) * t.ItemSize
	}
	return allocSize(size)
}

// trace calls visit with the address of every pointer field of obj.
func (h *Heap) trace(obj Address, visit func(field Address)) {
	t := h.types.Get(h.typeID(obj))
	t.Layout.Scan(obj, t.Size, visit)
	if t.Varsize() && !t.ItemLayout.PointerFree() {
		length := uintptr(h.mem.Load(obj.Add(t.LengthOffset)))
		t.ItemLayout.Scan(obj.Add(t.Size), length*t.ItemSize, visit)
	}
}

// Mutator access.

// TypeOf returns the type id of obj.
func (h *Heap) TypeOf(obj Address) TypeID {
	return h.typeID(obj)
}

// Flags returns the header flags of obj.
func (h *Heap) Flags(obj Address) Flags {
	return h.flags(obj)
}

// Length returns the item count of a variable-sized object.
func (h *Heap) Length(obj Address) int {
	t := h.types.Get(h.typeID(obj))
	if !t.Varsize() {
		return 0
	}
	return int(h.mem.Load(obj.Add(t.LengthOffset)))
}

// Load reads a non-pointer word.
func (h *Heap) Load(addr Address) uint64 {
	return h.mem.Load(addr)
}

// Store writes a non-pointer word. Use StorePointer for references.
func (h *Heap) Store(addr Address, value uint64) {
	h.mem.Store(addr, value)
}

// LoadPointer reads the reference at obj+offset.
func (h *Heap) LoadPointer(obj Address, offset uintptr) Address {
	return Address(h.mem.Load(obj.Add(offset)))
}

// StorePointer writes a reference into a field of obj, running the write
// barrier first.
func (h *Heap) StorePointer(obj Address, offset uintptr, value Address) {
	h.WriteBarrier(value, obj)
	h.mem.Store(obj.Add(offset), uint64(value))
}

// ItemOffset returns the offset of item i of a variable-sized object of
// type tid.
func (h *Heap) ItemOffset(tid TypeID, i int) uintptr {
	t := h.types.Get(tid)
	return t.Size + uintptr(i)*t.ItemSize
}

// WriteWeak sets the weak reference field of obj. A weak reference may only
// point to an object at least as old as its container.
func (h *Heap) WriteWeak(obj, target Address) {
	t := h.types.Get(h.typeID(obj))
	if !t.Weak {
		panic(fmt.Sprintf("gc: type %q has no weak field", t.Name))
	}
	if gcAsserts && !h.IsInNursery(obj) && h.IsInNursery(target) {
		gcPanic("old weakref pointing to a young object")
	}
	h.mem.Store(obj.Add(t.WeakOffset), uint64(target))
}

// ReadWeak returns the target of obj's weak field, or nil if it died.
func (h *Heap) ReadWeak(obj Address) Address {
	t := h.types.Get(h.typeID(obj))
	return Address(h.mem.Load(obj.Add(t.WeakOffset)))
}
