package gc

import (
	"time"

	"github.com/tinygo-org/gengc/arena"
	"github.com/tinygo-org/gengc/internal/addrstack"
)

func (h *Heap) resetNursery() {
	h.nursery = Nil
	h.nurseryTop = Nil
	h.nurseryFree = Nil
}

// IsInNursery reports whether addr lies in the nursery, i.e. refers to a
// young object.
func (h *Heap) IsInNursery(addr Address) bool {
	return h.nursery <= addr && addr < h.nurseryTop
}

// MallocFixedsizeClear allocates a zeroed object of type tid with a payload
// of size bytes. Objects with a finalizer, objects too large for the nursery
// and allocations that must not collect go directly to the old generation.
func (h *Heap) MallocFixedsizeClear(tid TypeID, size uintptr, canCollect, hasFinalizer, containsWeakptr bool) Address {
	// The first size comparison folds away for the common small sizes.
	if hasFinalizer || !canCollect ||
		(size > h.lbYoungFixedsize && size > h.largestYoungFixedsize) {
		if gcAsserts && containsWeakptr {
			gcPanic("wrong case for mallocing weakref")
		}
		// "Non-simple" case or object too big: don't use the nursery.
		return h.baseMallocFixedsize(tid, size, canCollect, hasFinalizer, containsWeakptr)
	}
	totalsize := sizeGCHeader + allocSize(size)
	result := h.nurseryFree
	for totalsize > h.nurseryTop.Diff(result) {
		result = h.collectNursery()
	}
	h.tospace.Reserve(result, totalsize)
	// FlagNoYoungPtrs is never set on young objects.
	h.initGCObject(result, tid, flagsForNewYoungObjects)
	h.nurseryFree = result.Add(totalsize)
	obj := result.Add(sizeGCHeader)
	if containsWeakptr {
		h.youngObjectsWithWeakrefs.Append(obj)
	}
	h.stats.allocated(totalsize)
	return obj
}

// MallocVarsizeClear allocates a zeroed variable-sized object with length
// items of itemSize bytes after a fixed part of size bytes. The length is
// stored at offsetToLength. Only objects with few enough items use the
// nursery.
func (h *Heap) MallocVarsizeClear(tid TypeID, length int, size, itemSize, offsetToLength uintptr, canCollect bool) Address {
	if length < 0 {
		gcPanic("negative length")
	}
	tooManyItems := false
	if itemSize != 0 {
		// The actual maximum length for the nursery depends on how many
		// times it is bigger than the minimal size.
		maxlengthForMinimalNursery := h.minNurserySize / 4 / itemSize
		maxlength := maxlengthForMinimalNursery << h.nurseryScale
		tooManyItems = uintptr(length) > maxlength
	}
	if !canCollect || tooManyItems ||
		(size > h.lbYoungVarBasesize && size > h.largestYoungVarBasesize) {
		return h.baseMallocVarsize(tid, length, size, itemSize, offsetToLength, canCollect)
	}
	// With the above checks the total size cannot be more than about half
	// of the nursery size; in particular the arithmetic cannot overflow.
	totalsize := sizeGCHeader + allocSize(size+itemSize*uintptr(length))
	result := h.nurseryFree
	for totalsize > h.nurseryTop.Diff(result) {
		result = h.collectNursery()
	}
	h.tospace.Reserve(result, totalsize)
	h.initGCObject(result, tid, flagsForNewYoungObjects)
	obj := result.Add(sizeGCHeader)
	h.mem.Store(obj.Add(offsetToLength), uint64(length))
	h.nurseryFree = result.Add(totalsize)
	h.stats.allocated(totalsize)
	return obj
}

// New allocates an object of the fixed-size type tid.
func (h *Heap) New(tid TypeID) Address {
	t := h.types.Get(tid)
	if t.Varsize() {
		gcPanic("New called with variable-sized type " + t.Name)
	}
	return h.MallocFixedsizeClear(tid, t.Size, true, t.Finalizer, t.Weak)
}

// NewArray allocates an object of the variable-sized type tid with length
// items.
func (h *Heap) NewArray(tid TypeID, length int) Address {
	t := h.types.Get(tid)
	if !t.Varsize() {
		gcPanic("NewArray called with fixed-size type " + t.Name)
	}
	return h.MallocVarsizeClear(tid, length, t.Size, t.ItemSize, t.LengthOffset, true)
}

// Support code for full collections.

func (h *Heap) semispaceCollect(sizeChanging bool) {
	h.resetYoungGCFlags() // we are doing a full collection anyway
	h.weakrefsGrowOlder()
	h.idsGrowOlder()
	h.resetNursery()
	h.debugf("major collect, size changing %t", sizeChanging)
	h.baseSemispaceCollect(sizeChanging)
	if !sizeChanging {
		h.debugf("percent survived %f", float64(h.free.Diff(h.tospace.Base()))/float64(h.spaceSize))
	}
}

// resetYoungGCFlags empties the remembered set and puts FlagNoYoungPtrs
// back on all its objects. Non-young objects all have the flag unless they
// are listed in oldObjectsPointingToYoung.
func (h *Heap) resetYoungGCFlags() {
	oldlist := h.oldObjectsPointingToYoung
	for oldlist.NonEmpty() {
		obj := oldlist.Pop()
		h.setFlags(obj, h.flags(obj)|FlagNoYoungPtrs)
	}
}

func (h *Heap) weakrefsGrowOlder() {
	for h.youngObjectsWithWeakrefs.NonEmpty() {
		h.objectsWithWeakrefs.Append(h.youngObjectsWithWeakrefs.Pop())
	}
}

func (h *Heap) idsGrowOlder() {
	h.youngObjectsWithID.Foreach(h.objectsWithID.Set)
	h.youngObjectsWithID.Clear()
}

// collectRoots copies all roots of a full collection.
func (h *Heap) collectRoots() {
	// References from prebuilt objects are found by
	// collectLastGenerationRoots, which must be called first.
	h.collectLastGenerationRoots()
	if h.roots != nil {
		h.roots.WalkRoots(
			h.collectRootFn, // stack roots
			h.collectRootFn, // static in prebuilt non-gc structures
			nil)             // prebuilt gc objects are handled above
	}
	h.collectRoot(&h.finalizing)
}

func (h *Heap) collectLastGenerationRoots() {
	stack := h.lastGenerationRootObjects
	h.lastGenerationRootObjects = new(addrstack.Stack)
	for stack.NonEmpty() {
		obj := stack.Pop()
		// The flag is removed again right away if the object still
		// contains pointers to younger objects.
		h.setFlags(obj, h.flags(obj)|FlagNoHeapPtrs)
		h.tracingExternal = obj
		h.trace(obj, h.traceExternalFn)
	}
	h.tracingExternal = Nil
}

func (h *Heap) traceExternal(field Address) {
	addr := Address(h.mem.Load(field))
	if addr == Nil {
		return
	}
	newaddr := h.copy(addr)
	h.mem.Store(field, uint64(newaddr))
	h.writeIntoLastGenerationObj(h.tracingExternal, newaddr)
}

// Nursery-only collections.

// collectNursery promotes the survivors of the nursery and returns the
// start of the free part of the nursery. If there is no nursery yet, it
// carves one out of the free part of tospace. Pending finalizers run last,
// so the nursery may already be partly used, or gone, when it returns.
func (h *Heap) collectNursery() Address {
	if h.nurserySize > h.topOfSpace.Diff(h.free) {
		// The semispace is running out, do a full collection.
		h.obtainFreeSpace(h.nurserySize)
		if h.nurserySize > h.topOfSpace.Diff(h.free) {
			gcPanic("obtainFreeSpace failed to do its job")
		}
	}
	if h.nursery != Nil {
		start := time.Now()
		h.debugf("--- minor collect ---")
		h.debugf("nursery: %v to %v", h.nursery, h.nurseryTop)
		// A nursery-only collection.
		beginning := h.free
		h.collectOldrefsToNursery()
		h.collectRootsInNursery()
		scan := h.scanObjectsJustCopiedOutOfNursery(beginning)
		// At this point all prebuilt and old objects have got their
		// FlagNoYoungPtrs set again by traceAndDragOutOfNursery.
		if h.youngObjectsWithWeakrefs.NonEmpty() {
			h.invalidateYoungWeakrefs()
		}
		if h.youngObjectsWithID.Len() > 0 {
			h.updateYoungObjectsWithID()
		}
		// Mark the nursery as free and fill it with zeroes again.
		h.tospace.Reset(h.nursery, h.nurserySize, arena.FillZero)
		promoted := scan.Diff(beginning)
		h.debugf("survived (fraction of the size): %f", float64(promoted)/float64(h.nurserySize))
		h.stats.minorDone(start, promoted)
	} else {
		// No nursery: this occurs after a full collection, triggered either
		// just above or by some previous non-nursery-based allocation. Grab
		// a piece of the current space for the nursery.
		h.nursery = h.free
		h.nurseryTop = h.nursery.Add(h.nurserySize)
		h.free = h.nurseryTop
		h.debugf("new nursery: %v to %v", h.nursery, h.nurseryTop)
	}
	h.nurseryFree = h.nursery
	h.executeFinalizers()
	return h.nurseryFree
}

// copy can be used to move objects out of the nursery, but only if the
// object really is in the nursery.

// collectOldrefsToNursery follows the remembered set and moves the young
// objects its members point to out of the nursery.
func (h *Heap) collectOldrefsToNursery() {
	count := 0
	oldlist := h.oldObjectsPointingToYoung
	for oldlist.NonEmpty() {
		count++
		obj := oldlist.Pop()
		h.setFlags(obj, h.flags(obj)|FlagNoYoungPtrs)
		h.traceAndDragOutOfNursery(obj)
	}
	h.debugf("collectOldrefsToNursery %d", count)
}

// collectRootsInNursery does not trace prebuilt objects: if one of them
// contains a pointer to a young object, the write barrier has put it in the
// remembered set.
func (h *Heap) collectRootsInNursery() {
	if h.roots != nil {
		h.roots.WalkRoots(
			h.collectRootNurseryFn, // stack roots
			h.collectRootNurseryFn, // static in prebuilt non-gc
			nil)                    // static in prebuilt gc
	}
	h.collectRootInNursery(&h.finalizing)
}

func (h *Heap) collectRootInNursery(root *Address) {
	if obj := *root; h.IsInNursery(obj) {
		*root = h.copy(obj)
	}
}

func (h *Heap) scanObjectsJustCopiedOutOfNursery(scan Address) Address {
	for scan < h.free {
		curr := scan.Add(sizeGCHeader)
		h.traceAndDragOutOfNursery(curr)
		scan = curr.Add(h.getSize(curr))
	}
	return scan
}

// traceAndDragOutOfNursery copies all the young objects obj references out
// of the nursery. obj must not be in the nursery.
func (h *Heap) traceAndDragOutOfNursery(obj Address) {
	h.trace(obj, h.traceDragOutFn)
}

func (h *Heap) traceDragOut(field Address) {
	if obj := Address(h.mem.Load(field)); h.IsInNursery(obj) {
		h.mem.Store(field, uint64(h.copy(obj)))
	}
}

// invalidateYoungWeakrefs relies on the fact that no weakref can be an old
// object weakly pointing to a young object: a weakref cannot point to an
// object created after it.
func (h *Heap) invalidateYoungWeakrefs() {
	// Walk over the list of objects that contain weakrefs and are in the
	// nursery. If the object it references survives then update the
	// weakref, otherwise invalidate it.
	for h.youngObjectsWithWeakrefs.NonEmpty() {
		obj := h.youngObjectsWithWeakrefs.Pop()
		if !h.surviving(obj) {
			continue // the weakref itself dies
		}
		obj = h.forwardingAddress(obj)
		field := obj.Add(h.types.Get(h.typeID(obj)).WeakOffset)
		pointingTo := Address(h.mem.Load(field))
		if h.IsInNursery(pointingTo) {
			if h.surviving(pointingTo) {
				h.mem.Store(field, uint64(h.forwardingAddress(pointingTo)))
			} else {
				h.mem.Store(field, 0)
				continue // no need to remember this weakref any longer
			}
		}
		h.objectsWithWeakrefs.Append(obj)
	}
}

func (h *Heap) updateYoungObjectsWithID() {
	h.youngObjectsWithID.Foreach(h.updateObjectID)
	// Clear also lets the table shrink back to its minimal size; a large,
	// mostly-empty table is bad for the next Foreach.
	h.youngObjectsWithID.Clear()
}
