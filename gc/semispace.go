package gc

import (
	"math/bits"
	"time"

	"github.com/tinygo-org/gengc/arena"
	"github.com/tinygo-org/gengc/internal/addrstack"
)

// The semispace layer: bump allocation in tospace and full copying
// collections. The generational layer in generation.go builds on it.

func (h *Heap) outOfMemory() {
	gcPanic("out of memory")
}

// baseMallocFixedsize allocates an old object directly in tospace.
func (h *Heap) baseMallocFixedsize(tid TypeID, size uintptr, canCollect, hasFinalizer, containsWeakptr bool) Address {
	totalsize := h.fixedsizeTotal(size)
	result := h.reserveOld(totalsize, canCollect)
	h.initGCObject(result, tid, flagsForNewOldObjects)
	h.free = result.Add(totalsize)
	obj := result.Add(sizeGCHeader)
	if hasFinalizer {
		h.objectsWithFinalizers.Append(obj)
	}
	if containsWeakptr {
		h.objectsWithWeakrefs.Append(obj)
	}
	h.stats.allocated(totalsize)
	return obj
}

// fixedsizeTotal returns header+payload size of a fixed-size object and
// aborts when the payload cannot fit in the largest space.
func (h *Heap) fixedsizeTotal(size uintptr) uintptr {
	if size > h.maxSpaceSize {
		h.outOfMemory()
	}
	return sizeGCHeader + allocSize(size)
}

// reserveOld returns the address of totalsize free bytes at h.free,
// collecting if needed. Finalizers of objects found dead run before the
// space is handed out, so the caller's object is never exposed to them.
func (h *Heap) reserveOld(totalsize uintptr, canCollect bool) Address {
	for totalsize > h.topOfSpace.Diff(h.free) {
		if !canCollect {
			h.outOfMemory()
		}
		h.obtainFreeSpace(totalsize)
		// Finalizers may allocate and use up the space again.
		h.executeFinalizers()
	}
	h.tospace.Reserve(h.free, totalsize)
	return h.free
}

// varsizeTotal returns header+payload size of a variable-sized object and
// aborts on overflow.
func (h *Heap) varsizeTotal(length int, size, itemSize uintptr) uintptr {
	if length < 0 {
		gcPanic("negative length")
	}
	hi, varsize := bits.Mul64(uint64(itemSize), uint64(length))
	if hi != 0 {
		h.outOfMemory()
	}
	nonheader, carry := bits.Add64(uint64(size), varsize, 0)
	if carry != 0 || nonheader > uint64(h.maxSpaceSize) {
		h.outOfMemory()
	}
	return sizeGCHeader + allocSize(uintptr(nonheader))
}

// baseMallocVarsize allocates an old variable-sized object directly in
// tospace.
func (h *Heap) baseMallocVarsize(tid TypeID, length int, size, itemSize, offsetToLength uintptr, canCollect bool) Address {
	totalsize := h.varsizeTotal(length, size, itemSize)
	result := h.reserveOld(totalsize, canCollect)
	h.initGCObject(result, tid, flagsForNewOldObjects)
	obj := result.Add(sizeGCHeader)
	h.mem.Store(obj.Add(offsetToLength), uint64(length))
	h.free = result.Add(totalsize)
	h.stats.allocated(totalsize)
	return obj
}

// obtainFreeSpace makes room for needed bytes at h.free or aborts.
func (h *Heap) obtainFreeSpace(needed uintptr) Address {
	if !h.tryObtainFreeSpace(needed) {
		h.outOfMemory()
	}
	return h.free
}

func (h *Heap) tryObtainFreeSpace(needed uintptr) bool {
	if h.redZone >= 2 && h.spaceSize < h.maxSpaceSize && h.doubleSpaceSize() {
		// The collection was done by doubleSpaceSize.
	} else {
		h.semispaceCollect(false)
	}
	available := h.topOfSpace.Diff(h.free)
	if needed <= available {
		return true
	}
	// First check if the object could possibly fit.
	missing := needed - available
	proposedSize := h.spaceSize
	for missing > 0 {
		if proposedSize >= h.maxSpaceSize {
			return false
		}
		if missing <= proposedSize {
			missing = 0
		} else {
			missing -= proposedSize
		}
		proposedSize *= 2
	}
	// Double the space possibly several times, moving the objects at each
	// step, instead of going directly for the final size.
	for h.spaceSize < proposedSize {
		if !h.doubleSpaceSize() {
			return false
		}
	}
	if needed > h.topOfSpace.Diff(h.free) {
		gcPanic("doubleSpaceSize failed to do its job")
	}
	return true
}

// doubleSpaceSize grows both semispaces to twice their size, moving all
// objects into the new tospace. Both new arenas are reserved before anything
// moves, so a failure leaves the heap untouched.
func (h *Heap) doubleSpaceSize() bool {
	h.redZone = 0
	newsize := h.spaceSize * 2
	newTospace, err := h.mem.Malloc(newsize)
	if err != nil {
		h.warnf("cannot grow the heap to %d bytes: %v", newsize, err)
		return false
	}
	newFromspace, err := h.mem.Malloc(newsize)
	if err != nil {
		h.mem.Free(newTospace)
		h.warnf("cannot grow the heap to %d bytes: %v", newsize, err)
		return false
	}
	h.debugf("doubling the space size to %d", newsize)
	h.mem.Free(h.fromspace)
	h.fromspace = newTospace
	h.spaceSize = newsize

	// Now h.tospace contains the existing objects and h.fromspace is the
	// freshly allocated bigger space.
	h.semispaceCollect(true)

	// h.fromspace is the old smaller space, now empty.
	h.mem.Free(h.fromspace)
	h.fromspace = newFromspace
	h.stats.spaceDoublings++
	return true
}

// baseSemispaceCollect copies every live object to the other semispace.
func (h *Heap) baseSemispaceCollect(sizeChanging bool) {
	start := time.Now()
	tospace := h.fromspace
	fromspace := h.tospace
	h.fromspace = fromspace
	h.tospace = tospace
	h.topOfSpace = tospace.Base().Add(h.spaceSize)
	scan := tospace.Base()
	h.free = scan
	h.collectRoots()
	if h.runFinalizers.NonEmpty() {
		h.updateRunFinalizers()
	}
	scan = h.scanCopied(scan)
	if h.objectsWithFinalizers.NonEmpty() {
		scan = h.dealWithObjectsWithFinalizers(scan)
	}
	if h.objectsWithWeakrefs.NonEmpty() {
		h.invalidateWeakrefs()
	}
	h.updateObjectsWithID()
	h.stats.majorDone(start, h.free.Diff(tospace.Base()))
	if !sizeChanging {
		fromspace.Reset(fromspace.Base(), fromspace.Size(), arena.FillZero)
		h.recordRedZone()
	}
	// The queued finalizers are run by the caller once the heap is ready
	// for allocations again.
}

// recordRedZone tracks how full the space is after a collection. If the
// space is more than 80% full, the next collection should double its size.
// If it is more than 66% full twice in a row, then it should double its size
// too.
func (h *Heap) recordRedZone() {
	freeAfterCollection := h.topOfSpace.Diff(h.free)
	if freeAfterCollection > h.spaceSize/3 {
		h.redZone = 0
	} else {
		h.redZone++
		if freeAfterCollection < h.spaceSize/5 {
			h.redZone++
		}
	}
}

func (h *Heap) collectRoot(root *Address) {
	if *root != Nil {
		*root = h.copy(*root)
	}
}

func (h *Heap) scanCopied(scan Address) Address {
	for scan < h.free {
		curr := scan.Add(sizeGCHeader)
		h.trace(curr, h.traceCopyFn)
		scan = curr.Add(h.getSize(curr))
	}
	return scan
}

func (h *Heap) traceCopy(field Address) {
	if obj := Address(h.mem.Load(field)); obj != Nil {
		h.mem.Store(field, uint64(h.copy(obj)))
	}
}

// copy returns the address of obj in tospace, copying it there first if
// this collection did not see it yet.
func (h *Heap) copy(obj Address) Address {
	if h.isForwarded(obj) {
		return h.forwardingAddress(obj)
	}
	objsize := h.getSize(obj)
	newobj := h.makeACopy(obj, objsize)
	h.setForwardingAddress(obj, newobj)
	return newobj
}

func (h *Heap) makeACopy(obj Address, objsize uintptr) Address {
	// During a full collection, copied objects might come from the nursery.
	// Old objects must all carry FlagNoYoungPtrs or the write barrier would
	// not notice young pointers stored into them later.
	flags := h.flags(obj) | FlagNoYoungPtrs
	totalsize := sizeGCHeader + objsize
	newaddr := h.free
	h.tospace.Reserve(newaddr, totalsize)
	h.mem.Copy(newaddr, headerOf(obj), totalsize)
	newobj := newaddr.Add(sizeGCHeader)
	h.setFlags(newobj, flags)
	h.free = newaddr.Add(totalsize)
	return newobj
}

// updateRunFinalizers moves the objects waiting for their finalizer. It is
// needed when a finalizer allocated and caused this collection.
func (h *Heap) updateRunFinalizers() {
	for n := h.runFinalizers.Len(); n > 0; n-- {
		h.runFinalizers.Append(h.copy(h.runFinalizers.PopLeft()))
	}
}

// dealWithObjectsWithFinalizers walks the objects with finalizers. Those not
// copied yet are dead: they are copied anyway, together with everything they
// reference, and queued so that their finalizer can run.
func (h *Heap) dealWithObjectsWithFinalizers(scan Address) Address {
	for n := h.objectsWithFinalizers.Len(); n > 0; n-- {
		obj := h.objectsWithFinalizers.PopLeft()
		if h.surviving(obj) {
			h.objectsWithFinalizers.Append(h.forwardingAddress(obj))
		} else {
			h.runFinalizers.Append(h.copy(obj))
		}
	}
	return h.scanCopied(scan)
}

func (h *Heap) invalidateWeakrefs() {
	// Walk over the list of objects that contain weakrefs. If the object it
	// references survives then update the weakref, otherwise invalidate it.
	old := h.objectsWithWeakrefs
	h.objectsWithWeakrefs = new(addrstack.Stack)
	for old.NonEmpty() {
		obj := old.Pop()
		if !h.surviving(obj) {
			continue // the weakref itself dies
		}
		obj = h.forwardingAddress(obj)
		field := obj.Add(h.types.Get(h.typeID(obj)).WeakOffset)
		pointingTo := Address(h.mem.Load(field))
		if pointingTo == Nil {
			continue
		}
		if h.surviving(pointingTo) {
			h.mem.Store(field, uint64(h.forwardingAddress(pointingTo)))
			h.objectsWithWeakrefs.Append(obj)
		} else {
			h.mem.Store(field, 0)
		}
	}
}

func (h *Heap) updateObjectsWithID() {
	old := h.objectsWithID
	h.objectsWithID = new(addrstack.Dict)
	old.Foreach(h.updateObjectID)
}

func (h *Heap) updateObjectID(obj Address, id uint64) {
	if h.surviving(obj) {
		h.objectsWithID.Set(h.forwardingAddress(obj), id)
	} else {
		h.idFreeList = append(h.idFreeList, id)
	}
}

// executeFinalizers runs the queued finalizers. Only the outermost call
// runs them: a collection started by a finalizer leaves its own dead
// objects in the queue for the loop below.
func (h *Heap) executeFinalizers() {
	h.finalizerLockCount++
	prev := h.finalizing
	defer func() {
		h.finalizerLockCount--
		h.finalizing = prev
	}()
	for h.runFinalizers.NonEmpty() {
		if h.finalizerLockCount > 1 {
			// The outer invocation of executeFinalizers will do it.
			break
		}
		obj := h.runFinalizers.PopLeft()
		fn := h.finalizers[h.typeID(obj)]
		if fn == nil {
			continue
		}
		h.finalizing = obj
		h.stats.finalizersRun++
		fn(h, obj)
		h.finalizing = Nil
	}
}
