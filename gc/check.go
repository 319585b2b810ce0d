package gc

import (
	"fmt"
	"strings"
)

// Problem is one broken heap invariant.
type Problem struct {
	Object  Address // object or root slot involved, may be nil
	Message string
}

func (p Problem) String() string {
	if p.Object == Nil {
		return p.Message
	}
	return fmt.Sprintf("%v: %s", p.Object, p.Message)
}

// ConsistencyError lists the problems found by CheckConsistency.
type ConsistencyError struct {
	Problems []Problem
}

func (e *ConsistencyError) Error() string {
	if len(e.Problems) == 1 {
		return "gc: inconsistent heap: " + e.Problems[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "gc: inconsistent heap: %d problems", len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n\t")
		b.WriteString(p.String())
	}
	return b.String()
}

type checker struct {
	h        *Heap
	objects  map[Address]bool // every object of the heap, true if external
	oopty    map[Address]struct{}
	lgro     map[Address]struct{}
	problems []Problem
	current  Address
}

func (c *checker) isObject(addr Address) bool {
	_, ok := c.objects[addr]
	return ok
}

func (c *checker) report(obj Address, format string, args ...interface{}) {
	c.problems = append(c.problems, Problem{Object: obj, Message: fmt.Sprintf(format, args...)})
}

// CheckConsistency verifies the invariants that hold between collections:
// every object in the heap is checked for header flags that agree with its
// location, for references to other objects only, and for the write
// barrier bookkeeping of old and prebuilt objects. It returns nil or a
// *ConsistencyError.
func (h *Heap) CheckConsistency() error {
	if h.closed {
		return nil
	}
	c := &checker{
		h:       h,
		objects: make(map[Address]bool),
		oopty:   h.oldObjectsPointingToYoung.Set(),
		lgro:    h.lastGenerationRootObjects.Set(),
	}
	if !(h.nursery == Nil || (h.nursery <= h.nurseryFree && h.nurseryFree <= h.nurseryTop)) {
		c.report(Nil, "nursery free pointer %v outside [%v, %v]", h.nurseryFree, h.nursery, h.nurseryTop)
		return &ConsistencyError{Problems: c.problems}
	}

	// Collect all object addresses first so that references can be
	// checked against them.
	if !c.walkRange(h.tospace.Base(), h.free, false, true) ||
		!c.walkRange(h.nursery, h.nurseryFree, false, false) {
		return &ConsistencyError{Problems: c.problems}
	}
	for _, chunk := range h.statics {
		if !c.walkRange(chunk.arena.Base(), chunk.free, true, false) {
			return &ConsistencyError{Problems: c.problems}
		}
	}

	for obj := range c.objects {
		c.checkObject(obj)
	}
	h.oldObjectsPointingToYoung.Foreach(func(obj Address) {
		if !c.isObject(obj) {
			c.report(obj, "remembered object is not a heap object")
		} else if h.flags(obj)&FlagNoYoungPtrs != 0 {
			c.report(obj, "unexpected FlagNoYoungPtrs on remembered object")
		}
	})
	h.lastGenerationRootObjects.Foreach(func(obj Address) {
		if !c.isObject(obj) {
			c.report(obj, "last generation root is not a heap object")
		} else if h.flags(obj)&FlagNoHeapPtrs != 0 {
			c.report(obj, "unexpected FlagNoHeapPtrs on last generation root")
		}
	})
	h.youngObjectsWithWeakrefs.Foreach(func(obj Address) {
		if !h.IsInNursery(obj) {
			c.report(obj, "old object in the young weakref list")
		}
	})
	h.youngObjectsWithID.Foreach(func(obj Address, id uint64) {
		if !h.IsInNursery(obj) {
			c.report(obj, "old object in the young id table")
		}
	})
	checkRoot := func(root *Address) {
		if obj := *root; obj != Nil && !c.isObject(obj) {
			c.report(obj, "root does not point to a heap object")
		}
	}
	if h.roots != nil {
		h.roots.WalkRoots(checkRoot, checkRoot, checkRoot)
	}
	if len(c.problems) != 0 {
		return &ConsistencyError{Problems: c.problems}
	}
	return nil
}

// walkRange records the objects laid out back to back in [start, end),
// jumping over the nursery if skipNursery is set.
func (c *checker) walkRange(start, end Address, external, skipNursery bool) bool {
	h := c.h
	hole := skipNursery && h.nursery != Nil
	for scan := start; scan < end; {
		if hole && scan == h.nursery {
			scan = h.nurseryTop
			continue
		}
		obj := scan.Add(sizeGCHeader)
		tid := h.typeID(obj)
		if tid == 0 || int(tid) > h.types.Len() {
			c.report(obj, "invalid type id %d", tid)
			return false
		}
		c.objects[obj] = external
		scan = obj.Add(h.getSize(obj))
	}
	return true
}

// checkObject checks the invariants about obj that should be true between
// collections.
func (c *checker) checkObject(obj Address) {
	h := c.h
	flags := h.flags(obj)
	external := c.objects[obj]
	inSpace := h.tospace.Contains(obj) && obj < h.free
	if flags&FlagExternal != 0 {
		if flags&FlagForwarded == 0 {
			c.report(obj, "external object without FlagForwarded")
		}
		if !external || inSpace {
			c.report(obj, "external flag but object inside the semispaces")
		}
	} else {
		if flags&FlagForwarded != 0 {
			c.report(obj, "forwarded object outside of a collection")
		}
		if external || !inSpace {
			c.report(obj, "object without external flag outside the semispaces")
		}
	}

	young := h.IsInNursery(obj)
	if flags&FlagNoYoungPtrs != 0 {
		if young {
			c.report(obj, "nursery object with FlagNoYoungPtrs")
		}
	} else if !young {
		if _, ok := c.oopty[obj]; !ok {
			c.report(obj, "missing from the remembered set")
		}
	}
	if flags&FlagNoHeapPtrs != 0 {
		if !h.isLastGeneration(obj) {
			c.report(obj, "FlagNoHeapPtrs on an object not in the last generation")
		}
	} else if h.isLastGeneration(obj) {
		if _, ok := c.lgro[obj]; !ok {
			c.report(obj, "missing from the last generation roots")
		}
	}

	c.current = obj
	h.trace(obj, c.checkField)
	t := h.types.Get(h.typeID(obj))
	if t.Weak {
		target := Address(h.mem.Load(obj.Add(t.WeakOffset)))
		if target != Nil && !c.isObject(target) {
			c.report(obj, "weak reference to %v is not a heap object", target)
		}
		if target != Nil && !young && h.IsInNursery(target) {
			c.report(obj, "old weakref pointing to a young object")
		}
	}
}

func (c *checker) checkField(field Address) {
	h := c.h
	obj := c.current
	target := Address(h.mem.Load(field))
	if target == Nil {
		return
	}
	if !c.isObject(target) {
		c.report(obj, "field at offset %d points to %v, which is not a heap object", field.Diff(obj), target)
		return
	}
	flags := h.flags(obj)
	if flags&FlagNoYoungPtrs != 0 && h.IsInNursery(target) {
		c.report(obj, "FlagNoYoungPtrs but found a young pointer at offset %d", field.Diff(obj))
	}
	if flags&FlagNoHeapPtrs != 0 && !h.isLastGeneration(target) {
		c.report(obj, "FlagNoHeapPtrs but found a pointer to gen1or2 at offset %d", field.Diff(obj))
	}
}

func (h *Heap) mustBeConsistent() {
	if err := h.CheckConsistency(); err != nil {
		panic(err.Error())
	}
}

// Region names the part of the heap an address belongs to.
type Region int

const (
	RegionNone Region = iota
	RegionNursery
	RegionOld
	RegionPrebuilt
)

func (r Region) String() string {
	switch r {
	case RegionNursery:
		return "nursery"
	case RegionOld:
		return "old"
	case RegionPrebuilt:
		return "prebuilt"
	default:
		return "none"
	}
}

// Locate returns the region holding addr and the address the region starts
// at. Old objects are located relative to the start of tospace.
func (h *Heap) Locate(addr Address) (Region, Address) {
	if h.closed || addr == Nil {
		return RegionNone, Nil
	}
	if h.IsInNursery(addr) {
		return RegionNursery, h.nursery
	}
	if h.tospace.Contains(addr) {
		return RegionOld, h.tospace.Base()
	}
	for _, chunk := range h.statics {
		if chunk.arena.Contains(addr) {
			return RegionPrebuilt, chunk.arena.Base()
		}
	}
	return RegionNone, Nil
}

// TypeName returns the name of obj's type, or "" if the header does not hold
// a known type id.
func (h *Heap) TypeName(obj Address) string {
	region, base := h.Locate(obj)
	if region == RegionNone || obj.Diff(base) < sizeGCHeader {
		return ""
	}
	tid := h.typeID(obj)
	if tid == 0 || int(tid) > h.types.Len() {
		return ""
	}
	return h.types.Get(tid).Name
}
