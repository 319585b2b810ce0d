package gc

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/tinygo-org/gengc/arena"
)

// buildList creates a linked list of n nodes with values 1..n, rooted in a
// single slot. The head holds value n.
func (h *testHeap) buildList(n int) int {
	slot := h.roots.Push(Nil)
	for i := 1; i <= n; i++ {
		obj := h.New(h.types.node)
		h.Store(obj.Add(nodeValue), uint64(i))
		h.StorePointer(obj, nodeLeft, h.roots.Get(slot))
		h.roots.Set(slot, obj)
	}
	return slot
}

// walkList calls fn for every node of the list in slot, head first.
func (h *testHeap) walkList(slot int, fn func(obj Address)) int {
	count := 0
	for obj := h.roots.Get(slot); obj != Nil; obj = h.LoadPointer(obj, nodeLeft) {
		fn(obj)
		count++
	}
	return count
}

func (h *testHeap) checkList(t *testing.T, slot, n int) {
	t.Helper()
	expect := uint64(n)
	count := h.walkList(slot, func(obj Address) {
		if v := h.value(obj); v != expect {
			t.Fatalf("list node %v: value %d, expected %d", obj, v, expect)
		}
		expect--
	})
	if count != n {
		t.Errorf("list has %d nodes, expected %d", count, n)
	}
}

func TestPromotionCompleteness(t *testing.T) {
	h := newTestHeap(t, testConfig())
	slot := h.buildList(20)
	// An old array referencing young nodes through the write barrier.
	arrSlot := h.roots.Push(h.NewArray(h.types.array, 8))
	h.Collect(0)
	for i := 0; i < 8; i++ {
		obj := h.New(h.types.node)
		h.Store(obj.Add(nodeValue), uint64(100+i))
		h.StorePointer(h.roots.Get(arrSlot), h.ItemOffset(h.types.array, i), obj)
	}
	if h.oldObjectsPointingToYoung.Len() != 1 {
		t.Errorf("remembered set has %d entries, expected 1", h.oldObjectsPointingToYoung.Len())
	}

	h.Collect(0)

	h.walkList(slot, func(obj Address) {
		if h.IsInNursery(obj) {
			t.Errorf("list node %v left in the nursery", obj)
		}
	})
	arr := h.roots.Get(arrSlot)
	for i := 0; i < 8; i++ {
		obj := h.LoadPointer(arr, h.ItemOffset(h.types.array, i))
		if h.IsInNursery(obj) {
			t.Errorf("item %d left in the nursery", i)
		}
		if v := h.value(obj); v != uint64(100+i) {
			t.Errorf("item %d: value %d, expected %d", i, v, 100+i)
		}
	}
	if !h.Flags(arr).Has(FlagNoYoungPtrs) {
		t.Errorf("remembered array did not get FlagNoYoungPtrs back")
	}
	if h.oldObjectsPointingToYoung.NonEmpty() {
		t.Errorf("remembered set not drained")
	}
	h.checkList(t, slot, 20)
	h.mustBeConsistent(t)
}

func TestRememberedSetSoundness(t *testing.T) {
	const slots = 64
	h := newTestHeap(t, testConfig())
	arrSlot := h.roots.Push(h.NewArray(h.types.array, slots))
	h.Collect(0)
	if h.IsInNursery(h.roots.Get(arrSlot)) {
		t.Fatal("array was not promoted")
	}

	rng := rand.New(rand.NewSource(1))
	expected := make([]uint64, slots)
	for i := 1; i <= 500; i++ {
		obj := h.New(h.types.node)
		h.Store(obj.Add(nodeValue), uint64(i))
		slot := rng.Intn(slots)
		h.StorePointer(h.roots.Get(arrSlot), h.ItemOffset(h.types.array, slot), obj)
		expected[slot] = uint64(i)
	}
	var stats GCStats
	h.ReadGCStats(&stats)
	if stats.NumMinorGC < 2 {
		t.Errorf("expected several minor collections during the stores, got %d", stats.NumMinorGC)
	}

	h.Collect(0)

	arr := h.roots.Get(arrSlot)
	for slot, v := range expected {
		obj := h.LoadPointer(arr, h.ItemOffset(h.types.array, slot))
		if v == 0 {
			if obj != Nil {
				t.Errorf("slot %d: expected nil, got %v", slot, obj)
			}
			continue
		}
		if h.IsInNursery(obj) {
			t.Errorf("slot %d: stale pointer %v into the nursery", slot, obj)
			continue
		}
		if got := h.value(obj); got != v {
			t.Errorf("slot %d: value %d, expected %d", slot, got, v)
		}
	}
	h.mustBeConsistent(t)
}

func TestNurseryEmptyAfterCollection(t *testing.T) {
	h := newTestHeap(t, testConfig())
	for i := 0; i < 10; i++ {
		h.newNode(^uint64(0))
	}
	h.Collect(0)
	if h.nurseryFree != h.nursery {
		t.Errorf("nursery free pointer %v, expected %v", h.nurseryFree, h.nursery)
	}
	for i, b := range h.tospace.Bytes(h.nursery, h.nurserySize) {
		if b != arena.FillZero {
			t.Fatalf("nursery byte %d is %#x after collection", i, b)
		}
	}
	for i := 0; i < 10; i++ {
		if v := h.value(h.roots.Get(i)); v != ^uint64(0) {
			t.Errorf("node %d lost its value: %#x", i, v)
		}
	}
}

func TestIdentityHashStability(t *testing.T) {
	h := newTestHeap(t, testConfig())
	slot := h.newNode(1)
	obj := h.roots.Get(slot)
	id := h.ID(obj)
	hash := h.IdentityHash(obj)
	if id%2 != 1 {
		t.Errorf("id %d is not odd", id)
	}
	if !h.Flags(obj).Has(FlagHashTaken) {
		t.Errorf("FlagHashTaken not set after taking the id")
	}

	h.Collect(0)
	moved := h.roots.Get(slot)
	if moved == obj {
		t.Fatalf("object did not move")
	}
	if got := h.ID(moved); got != id {
		t.Errorf("id after minor collection: got %d, expected %d", got, id)
	}
	if got := h.IdentityHash(moved); got != hash {
		t.Errorf("hash after minor collection: got %#x, expected %#x", got, hash)
	}
	if !h.Flags(moved).Has(FlagHashTaken) {
		t.Errorf("FlagHashTaken lost by the copy")
	}

	h.Collect(1)
	if got := h.ID(h.roots.Get(slot)); got != id {
		t.Errorf("id after major collection: got %d, expected %d", got, id)
	}

	other := h.roots.Get(h.newNode(2))
	otherID := h.ID(other)
	if otherID == id {
		t.Errorf("two live objects share id %d", id)
	}
	// Ids of dead objects are recycled.
	h.roots.Pop()
	h.Collect(0)
	third := h.New(h.types.node)
	if got := h.ID(third); got != otherID {
		t.Errorf("id of dead object not reused: got %d, expected %d", got, otherID)
	}

	pb := h.NewPrebuilt(h.types.node, 0)
	if got := h.ID(pb); got != uint64(pb) {
		t.Errorf("prebuilt object id: got %#x, expected its address %v", got, pb)
	}
	h.mustBeConsistent(t)
}

func TestWeakReferenceDeath(t *testing.T) {
	h := newTestHeap(t, testConfig())
	refSlot := h.roots.Push(h.New(h.types.weak))
	h.Store(h.roots.Get(refSlot).Add(8), 77)
	target := h.New(h.types.node)
	h.WriteWeak(h.roots.Get(refSlot), target)

	liveSlot := h.roots.Push(h.New(h.types.weak))
	liveTarget := h.newNode(5)
	h.WriteWeak(h.roots.Get(liveSlot), h.roots.Get(liveTarget))

	h.Collect(0)

	ref := h.roots.Get(refSlot)
	if h.IsInNursery(ref) {
		t.Errorf("weakref container was not promoted")
	}
	if got := h.ReadWeak(ref); got != Nil {
		t.Errorf("weakref to a dead object reads %v, expected nil", got)
	}
	if h.Load(ref.Add(8)) != 77 {
		t.Errorf("weakref container lost its value")
	}
	live := h.roots.Get(liveSlot)
	if got, want := h.ReadWeak(live), h.roots.Get(liveTarget); got != want {
		t.Errorf("weakref to a live object reads %v, expected %v", got, want)
	}

	// The same for old objects in a major collection.
	h.roots.Set(liveTarget, Nil)
	h.Collect(1)
	if got := h.ReadWeak(h.roots.Get(liveSlot)); got != Nil {
		t.Errorf("old weakref to a dead object reads %v, expected nil", got)
	}
	if n := h.objectsWithWeakrefs.Len(); n != 0 {
		t.Errorf("%d weakrefs still tracked after all targets died", n)
	}

	// A dead container is simply dropped.
	h.New(h.types.weak)
	h.Collect(0)
	if n := h.youngObjectsWithWeakrefs.Len(); n != 0 {
		t.Errorf("young weakref list not drained: %d", n)
	}
	h.mustBeConsistent(t)
}

func TestSizeGrowth(t *testing.T) {
	h := newTestHeap(t, testConfig())
	const n = 300 // 300 nodes of 32 bytes exceed the 4KB nursery
	var before GCStats
	h.ReadGCStats(&before)
	slot := h.buildList(n)
	var after GCStats
	h.ReadGCStats(&after)
	if after.NumMinorGC <= before.NumMinorGC {
		t.Errorf("no minor collection while allocating %d bytes", n*32)
	}

	type span struct{ start, end Address }
	var spans []span
	h.walkList(slot, func(obj Address) {
		spans = append(spans, span{headerOf(obj), obj.Add(h.getSize(obj))})
	})
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			t.Errorf("objects overlap: [%v, %v) and [%v, %v)", spans[i-1].start, spans[i-1].end, spans[i].start, spans[i].end)
		}
	}
	h.checkList(t, slot, n)
	h.mustBeConsistent(t)
}

func TestSpaceDoubling(t *testing.T) {
	h := newTestHeap(t, testConfig())
	const n = 3000 // 96KB of live nodes in a 64KB space
	slot := h.buildList(n)
	var m MemStats
	h.ReadMemStats(&m)
	if m.SpaceSize <= 64*1024 {
		t.Errorf("space did not grow: %d bytes", m.SpaceSize)
	}
	var stats GCStats
	h.ReadGCStats(&stats)
	if stats.Doublings == 0 {
		t.Errorf("no space doubling recorded")
	}
	h.checkList(t, slot, n)
	h.mustBeConsistent(t)
	h.Collect(1)
	h.checkList(t, slot, n)
	h.mustBeConsistent(t)
}

func TestMaxSpaceSize(t *testing.T) {
	config := testConfig()
	config.MaxSpaceSize = config.SpaceSize
	h := newTestHeap(t, config)
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected out of memory")
		}
	}()
	h.buildList(3000)
}

func TestLastGenerationRoots(t *testing.T) {
	h := newTestHeap(t, testConfig())
	pb := h.NewPrebuilt(h.types.node, 0)
	pb2 := h.NewPrebuilt(h.types.node, 0)
	if h.Flags(pb) != flagsForNewExternalObjects {
		t.Fatalf("prebuilt flags: %v", h.Flags(pb))
	}

	// A pointer to another prebuilt object changes nothing.
	h.StorePointer(pb, nodeRight, pb2)
	if h.Flags(pb) != flagsForNewExternalObjects {
		t.Errorf("prebuilt-to-prebuilt store changed the flags: %v", h.Flags(pb))
	}

	young := h.New(h.types.node)
	h.Store(young.Add(nodeValue), 7)
	h.StorePointer(pb, nodeLeft, young)
	if f := h.Flags(pb); f.Has(FlagNoYoungPtrs) || f.Has(FlagNoHeapPtrs) {
		t.Errorf("barrier did not clear the flags: %v", f)
	}
	if h.oldObjectsPointingToYoung.Len() != 1 || h.lastGenerationRootObjects.Len() != 1 {
		t.Errorf("expected one entry in each set, got %d and %d",
			h.oldObjectsPointingToYoung.Len(), h.lastGenerationRootObjects.Len())
	}
	h.mustBeConsistent(t)

	h.Collect(0)
	promoted := h.LoadPointer(pb, nodeLeft)
	if h.IsInNursery(promoted) || h.value(promoted) != 7 {
		t.Errorf("object referenced from a prebuilt object was not promoted")
	}
	if !h.Flags(pb).Has(FlagNoYoungPtrs) {
		t.Errorf("prebuilt object did not get FlagNoYoungPtrs back")
	}
	h.mustBeConsistent(t)

	// Only the prebuilt object keeps it alive through a major collection.
	h.Collect(1)
	moved := h.LoadPointer(pb, nodeLeft)
	if moved == promoted || h.value(moved) != 7 {
		t.Errorf("object referenced from a prebuilt object did not survive")
	}
	if h.Flags(pb).Has(FlagNoHeapPtrs) || h.lastGenerationRootObjects.Len() != 1 {
		t.Errorf("prebuilt object pointing to the heap left the last generation roots")
	}
	h.mustBeConsistent(t)

	h.StorePointer(pb, nodeLeft, Nil)
	h.Collect(1)
	if !h.Flags(pb).Has(FlagNoHeapPtrs) || h.lastGenerationRootObjects.Len() != 0 {
		t.Errorf("prebuilt object without heap pointers still listed: %v", h.Flags(pb))
	}
	if h.LoadPointer(pb, nodeRight) != pb2 {
		t.Errorf("prebuilt-to-prebuilt pointer changed")
	}
	h.mustBeConsistent(t)

	// AssumeYoungPointers registers in both sets at once.
	h.AssumeYoungPointers(pb2)
	if f := h.Flags(pb2); f.Has(FlagNoYoungPtrs) || f.Has(FlagNoHeapPtrs) {
		t.Errorf("AssumeYoungPointers left flags %v", f)
	}
	h.mustBeConsistent(t)
}

func TestFinalizers(t *testing.T) {
	h := newTestHeap(t, testConfig())
	var finalized []uint64
	types := h.types
	h.RegisterFinalizer(types.final, func(hp *Heap, obj Address) {
		if hp.FinalizingObject() != obj {
			t.Errorf("FinalizingObject: got %v, expected %v", hp.FinalizingObject(), obj)
		}
		ref := hp.LoadPointer(obj, 0)
		if ref == Nil || hp.Load(ref.Add(nodeValue)) != 42 {
			t.Errorf("object referenced by a finalized object did not survive")
		}
		// Finalizers may allocate.
		for i := 0; i < 200; i++ {
			hp.New(types.node)
		}
		obj = hp.FinalizingObject()
		finalized = append(finalized, hp.Load(obj.Add(8)))
	})
	var slots []int
	for i := 1; i <= 3; i++ {
		slots = append(slots, h.roots.Push(h.New(h.types.final)))
		ref := h.New(h.types.node)
		h.Store(ref.Add(nodeValue), 42)
		obj := h.roots.Get(slots[i-1])
		h.StorePointer(obj, 0, ref)
		h.Store(obj.Add(8), uint64(i))
	}
	h.roots.Set(slots[0], Nil)
	h.roots.Set(slots[2], Nil)

	h.Collect(1)
	if len(finalized) != 2 || finalized[0] != 1 || finalized[1] != 3 {
		t.Errorf("finalized %v, expected [1 3]", finalized)
	}
	if h.FinalizingObject() != Nil {
		t.Errorf("FinalizingObject outside of a finalizer: %v", h.FinalizingObject())
	}
	h.Collect(1)
	if len(finalized) != 2 {
		t.Errorf("finalizers ran twice: %v", finalized)
	}

	h.roots.Set(slots[1], Nil)
	h.Collect(0)
	if len(finalized) != 2 {
		t.Errorf("minor collection ran a finalizer")
	}
	h.Collect(1)
	if len(finalized) != 3 || finalized[2] != 2 {
		t.Errorf("finalized %v, expected [1 3 2]", finalized)
	}
	var stats GCStats
	h.ReadGCStats(&stats)
	if stats.Finalizers != 3 {
		t.Errorf("stats count %d finalizers", stats.Finalizers)
	}
	h.mustBeConsistent(t)
}

// TestFinalizerAllocatesInFullSpace runs finalizers that allocate while the
// space cannot grow and the collection that found their objects dead was
// started to make room for a nursery.
func TestFinalizerAllocatesInFullSpace(t *testing.T) {
	config := testConfig()
	config.MaxSpaceSize = config.SpaceSize
	h := newTestHeap(t, config)
	types := h.types
	ran := 0
	h.RegisterFinalizer(types.final, func(hp *Heap, obj Address) {
		for i := 0; i < 10; i++ {
			n := hp.New(types.node)
			hp.Store(n.Add(nodeValue), uint64(i))
		}
		ran++
	})

	// Two dead finalizable objects and one dead large object, plus enough
	// live large objects that the rest of the space is smaller than the
	// nursery. After a collection there is room for one nursery only.
	h.New(types.final)
	h.New(types.final)
	h.New(types.big)
	for i := 0; i < 14; i++ {
		h.roots.Push(h.New(types.big))
	}
	if h.nursery != Nil {
		t.Fatal("test setup created a nursery")
	}
	if avail := h.topOfSpace.Diff(h.free); avail >= h.nurserySize {
		t.Fatalf("test setup left %d free bytes", avail)
	}

	obj := h.New(types.node)
	h.Store(obj.Add(nodeValue), 99)
	slot := h.roots.Push(obj)
	if ran != 2 {
		t.Errorf("%d finalizers ran, expected 2", ran)
	}
	if v := h.value(h.roots.Get(slot)); v != 99 {
		t.Errorf("new object overwritten by a finalizer: value %d", v)
	}
	if !h.IsInNursery(h.roots.Get(slot)) {
		t.Errorf("new object is not young")
	}
	h.mustBeConsistent(t)
}

// TestRandomMutator runs a random workload and checks the heap after every
// collection.
func TestRandomMutator(t *testing.T) {
	h := newTestHeap(t, testConfig())
	rng := rand.New(rand.NewSource(42))
	const nroots = 32
	for i := 0; i < nroots; i++ {
		h.roots.Push(Nil)
	}
	var stats GCStats
	for step := 0; step < 5000; step++ {
		switch op := rng.Intn(100); {
		case op < 40:
			obj := h.New(h.types.node)
			h.Store(obj.Add(nodeValue), uint64(step))
			h.roots.Set(rng.Intn(nroots), obj)
		case op < 50:
			obj := h.NewArray(h.types.array, rng.Intn(300))
			h.roots.Set(rng.Intn(nroots), obj)
		case op < 85:
			host := h.roots.Get(rng.Intn(nroots))
			value := h.roots.Get(rng.Intn(nroots))
			if host == Nil {
				continue
			}
			if h.TypeOf(host) == h.types.node {
				h.StorePointer(host, uintptr(rng.Intn(2))*8, value)
			} else if n := h.Length(host); n > 0 {
				h.StorePointer(host, h.ItemOffset(h.types.array, rng.Intn(n)), value)
			}
		case op < 95:
			h.roots.Set(rng.Intn(nroots), Nil)
		case op < 98:
			h.Collect(0)
			h.mustBeConsistent(t)
		default:
			before := h.Snapshot()
			h.Collect(1)
			after := h.Snapshot()
			if diff := before.Diff(after); diff != "" {
				t.Fatalf("step %d: major collection changed the graph: %s", step, diff)
			}
			h.mustBeConsistent(t)
		}
	}
	h.ReadGCStats(&stats)
	if stats.NumMinorGC == 0 || stats.NumMajorGC == 0 {
		t.Errorf("workload did not collect: %+v", stats)
	}
}
