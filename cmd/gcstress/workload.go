package main

import (
	"fmt"
	"math/rand"

	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/gclayout"
)

// Object layouts used by the workload.
type workloadTypes struct {
	table *gclayout.Table
	node  gc.TypeID // {left, right *T; value int}
	array gc.TypeID // {len int; items []*T}
	bytes gc.TypeID // {len int; items []int}
	weak  gc.TypeID // {weak *T; value int}
	final gc.TypeID // {ref *T; value int} with finalizer
}

func newWorkloadTypes() workloadTypes {
	tab := gclayout.NewTable()
	return workloadTypes{
		table: tab,
		node:  tab.MustRegister(gclayout.Type{Name: "node", Size: 24, Layout: gclayout.New(3, 0, 1)}),
		array: tab.MustRegister(gclayout.Type{Name: "array", Size: 8, Layout: gclayout.NoPtrs,
			ItemSize: 8, ItemLayout: gclayout.Pointer}),
		bytes: tab.MustRegister(gclayout.Type{Name: "bytes", Size: 8, Layout: gclayout.NoPtrs,
			ItemSize: 8, ItemLayout: gclayout.NoPtrs}),
		weak: tab.MustRegister(gclayout.Type{Name: "weakref", Size: 16, Layout: gclayout.NoPtrs,
			Weak: true}),
		final: tab.MustRegister(gclayout.Type{Name: "final", Size: 16, Layout: gclayout.New(2, 0),
			Finalizer: true}),
	}
}

// workload is a random mutator: it allocates objects, links them together
// and drops them, keeping its live references in a fixed number of root
// slots plus one prebuilt object registered as a static root.
type workload struct {
	h     *gc.Heap
	roots *gc.RootStack
	types workloadTypes
	rng   *rand.Rand

	static gc.Address

	// Ids handed out for the objects in some root slots.
	ids map[int]uint64

	// Set when a check failed or the collector panicked. The heap may be
	// inconsistent and is released without a final collection.
	failed bool

	steps      int
	majors     int
	finalized  int
	weakDeaths int

	// Called after every explicit collection with its snapshot, if set.
	onCollect func(major bool, s *gc.Snapshot) error
}

func newWorkload(config gc.Config, seed int64, slots int) (*workload, error) {
	w := &workload{
		roots: &gc.RootStack{},
		types: newWorkloadTypes(),
		rng:   rand.New(rand.NewSource(seed)),
		ids:   make(map[int]uint64),
	}
	h, err := gc.New(config, w.types.table, w.roots)
	if err != nil {
		return nil, err
	}
	w.h = h
	h.RegisterFinalizer(w.types.final, func(h *gc.Heap, obj gc.Address) {
		w.finalized++
	})
	for i := 0; i < slots; i++ {
		w.roots.Push(gc.Nil)
	}
	w.static = h.NewPrebuilt(w.types.node, 0)
	w.roots.AddStatic(&w.static)
	return w, nil
}

func (w *workload) Close() {
	if w.failed {
		w.h.Release()
		return
	}
	w.h.Close()
}

func (w *workload) slot() int {
	return w.rng.Intn(w.roots.Len())
}

// set stores obj in a root slot, forgetting the id of the previous object.
func (w *workload) set(slot int, obj gc.Address) {
	delete(w.ids, slot)
	w.roots.Set(slot, obj)
}

// pointerFields returns the offsets of the reference fields of obj.
func (w *workload) pointerFields(obj gc.Address) []uintptr {
	switch w.h.TypeOf(obj) {
	case w.types.node:
		return []uintptr{0, 8}
	case w.types.final:
		return []uintptr{0}
	case w.types.array:
		n := w.h.Length(obj)
		offsets := make([]uintptr, n)
		for i := range offsets {
			offsets[i] = w.h.ItemOffset(w.types.array, i)
		}
		return offsets
	}
	return nil
}

// step runs one random mutator action. It returns an error when a check
// fails.
func (w *workload) step() error {
	w.steps++
	h := w.h
	switch op := w.rng.Intn(16); {
	case op < 4:
		obj := h.New(w.types.node)
		h.Store(obj.Add(16), w.rng.Uint64())
		w.set(w.slot(), obj)
	case op < 5:
		w.set(w.slot(), h.NewArray(w.types.array, w.rng.Intn(200)))
	case op < 6:
		n := w.rng.Intn(600)
		obj := h.NewArray(w.types.bytes, n)
		if n > 0 {
			h.Store(obj.Add(h.ItemOffset(w.types.bytes, n-1)), w.rng.Uint64())
		}
		w.set(w.slot(), obj)
	case op < 9:
		host := w.roots.Get(w.slot())
		if host == gc.Nil {
			break
		}
		fields := w.pointerFields(host)
		if len(fields) == 0 {
			break
		}
		value := w.roots.Get(w.slot())
		h.StorePointer(host, fields[w.rng.Intn(len(fields))], value)
	case op < 10:
		target := w.slot()
		ref := h.New(w.types.weak)
		// The allocation may have moved the target.
		h.WriteWeak(ref, w.roots.Get(target))
		w.set(w.slot(), ref)
	case op < 11:
		slot := w.slot()
		if obj := w.roots.Get(slot); obj != gc.Nil {
			id := h.ID(obj)
			if prev, ok := w.ids[slot]; ok && prev != id {
				return fmt.Errorf("step %d: id of slot %d changed from %d to %d", w.steps, slot, prev, id)
			}
			w.ids[slot] = id
		}
	case op < 12:
		h.StorePointer(w.static, uintptr(w.rng.Intn(2))*8, w.roots.Get(w.slot()))
	case op < 13:
		obj := h.New(w.types.final)
		h.StorePointer(obj, 0, w.roots.Get(w.slot()))
		w.set(w.slot(), obj)
	case op < 14:
		w.set(w.slot(), gc.Nil)
	case op < 15:
		if w.rng.Intn(20) == 0 {
			return w.collect(w.rng.Intn(4) == 0)
		}
	default:
		slot := w.slot()
		if obj := w.roots.Get(slot); obj != gc.Nil && h.TypeOf(obj) == w.types.weak {
			if h.ReadWeak(obj) == gc.Nil {
				w.weakDeaths++
			}
		}
	}
	return nil
}

// collect runs an explicit collection and checks that it did not change the
// object graph.
func (w *workload) collect(major bool) error {
	gen := 0
	if major {
		gen = 1
		w.majors++
	}
	before := w.h.Snapshot()
	w.h.Collect(gen)
	after := w.h.Snapshot()
	if diff := before.Diff(after); diff != "" {
		return fmt.Errorf("step %d: collection changed the object graph: %s", w.steps, diff)
	}
	if w.onCollect != nil {
		return w.onCollect(major, after)
	}
	return nil
}

// verify checks the heap invariants and the ids handed out so far.
func (w *workload) verify() error {
	if err := w.h.CheckConsistency(); err != nil {
		return err
	}
	for slot, id := range w.ids {
		if got := w.h.ID(w.roots.Get(slot)); got != id {
			return fmt.Errorf("step %d: id of slot %d changed from %d to %d", w.steps, slot, id, got)
		}
	}
	return nil
}
