package gc

import (
	"errors"
	"testing"
)

func TestSnapshotSurvivesCollection(t *testing.T) {
	h := newTestHeap(t, testConfig())
	list := h.buildList(40)
	arr := h.roots.Push(h.NewArray(h.types.array, 3))
	h.StorePointer(h.roots.Get(arr), h.ItemOffset(h.types.array, 0), h.roots.Get(list))
	h.StorePointer(h.roots.Get(arr), h.ItemOffset(h.types.array, 2), h.roots.Get(arr))
	ref := h.roots.Push(h.New(h.types.weak))
	h.WriteWeak(h.roots.Get(ref), h.roots.Get(list))
	h.roots.Push(Nil)

	before := h.Snapshot()
	if len(before.Objects) != 42 {
		t.Errorf("snapshot holds %d objects, expected 42", len(before.Objects))
	}
	h.Collect(0)
	if diff := before.Diff(h.Snapshot()); diff != "" {
		t.Errorf("minor collection changed the graph: %s", diff)
	}
	h.Collect(1)
	after := h.Snapshot()
	if !before.Equal(after) {
		t.Errorf("major collection changed the graph: %s", before.Diff(after))
	}

	// A weak reference to an unreachable object reads as nil.
	dead := h.MallocFixedsizeClear(h.types.node, 24, false, false, false)
	h.WriteWeak(h.roots.Get(ref), dead)
	s := h.Snapshot()
	weak := s.Objects[s.Roots[ref]-1]
	if weak.Words[0] != 0 {
		t.Errorf("weak reference to a dead object numbered %d", weak.Words[0])
	}
	if weak.Type != h.types.weak || len(weak.Pointers) != 1 || weak.Pointers[0] != 0 {
		t.Errorf("weak reference object: %+v", weak)
	}
	if s.Roots[len(s.Roots)-1] != 0 {
		t.Errorf("nil root numbered %d", s.Roots[len(s.Roots)-1])
	}
}

func TestSnapshotEncode(t *testing.T) {
	h := newTestHeap(t, testConfig())
	h.buildList(10)
	h.roots.Push(h.NewArray(h.types.bytes, 5))
	pb := h.NewPrebuilt(h.types.node, 0)
	h.roots.AddStatic(&pb)
	s := h.Snapshot()

	data := s.Encode()
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if diff := s.Diff(decoded); diff != "" {
		t.Errorf("decoded snapshot differs: %s", diff)
	}

	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)/2] ^= 0x40
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), data[4:]...)},
		{"corrupt", corrupt},
		{"truncated", data[:len(data)-3]},
	} {
		if _, err := DecodeSnapshot(tc.data); !errors.Is(err, ErrBadSnapshot) {
			t.Errorf("%s: expected ErrBadSnapshot, got %v", tc.name, err)
		}
	}

	if (&Snapshot{}).Equal(s) {
		t.Errorf("empty snapshot equals a non-empty one")
	}
	if diff := (&Snapshot{}).Diff(&Snapshot{}); diff != "" {
		t.Errorf("empty snapshots differ: %s", diff)
	}
}

func TestSnapshotInsideFinalizer(t *testing.T) {
	h := newTestHeap(t, testConfig())
	types := h.types
	h.roots.Push(Nil)
	var inside *Snapshot
	h.RegisterFinalizer(types.final, func(hp *Heap, obj Address) {
		inside = hp.Snapshot()
	})
	obj := h.New(types.final)
	h.Store(obj.Add(8), 5)
	outside := h.Snapshot()
	h.Collect(1)

	if inside == nil {
		t.Fatal("finalizer did not run")
	}
	if len(inside.Roots) != len(outside.Roots)+1 {
		t.Fatalf("snapshot inside the finalizer has %d roots, expected %d", len(inside.Roots), len(outside.Roots)+1)
	}
	last := inside.Roots[len(inside.Roots)-1]
	if last == 0 {
		t.Fatal("object being finalized not recorded")
	}
	o := inside.Objects[last-1]
	if o.Type != types.final || o.Words[1] != 5 {
		t.Errorf("recorded object %+v, expected the finalized object", o)
	}
	if after := h.Snapshot(); !after.Equal(outside) {
		// The finalized object is gone, the other roots are unchanged.
		t.Errorf("snapshot after finalization: %s", outside.Diff(after))
	}
}
