package gc

import (
	"github.com/tinygo-org/gengc/arena"
)

// A staticChunk holds prebuilt objects. They are bump-allocated and never
// freed before the heap is closed.
type staticChunk struct {
	arena *arena.Arena
	free  Address
}

// NewPrebuilt allocates an object outside the semispaces, as the embedder
// does for objects that exist before the program starts. Prebuilt objects
// are never moved or freed and form the last generation. Pass length 0 for
// fixed-size types.
func (h *Heap) NewPrebuilt(tid TypeID, length int) Address {
	t := h.types.Get(tid)
	if t.Weak || t.Finalizer {
		gcPanic("prebuilt objects cannot have weak fields or finalizers: " + t.Name)
	}
	totalsize := h.varsizeTotal(length, t.Size, t.ItemSize)
	chunk := h.staticChunkFor(totalsize)
	result := chunk.free
	chunk.arena.Reserve(result, totalsize)
	h.initGCObject(result, tid, flagsForNewExternalObjects)
	chunk.free = result.Add(totalsize)
	obj := result.Add(sizeGCHeader)
	if t.Varsize() {
		h.mem.Store(obj.Add(t.LengthOffset), uint64(length))
	}
	return obj
}

func (h *Heap) staticChunkFor(totalsize uintptr) *staticChunk {
	if n := len(h.statics); n > 0 {
		last := h.statics[n-1]
		if totalsize <= last.arena.End().Diff(last.free) {
			return last
		}
	}
	size := h.staticChunkSize
	if totalsize > size {
		size = arena.RoundUp(totalsize, arena.WordSize)
	}
	a, err := h.mem.Malloc(size)
	if err != nil {
		h.outOfMemory()
	}
	chunk := &staticChunk{arena: a, free: a.Base()}
	h.statics = append(h.statics, chunk)
	return chunk
}

// foreachPrebuilt calls fn for every prebuilt object.
func (h *Heap) foreachPrebuilt(fn func(obj Address)) {
	for _, chunk := range h.statics {
		for scan := chunk.arena.Base(); scan < chunk.free; {
			obj := scan.Add(sizeGCHeader)
			fn(obj)
			scan = obj.Add(h.getSize(obj))
		}
	}
}
