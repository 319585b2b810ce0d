package gc

// WriteBarrier must be called before every store of the reference newValue
// into a field of the heap object host. The fast path only tests one flag
// bit; old objects already known to point to young ones skip the rest.
func (h *Heap) WriteBarrier(newValue, host Address) {
	if h.flags(host)&FlagNoYoungPtrs != 0 {
		h.rememberYoungPointer(host, newValue)
	}
}

func (h *Heap) rememberYoungPointer(host, addr Address) {
	if gcAsserts && h.IsInNursery(host) {
		gcPanic("nursery object with FlagNoYoungPtrs")
	}
	if addr == Nil {
		return
	}
	if h.IsInNursery(addr) {
		h.oldObjectsPointingToYoung.Append(host)
		h.setFlags(host, h.flags(host)&^FlagNoYoungPtrs)
		h.stats.remembered++
	}
	h.writeIntoLastGenerationObj(host, addr)
}

// AssumeYoungPointers registers host as possibly pointing to young and
// heap objects. Use it after filling an old object without individual
// barriers, e.g. after a bulk copy of references.
func (h *Heap) AssumeYoungPointers(host Address) {
	flags := h.flags(host)
	if flags&FlagNoYoungPtrs != 0 {
		h.oldObjectsPointingToYoung.Append(host)
		flags &^= FlagNoYoungPtrs
	}
	if flags&FlagNoHeapPtrs != 0 {
		flags &^= FlagNoHeapPtrs
		h.lastGenerationRootObjects.Append(host)
	}
	h.setFlags(host, flags)
}

func (h *Heap) writeIntoLastGenerationObj(host, addr Address) {
	flags := h.flags(host)
	if flags&FlagNoHeapPtrs != 0 && !h.isLastGeneration(addr) {
		h.setFlags(host, flags&^FlagNoHeapPtrs)
		h.lastGenerationRootObjects.Append(host)
	}
}
