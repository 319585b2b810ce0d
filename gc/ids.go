package gc

// ID returns a number identifying obj for its whole lifetime, even though
// the object moves. Ids are odd numbers; prebuilt objects, which never move,
// use their address instead. The id of a dead object may be given to a new
// one.
func (h *Heap) ID(obj Address) uint64 {
	if obj == Nil {
		return 0
	}
	flags := h.flags(obj)
	if flags&FlagExternal != 0 {
		h.setFlags(obj, flags|FlagHashTaken)
		return uint64(obj)
	}
	return h.computeID(obj)
}

// IdentityHash returns a hash of obj that stays stable across moves.
func (h *Heap) IdentityHash(obj Address) uint64 {
	id := h.ID(obj)
	// Fibonacci hashing spreads consecutive ids over the whole range.
	return id * 0x9e3779b97f4a7c15
}

func (h *Heap) computeID(obj Address) uint64 {
	table := h.objectsWithID
	if h.IsInNursery(obj) {
		table = h.youngObjectsWithID
	}
	result := table.Get(obj)
	if result == 0 {
		result = h.nextID()
		table.Set(obj, result)
		h.setFlags(obj, h.flags(obj)|FlagHashTaken)
	}
	return result
}

func (h *Heap) nextID() uint64 {
	if n := len(h.idFreeList); n > 0 {
		id := h.idFreeList[n-1]
		h.idFreeList = h.idFreeList[:n-1]
		return id
	}
	id := h.nextFreeID
	h.nextFreeID += 2 // only odd numbers
	return id
}
