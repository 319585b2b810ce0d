package gc

import (
	"io"
)

// WriteHex dumps the used part of a heap region as Intel HEX records whose
// addresses are heap addresses. The old region includes the nursery, which
// is carved out of it.
func (h *Heap) WriteHex(w io.Writer, region Region) error {
	if h.closed {
		return nil
	}
	switch region {
	case RegionNursery:
		if h.nursery == Nil || h.nurseryFree == h.nursery {
			return nil
		}
		return h.tospace.WriteHex(w, h.nursery, h.nurseryFree.Diff(h.nursery))
	case RegionOld:
		if h.free == h.tospace.Base() {
			return nil
		}
		return h.tospace.WriteHex(w, h.tospace.Base(), h.free.Diff(h.tospace.Base()))
	case RegionPrebuilt:
		for _, chunk := range h.statics {
			if chunk.free == chunk.arena.Base() {
				continue
			}
			if err := chunk.arena.WriteHex(w, chunk.arena.Base(), chunk.free.Diff(chunk.arena.Base())); err != nil {
				return err
			}
		}
	}
	return nil
}
