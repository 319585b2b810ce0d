package gc

import "strings"

// Flags is the bitmask stored in every object header next to the type id.
type Flags uint32

const (
	// FlagForwarded is set on objects that were copied by the current
	// collection; the first payload word then holds the new address. It is
	// always set on external objects, which forward to themselves.
	FlagForwarded Flags = 1 << iota

	// FlagExternal marks prebuilt objects living outside the semispaces.
	// They are never copied and form the last generation.
	FlagExternal

	// FlagHashTaken is set once an identity hash was handed out for the
	// object, so it is listed in one of the id tables.
	FlagHashTaken

	// FlagNoYoungPtrs is never set on young objects, i.e. the ones living in
	// the nursery. It is initially set on all prebuilt and old objects, and
	// gets cleared by the write barrier when a pointer to a young object is
	// written into them.
	FlagNoYoungPtrs

	// FlagNoHeapPtrs is set on last-generation objects unless they are
	// listed in the last-generation root set. The write barrier clears it
	// when a pointer to a non-last-generation object is written into them.
	FlagNoHeapPtrs
)

// Flag combinations for newly created objects.
const (
	flagsForNewYoungObjects    Flags = 0
	flagsForNewOldObjects            = FlagNoYoungPtrs
	flagsForNewExternalObjects       = FlagExternal | FlagForwarded | FlagNoYoungPtrs | FlagNoHeapPtrs
)

// Has reports whether all bits of g are set in f.
func (f Flags) Has(g Flags) bool {
	return f&g == g
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for _, flag := range []struct {
		bit  Flags
		name string
	}{
		{FlagForwarded, "FORWARDED"},
		{FlagExternal, "EXTERNAL"},
		{FlagHashTaken, "HASHTAKEN"},
		{FlagNoYoungPtrs, "NO_YOUNG_PTRS"},
		{FlagNoHeapPtrs, "NO_HEAP_PTRS"},
	} {
		if f&flag.bit != 0 {
			names = append(names, flag.name)
		}
	}
	return strings.Join(names, "|")
}
