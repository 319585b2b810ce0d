package gc

// RootWalker enumerates the root references of the mutator. WalkRoots calls
// the given callback once per root location; the collector may overwrite
// the location with the new address of the object. Nil callbacks must be
// skipped.
//
// Stack roots are the references held by the running program. Static
// non-GC roots live in global structures outside the heap. Static GC roots
// are the fields of prebuilt objects; the collector finds those through the
// write barrier instead and never asks for them.
type RootWalker interface {
	WalkRoots(stack, staticNonGC, staticGC func(root *Address))
}

// RootWalkerFunc adapts a function that visits stack roots only.
type RootWalkerFunc func(visit func(root *Address))

func (f RootWalkerFunc) WalkRoots(stack, staticNonGC, staticGC func(root *Address)) {
	if stack != nil {
		f(stack)
	}
}

// RootStack is a shadow stack of references: a RootWalker for embedders
// that keep their live references in it.
type RootStack struct {
	slots   []Address
	statics []*Address
}

// Push adds a reference and returns its slot index.
func (s *RootStack) Push(obj Address) int {
	s.slots = append(s.slots, obj)
	return len(s.slots) - 1
}

// Pop removes and returns the most recent reference.
func (s *RootStack) Pop() Address {
	obj := s.slots[len(s.slots)-1]
	s.slots = s.slots[:len(s.slots)-1]
	return obj
}

// Get returns the current address in slot i.
func (s *RootStack) Get(i int) Address {
	return s.slots[i]
}

// Set replaces the reference in slot i.
func (s *RootStack) Set(i int, obj Address) {
	s.slots[i] = obj
}

// Len returns the number of stack slots.
func (s *RootStack) Len() int {
	return len(s.slots)
}

// Truncate drops all slots from index n on.
func (s *RootStack) Truncate(n int) {
	clear(s.slots[n:])
	s.slots = s.slots[:n]
}

// AddStatic registers a global reference variable as a static root.
func (s *RootStack) AddStatic(root *Address) {
	s.statics = append(s.statics, root)
}

func (s *RootStack) WalkRoots(stack, staticNonGC, staticGC func(root *Address)) {
	if stack != nil {
		for i := range s.slots {
			stack(&s.slots[i])
		}
	}
	if staticNonGC != nil {
		for _, root := range s.statics {
			staticNonGC(root)
		}
	}
}
