package gclayout

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/gengc/arena"
)

// TypeID identifies a Type in a Table. The zero TypeID is never assigned.
type TypeID uint32

// Type is the static metadata the collector needs about one kind of object.
//
// A fixed-size type has Size bytes of payload described by Layout. A
// variable-size type additionally has a run of items after the fixed part:
// each item is ItemSize bytes and described by ItemLayout, and the item count
// is stored as a word at LengthOffset inside the fixed part.
type Type struct {
	Name string

	Size   uintptr
	Layout Layout

	ItemSize     uintptr
	ItemLayout   Layout
	LengthOffset uintptr

	// A weak reference field at WeakOffset. It is not part of Layout: the
	// collector never keeps its target alive.
	Weak       bool
	WeakOffset uintptr

	// Objects of this type need their finalizer called when they die.
	Finalizer bool
}

// Varsize reports whether the type has variable-sized items.
func (t *Type) Varsize() bool {
	return t.ItemSize != 0
}

// Table is a registry of types. Types are never removed.
type Table struct {
	types []Type
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

var errBadType = errors.New("gclayout: invalid type")

// Register validates t and adds it to the table.
func (tab *Table) Register(t Type) (TypeID, error) {
	if err := t.validate(); err != nil {
		return 0, fmt.Errorf("%w %q: %v", errBadType, t.Name, err)
	}
	tab.types = append(tab.types, t)
	return TypeID(len(tab.types)), nil
}

// MustRegister is like Register but panics on invalid types. It is meant for
// type tables built at program start.
func (tab *Table) MustRegister(t Type) TypeID {
	id, err := tab.Register(t)
	if err != nil {
		panic(err)
	}
	return id
}

// Get returns the type with the given id. It panics on unknown ids: an
// unknown id in an object header means the heap is corrupt.
func (tab *Table) Get(id TypeID) *Type {
	if id == 0 || int(id) > len(tab.types) {
		panic(fmt.Sprintf("gclayout: unknown type id %d", id))
	}
	return &tab.types[id-1]
}

// Len returns the number of registered types.
func (tab *Table) Len() int {
	return len(tab.types)
}

func (t *Type) validate() error {
	if t.Size%arena.WordSize != 0 || t.ItemSize%arena.WordSize != 0 {
		return errors.New("sizes must be a multiple of the word size")
	}
	if !t.Layout.Valid() {
		return errors.New("missing layout")
	}
	if uintptr(t.Layout.Size())*arena.WordSize > t.Size && !t.Layout.PointerFree() {
		return errors.New("layout is longer than the fixed part")
	}
	if t.Varsize() {
		if !t.ItemLayout.Valid() {
			return errors.New("missing item layout")
		}
		if t.ItemSize%(uintptr(t.ItemLayout.Size())*arena.WordSize) != 0 {
			return errors.New("item size is not a multiple of the item layout")
		}
		if t.LengthOffset+arena.WordSize > t.Size || t.LengthOffset%arena.WordSize != 0 {
			return errors.New("length field outside the fixed part")
		}
		if t.Layout.IsPointer(int(t.LengthOffset / arena.WordSize)) {
			return errors.New("length field marked as pointer")
		}
	}
	if t.Weak {
		if t.WeakOffset+arena.WordSize > t.Size || t.WeakOffset%arena.WordSize != 0 {
			return errors.New("weak field outside the fixed part")
		}
		if t.Layout.IsPointer(int(t.WeakOffset / arena.WordSize)) {
			return errors.New("weak field marked as strong pointer")
		}
		if t.Varsize() {
			return errors.New("variable-sized weak containers are not supported")
		}
	}
	return nil
}
