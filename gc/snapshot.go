package gc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/sigurn/crc16"

	"github.com/tinygo-org/gengc/arena"
)

// A Snapshot is an address-independent copy of the object graph reachable
// from the roots. Objects are numbered in breadth-first order starting from
// the roots, so two heaps holding the same graph at different addresses
// produce equal snapshots.
type Snapshot struct {
	// Roots holds, per root slot in walk order, the index of the object it
	// references plus one, or 0 for nil. While a finalizer runs, the object
	// being finalized is recorded as one more root at the end.
	Roots   []uint64
	Objects []SnapshotObject
}

// SnapshotObject is one object of a Snapshot.
type SnapshotObject struct {
	Type TypeID
	// Every payload word. Reference fields hold the index of the target
	// plus one, or 0 for nil. A weak reference to an object that is not
	// strongly reachable reads as nil.
	Words []uint64
	// Indices into Words of the reference fields, the weak one included.
	Pointers []uint32
}

// Snapshot records the graph of objects reachable from the roots.
func (h *Heap) Snapshot() *Snapshot {
	s := &Snapshot{}
	index := make(map[Address]uint64)
	var queue []Address
	enqueue := func(obj Address) uint64 {
		if obj == Nil {
			return 0
		}
		if i, ok := index[obj]; ok {
			return i
		}
		queue = append(queue, obj)
		index[obj] = uint64(len(queue))
		return uint64(len(queue))
	}
	visitRoot := func(root *Address) {
		s.Roots = append(s.Roots, enqueue(*root))
	}
	if h.roots != nil {
		h.roots.WalkRoots(visitRoot, visitRoot, visitRoot)
	}
	if h.finalizing != Nil {
		visitRoot(&h.finalizing)
	}

	for i := 0; i < len(queue); i++ {
		obj := queue[i]
		t := h.types.Get(h.typeID(obj))
		size := h.getSize(obj)
		o := SnapshotObject{
			Type:  h.typeID(obj),
			Words: make([]uint64, size/arena.WordSize),
		}
		for w := range o.Words {
			o.Words[w] = h.mem.Load(obj.Add(uintptr(w) * arena.WordSize))
		}
		h.trace(obj, func(field Address) {
			w := field.Diff(obj) / arena.WordSize
			o.Pointers = append(o.Pointers, uint32(w))
			o.Words[w] = enqueue(Address(o.Words[w]))
		})
		if t.Weak {
			o.Pointers = append(o.Pointers, uint32(t.WeakOffset/arena.WordSize))
		}
		s.Objects = append(s.Objects, o)
	}

	// Weak targets are resolved last: only strongly reachable objects are
	// numbered.
	for i, obj := range queue {
		t := h.types.Get(h.typeID(obj))
		if !t.Weak {
			continue
		}
		w := t.WeakOffset / arena.WordSize
		target := Address(s.Objects[i].Words[w])
		s.Objects[i].Words[w] = index[target]
	}
	return s
}

// Equal reports whether both snapshots describe the same graph.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if !slices.Equal(s.Roots, other.Roots) || len(s.Objects) != len(other.Objects) {
		return false
	}
	for i := range s.Objects {
		a, b := &s.Objects[i], &other.Objects[i]
		if a.Type != b.Type || !slices.Equal(a.Words, b.Words) || !slices.Equal(a.Pointers, b.Pointers) {
			return false
		}
	}
	return true
}

// Diff describes the first difference between two snapshots, or returns
// the empty string.
func (s *Snapshot) Diff(other *Snapshot) string {
	if !slices.Equal(s.Roots, other.Roots) {
		return fmt.Sprintf("roots differ: %v != %v", s.Roots, other.Roots)
	}
	if len(s.Objects) != len(other.Objects) {
		return fmt.Sprintf("%d objects != %d objects", len(s.Objects), len(other.Objects))
	}
	for i := range s.Objects {
		a, b := &s.Objects[i], &other.Objects[i]
		switch {
		case a.Type != b.Type:
			return fmt.Sprintf("object %d: type %d != %d", i+1, a.Type, b.Type)
		case !slices.Equal(a.Words, b.Words):
			return fmt.Sprintf("object %d: words %x != %x", i+1, a.Words, b.Words)
		case !slices.Equal(a.Pointers, b.Pointers):
			return fmt.Sprintf("object %d: pointers %v != %v", i+1, a.Pointers, b.Pointers)
		}
	}
	return ""
}

var snapshotMagic = [4]byte{'G', 'G', 'C', 'S'}

const snapshotVersion = 1

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ErrBadSnapshot is returned by DecodeSnapshot for malformed input.
var ErrBadSnapshot = errors.New("gc: malformed snapshot")

// Encode serializes the snapshot: a magic number and version, then
// uvarint-encoded roots and objects, then a CRC-16 of everything before it.
func (s *Snapshot) Encode() []byte {
	buf := append([]byte(nil), snapshotMagic[:]...)
	buf = binary.AppendUvarint(buf, snapshotVersion)
	buf = binary.AppendUvarint(buf, uint64(len(s.Roots)))
	for _, r := range s.Roots {
		buf = binary.AppendUvarint(buf, r)
	}
	buf = binary.AppendUvarint(buf, uint64(len(s.Objects)))
	for _, o := range s.Objects {
		buf = binary.AppendUvarint(buf, uint64(o.Type))
		buf = binary.AppendUvarint(buf, uint64(len(o.Words)))
		for _, w := range o.Words {
			buf = binary.AppendUvarint(buf, w)
		}
		buf = binary.AppendUvarint(buf, uint64(len(o.Pointers)))
		for _, p := range o.Pointers {
			buf = binary.AppendUvarint(buf, uint64(p))
		}
	}
	return binary.BigEndian.AppendUint16(buf, crc16.Checksum(buf, crcTable))
}

type snapshotDecoder struct {
	buf []byte
	err error
}

func (d *snapshotDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("%w: truncated", ErrBadSnapshot)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// count reads a length prefix and rejects lengths that cannot fit in the
// remaining input.
func (d *snapshotDecoder) count() int {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: length %d exceeds input", ErrBadSnapshot, n)
		return 0
	}
	return int(n)
}

// DecodeSnapshot parses the output of Snapshot.Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < len(snapshotMagic)+2 || [4]byte(data[:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	body, sum := data[:len(data)-2], binary.BigEndian.Uint16(data[len(data)-2:])
	if crc16.Checksum(body, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
	}
	d := &snapshotDecoder{buf: body[len(snapshotMagic):]}
	if v := d.uvarint(); d.err == nil && v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}
	s := &Snapshot{}
	s.Roots = make([]uint64, d.count())
	for i := range s.Roots {
		s.Roots[i] = d.uvarint()
	}
	s.Objects = make([]SnapshotObject, d.count())
	for i := range s.Objects {
		o := &s.Objects[i]
		o.Type = TypeID(d.uvarint())
		o.Words = make([]uint64, d.count())
		for w := range o.Words {
			o.Words[w] = d.uvarint()
		}
		o.Pointers = make([]uint32, d.count())
		for p := range o.Pointers {
			o.Pointers[p] = uint32(d.uvarint())
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadSnapshot, len(d.buf))
	}
	return s, nil
}
