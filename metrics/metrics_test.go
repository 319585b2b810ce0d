package metrics

import (
	"sort"
	"testing"
	"time"

	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/gclayout"
)

func newHeap(t *testing.T) (*gc.Heap, gclayout.TypeID, *gc.RootStack) {
	t.Helper()
	types := gclayout.NewTable()
	node := types.MustRegister(gclayout.Type{Name: "node", Size: 16, Layout: gclayout.New(2, 0)})
	roots := &gc.RootStack{}
	h, err := gc.New(gc.Config{
		SpaceSize:      64 * 1024,
		NurserySize:    4096,
		MinNurserySize: 1024,
		CacheProbe:     gc.NoProbe{},
	}, types, roots)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h, node, roots
}

func TestAll(t *testing.T) {
	all := All()
	if !sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Name < all[j].Name }) {
		t.Errorf("descriptions are not sorted by name")
	}
	h, _, _ := newHeap(t)
	samples := make([]Sample, len(all))
	for i, d := range all {
		samples[i].Name = d.Name
	}
	Read(h, samples)
	for i, s := range samples {
		if s.Value.Kind() != all[i].Kind {
			t.Errorf("%s: kind %d, expected %d", s.Name, s.Value.Kind(), all[i].Kind)
		}
	}
}

func TestRead(t *testing.T) {
	h, node, roots := newHeap(t)
	h.NewPrebuilt(node, 0)
	roots.Push(gc.Nil)
	for i := 0; i < 1000; i++ {
		obj := h.New(node)
		h.StorePointer(obj, 0, roots.Get(0))
		if i%10 == 0 {
			roots.Set(0, obj)
		}
	}
	h.Collect(1)

	samples := []Sample{
		{Name: "/gc/cycles/minor:cycles"},
		{Name: "/gc/cycles/major:cycles"},
		{Name: "/gc/cycles/total:cycles"},
		{Name: "/gc/heap/allocs:objects"},
		{Name: "/gc/heap/prebuilt:objects"},
		{Name: "/gc/heap/live:bytes"},
		{Name: "/gc/nursery/used:fraction"},
		{Name: "/gc/pauses:seconds"},
		{Name: "/gc/does/not:exist"},
	}
	Read(h, samples)
	minor := samples[0].Value.Uint64()
	major := samples[1].Value.Uint64()
	if minor == 0 {
		t.Errorf("no minor collections after allocating 1000 objects")
	}
	if major == 0 {
		t.Errorf("no major collections counted")
	}
	if total := samples[2].Value.Uint64(); total != minor+major {
		t.Errorf("total cycles %d != %d + %d", total, minor, major)
	}
	if n := samples[3].Value.Uint64(); n < 1000 {
		t.Errorf("allocated objects: %d", n)
	}
	if n := samples[4].Value.Uint64(); n != 1 {
		t.Errorf("prebuilt objects: %d", n)
	}
	if n := samples[5].Value.Uint64(); n == 0 {
		t.Errorf("nothing survived the last collection")
	}
	if f := samples[6].Value.Float64(); f != 0 {
		t.Errorf("nursery used after a major collection: %f", f)
	}
	hist := samples[7].Value.Float64Histogram()
	var count uint64
	for _, c := range hist.Counts {
		count += c
	}
	if count != minor+major {
		t.Errorf("pause histogram holds %d pauses, expected %d", count, minor+major)
	}
	if samples[8].Value.Kind() != KindBad {
		t.Errorf("unknown metric has kind %d", samples[8].Value.Kind())
	}
}

func TestPauseHistogram(t *testing.T) {
	hist := pauseHistogram([]time.Duration{0, 500 * time.Nanosecond, 3 * time.Microsecond, 10 * time.Second})
	if len(hist.Counts) != len(hist.Buckets)-1 {
		t.Fatalf("%d counts for %d buckets", len(hist.Counts), len(hist.Buckets))
	}
	if hist.Counts[0] != 2 {
		t.Errorf("underflow bucket: %d", hist.Counts[0])
	}
	// [2µs, 4µs)
	if hist.Counts[2] != 1 {
		t.Errorf("3µs bucket: %v", hist.Counts)
	}
	if last := hist.Counts[len(hist.Counts)-1]; last != 1 {
		t.Errorf("overflow bucket: %d", last)
	}
}

func TestValuePanicsOnWrongKind(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Uint64 on a KindBad value did not panic")
		}
	}()
	var v Value
	v.Uint64()
}
