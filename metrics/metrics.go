// Package metrics exposes heap statistics as named samples, in the style of
// runtime/metrics.
package metrics

import (
	"math"
	"time"

	"github.com/tinygo-org/gengc/gc"
)

// Description describes a supported metric.
type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

var descriptions = []Description{
	{Name: "/gc/cycles/major:cycles", Description: "Count of completed full collections, space doublings included.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/minor:cycles", Description: "Count of completed nursery collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/total:cycles", Description: "Count of all completed collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/finalizers/run:calls", Description: "Count of finalizers run.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/allocs:bytes", Description: "Cumulative bytes allocated, headers included.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/allocs:objects", Description: "Cumulative count of allocated objects.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/free:bytes", Description: "Bytes free at the end of the current semispace.", Kind: KindUint64},
	{Name: "/gc/heap/live:bytes", Description: "Bytes that survived the last full collection.", Kind: KindUint64},
	{Name: "/gc/heap/old:bytes", Description: "Bytes used by old objects.", Kind: KindUint64},
	{Name: "/gc/heap/prebuilt:objects", Description: "Count of prebuilt objects.", Kind: KindUint64},
	{Name: "/gc/heap/promoted:bytes", Description: "Cumulative bytes copied out of the nursery.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/nursery/size:bytes", Description: "Current nursery size.", Kind: KindUint64},
	{Name: "/gc/nursery/used:fraction", Description: "Fraction of the nursery holding objects.", Kind: KindFloat64},
	{Name: "/gc/pauses:seconds", Description: "Distribution of recent collection pauses.", Kind: KindFloat64Histogram},
	{Name: "/gc/remembered-set:objects", Description: "Old objects currently recorded by the write barrier.", Kind: KindUint64},
	{Name: "/gc/space/doublings:events", Description: "Count of semispace size doublings.", Kind: KindUint64, Cumulative: true},
	{Name: "/memory/classes/total:bytes", Description: "Bytes of both semispaces.", Kind: KindUint64},
}

// All returns the descriptions of all supported metrics, sorted by name.
func All() []Description {
	return append([]Description(nil), descriptions...)
}

// Float64Histogram is a distribution of float64 values. Counts[i] is the
// number of values in [Buckets[i], Buckets[i+1]).
type Float64Histogram struct {
	Counts  []uint64
	Buckets []float64
}

// Sample captures a single metric sample.
type Sample struct {
	Name  string
	Value Value
}

// Read populates each Value field in the given slice of metric samples.
// Unknown names get a KindBad value.
func Read(h *gc.Heap, m []Sample) {
	var mem gc.MemStats
	var stats gc.GCStats
	h.ReadMemStats(&mem)
	h.ReadGCStats(&stats)
	for i := range m {
		v := &m[i].Value
		switch m[i].Name {
		case "/gc/cycles/minor:cycles":
			v.setUint64(uint64(stats.NumMinorGC))
		case "/gc/cycles/major:cycles":
			v.setUint64(uint64(stats.NumMajorGC))
		case "/gc/cycles/total:cycles":
			v.setUint64(uint64(stats.NumGC))
		case "/gc/heap/allocs:bytes":
			v.setUint64(mem.TotalAlloc)
		case "/gc/heap/allocs:objects":
			v.setUint64(mem.Mallocs)
		case "/gc/heap/free:bytes":
			v.setUint64(mem.HeapFree)
		case "/gc/heap/live:bytes":
			v.setUint64(stats.Survived)
		case "/gc/heap/old:bytes":
			v.setUint64(mem.HeapInuse)
		case "/gc/heap/prebuilt:objects":
			v.setUint64(mem.PrebuiltObjects)
		case "/gc/heap/promoted:bytes":
			v.setUint64(stats.Promoted)
		case "/gc/finalizers/run:calls":
			v.setUint64(stats.Finalizers)
		case "/gc/nursery/size:bytes":
			v.setUint64(mem.NurserySize)
		case "/gc/nursery/used:fraction":
			f := 0.0
			if mem.NurserySize != 0 {
				f = float64(mem.NurseryInuse) / float64(mem.NurserySize)
			}
			v.setFloat64(f)
		case "/gc/pauses:seconds":
			v.setHistogram(pauseHistogram(stats.Pause))
		case "/gc/remembered-set:objects":
			v.setUint64(uint64(mem.RememberedSet))
		case "/gc/space/doublings:events":
			v.setUint64(uint64(stats.Doublings))
		case "/memory/classes/total:bytes":
			v.setUint64(mem.Sys)
		default:
			*v = Value{}
		}
	}
}

// Pause buckets are powers of two from 1µs to about 1s, with an underflow
// and an overflow bucket.
var pauseBuckets = func() []float64 {
	buckets := []float64{0}
	for d := 1e-6; d < 2; d *= 2 {
		buckets = append(buckets, d)
	}
	return append(buckets, math.Inf(1))
}()

func pauseHistogram(pauses []time.Duration) *Float64Histogram {
	hist := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)-1),
		Buckets: pauseBuckets,
	}
	for _, p := range pauses {
		seconds := p.Seconds()
		i := 0
		for i < len(hist.Counts)-1 && seconds >= pauseBuckets[i+1] {
			i++
		}
		hist.Counts[i]++
	}
	return hist
}

// Value represents a metric value returned by Read.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

func (v *Value) setUint64(x uint64) {
	*v = Value{kind: KindUint64, scalar: x}
}

func (v *Value) setFloat64(x float64) {
	*v = Value{kind: KindFloat64, scalar: math.Float64bits(x)}
}

func (v *Value) setHistogram(hist *Float64Histogram) {
	*v = Value{kind: KindFloat64Histogram, pointer: hist}
}

// Kind returns the tag representing the kind of value this is.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the internal uint64 value for the metric.
// It panics if the metric is not a KindUint64.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the internal float64 value for the metric.
// It panics if the metric is not a KindFloat64.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the internal histogram value for the metric.
// It panics if the metric is not a KindFloat64Histogram.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-histogram metric value")
	}
	return v.pointer
}

// ValueKind is a tag for a metric Value which indicates its type.
type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)
