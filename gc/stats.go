package gc

import (
	"time"
)

// Number of recent pauses kept, like runtime/debug.GCStats.Pause.
const pauseHistory = 256

type heapStats struct {
	mallocs      uint64
	totalAlloc   uint64
	minor        uint64
	major        uint64
	promoted     uint64
	lastSurvived uint64
	remembered   uint64

	spaceDoublings uint64
	finalizersRun  uint64

	lastGC     time.Time
	pauseTotal time.Duration
	pauses     [pauseHistory]time.Duration // circular buffer
	pauseEnds  [pauseHistory]time.Time
	numPauses  uint64
}

func (s *heapStats) allocated(size uintptr) {
	s.mallocs++
	s.totalAlloc += uint64(size)
}

func (s *heapStats) pause(start time.Time) {
	end := time.Now()
	d := end.Sub(start)
	s.pauses[s.numPauses%pauseHistory] = d
	s.pauseEnds[s.numPauses%pauseHistory] = end
	s.numPauses++
	s.pauseTotal += d
	s.lastGC = end
}

func (s *heapStats) minorDone(start time.Time, promoted uintptr) {
	s.minor++
	s.promoted += uint64(promoted)
	s.pause(start)
}

func (s *heapStats) majorDone(start time.Time, survived uintptr) {
	s.major++
	s.lastSurvived = uint64(survived)
	s.pause(start)
}

// MemStats records statistics about the heap.
type MemStats struct {
	// Bytes of the two semispaces together.
	Sys uint64

	// Bytes of a single semispace.
	SpaceSize uint64

	// Bytes used by old objects in tospace. The nursery is not included.
	HeapInuse uint64

	// Bytes still free at the end of tospace.
	HeapFree uint64

	// Nursery size and bytes currently used in it.
	NurserySize  uint64
	NurseryInuse uint64

	// Count and bytes of prebuilt objects.
	PrebuiltObjects uint64
	PrebuiltInuse   uint64

	// Cumulative count and bytes of allocated objects, headers included.
	Mallocs    uint64
	TotalAlloc uint64

	// Number of entries in the collector's tables.
	RememberedSet        int
	LastGenerationRoots  int
	ObjectsWithWeakrefs  int
	ObjectsWithIDs       int
	ObjectsWithFinalizer int
	PendingFinalizers    int
}

// ReadMemStats populates m with the current heap statistics.
func (h *Heap) ReadMemStats(m *MemStats) {
	*m = MemStats{
		SpaceSize:            uint64(h.spaceSize),
		Sys:                  2 * uint64(h.spaceSize),
		HeapFree:             uint64(h.topOfSpace.Diff(h.free)),
		NurserySize:          uint64(h.nurserySize),
		Mallocs:              h.stats.mallocs,
		TotalAlloc:           h.stats.totalAlloc,
		RememberedSet:        h.oldObjectsPointingToYoung.Len(),
		LastGenerationRoots:  h.lastGenerationRootObjects.Len(),
		ObjectsWithWeakrefs:  h.objectsWithWeakrefs.Len() + h.youngObjectsWithWeakrefs.Len(),
		ObjectsWithIDs:       h.objectsWithID.Len() + h.youngObjectsWithID.Len(),
		ObjectsWithFinalizer: h.objectsWithFinalizers.Len(),
		PendingFinalizers:    h.runFinalizers.Len(),
	}
	if h.tospace != nil {
		m.HeapInuse = uint64(h.free.Diff(h.tospace.Base()))
	}
	if h.nursery != Nil {
		m.HeapInuse -= uint64(h.nurserySize)
		m.NurseryInuse = uint64(h.nurseryFree.Diff(h.nursery))
	}
	for _, chunk := range h.statics {
		m.PrebuiltInuse += uint64(chunk.free.Diff(chunk.arena.Base()))
	}
	h.foreachPrebuilt(func(Address) {
		m.PrebuiltObjects++
	})
}

// GCStats collect information about recent garbage collections.
type GCStats struct {
	LastGC      time.Time       // time of last collection
	NumGC       int64           // number of collections, minor and major
	NumMinorGC  int64           // number of nursery collections
	NumMajorGC  int64           // number of full collections, space doublings included
	PauseTotal  time.Duration   // total pause for all collections
	Pause       []time.Duration // pause history, most recent first
	PauseEnd    []time.Time     // pause end times history, most recent first
	Promoted    uint64          // bytes copied out of the nursery, cumulative
	Survived    uint64          // bytes that survived the last full collection
	Remembered  uint64          // write barrier hits that recorded an object
	Doublings   int64           // number of times the semispaces grew
	Finalizers  uint64          // finalizers run
	NurserySize uint64
}

// ReadGCStats reads statistics about garbage collection into stats.
// The Pause slices are reused when they are large enough.
func (h *Heap) ReadGCStats(stats *GCStats) {
	s := &h.stats
	stats.LastGC = s.lastGC
	stats.NumMinorGC = int64(s.minor)
	stats.NumMajorGC = int64(s.major)
	stats.NumGC = stats.NumMinorGC + stats.NumMajorGC
	stats.PauseTotal = s.pauseTotal
	stats.Promoted = s.promoted
	stats.Survived = s.lastSurvived
	stats.Remembered = s.remembered
	stats.Doublings = int64(s.spaceDoublings)
	stats.Finalizers = s.finalizersRun
	stats.NurserySize = uint64(h.nurserySize)

	n := s.numPauses
	if n > pauseHistory {
		n = pauseHistory
	}
	stats.Pause = stats.Pause[:0]
	stats.PauseEnd = stats.PauseEnd[:0]
	for i := uint64(0); i < n; i++ {
		j := (s.numPauses - 1 - i) % pauseHistory
		stats.Pause = append(stats.Pause, s.pauses[j])
		stats.PauseEnd = append(stats.PauseEnd, s.pauseEnds[j])
	}
}
