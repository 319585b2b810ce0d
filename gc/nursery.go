package gc

import (
	"errors"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"

	"github.com/tinygo-org/gengc/arena"
)

func youngFixedsize(nurserySize uintptr) uintptr {
	return nurserySize/2 - 1
}

func youngVarBasesize(nurserySize uintptr) uintptr {
	return nurserySize/4 - 1
}

// SetNurserySize changes the nursery size, clamped to the configured minimum
// and half the space size. It runs a major collection.
func (h *Heap) SetNurserySize(newsize uintptr) {
	h.setNurserySize(newsize)
	h.executeFinalizers()
}

// NurserySize returns the current nursery size.
func (h *Heap) NurserySize() uintptr {
	return h.nurserySize
}

func (h *Heap) setNurserySize(newsize uintptr) {
	if newsize < h.minNurserySize {
		newsize = h.minNurserySize
	}
	if newsize > h.spaceSize/2 {
		newsize = h.spaceSize / 2
	}
	newsize &^= arena.WordSize - 1

	// Compute the new bounds for how large young objects can be. Larger
	// objects are allocated directly old.
	h.nurserySize = newsize
	h.largestYoungFixedsize = youngFixedsize(newsize)
	h.largestYoungVarBasesize = youngVarBasesize(newsize)
	scale := uint(0)
	for h.minNurserySize<<(scale+1) <= newsize {
		scale++
	}
	h.nurseryScale = scale
	h.debugf("nursery size = %d", newsize)
	h.debugf("largest young fixedsize = %d", h.largestYoungFixedsize)
	h.debugf("largest young var basesize = %d", h.largestYoungVarBasesize)
	h.debugf("nursery scale = %d", scale)
	if gcAsserts && h.nurserySize < h.minNurserySize<<scale {
		gcPanic("nursery scale too large")
	}

	// Force a full collection to remove the current nursery whose size no
	// longer matches the bounds just computed. This must be done after
	// changing the bounds, because the caller might create a new nursery
	// right away (e.g. when it invokes finalizers).
	h.semispaceCollect(false)
}

// NurserySizeFromEnv reads an explicit nursery size from the environment
// variable key. The value is a number of bytes, a number followed by k or K
// for kilobytes, or a size with a unit such as "2MB". It returns -1 when the
// variable is unset or invalid.
func NurserySizeFromEnv(key string, lookup func(string) (string, bool)) int {
	value, ok := lookup(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return -1
	}
	factor := 1
	if last := value[len(value)-1]; last == 'k' || last == 'K' {
		factor = 1024
		value = value[:len(value)-1]
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n * factor
	}
	if factor == 1 {
		if size, err := bytesize.Parse(value); err == nil {
			return int(size)
		}
	}
	return -1
}

// bestNurserySizeForL2Cache is the heuristic: the best nursery size to
// choose is about half of the L2 cache.
func (h *Heap) bestNurserySizeForL2Cache(l2cache uint64) int {
	h.debugf("L2 cache = %d", l2cache)
	return int(l2cache / 2)
}

// estimateBestNurserySize returns -1 when the probe cannot tell.
func (h *Heap) estimateBestNurserySize(probe CacheSizeProbe) int {
	l2cache, err := probe.L2CacheSize()
	if err != nil {
		if !errors.Is(err, ErrNoCacheProbe) {
			// Warn even without debug output.
			h.warnf("cannot find your CPU L2 cache size: %v", err)
		}
		return -1
	}
	if l2cache == 0 {
		return -1
	}
	return h.bestNurserySizeForL2Cache(l2cache)
}
