package gc

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
)

// CacheSizeProbe finds the L2 cache size of the host, in bytes.
type CacheSizeProbe interface {
	L2CacheSize() (uint64, error)
}

// ErrNoCacheProbe is returned by NoProbe. No warning is printed for it.
var ErrNoCacheProbe = errors.New("gc: no cache size probe for this platform")

// NoProbe never finds a cache size.
type NoProbe struct{}

func (NoProbe) L2CacheSize() (uint64, error) {
	return 0, ErrNoCacheProbe
}

// FixedProbe reports a known cache size.
type FixedProbe uint64

func (p FixedProbe) L2CacheSize() (uint64, error) {
	return uint64(p), nil
}

// ProcCPUInfoProbe reads the "cache size" lines of a Linux /proc/cpuinfo
// file. On machines with several CPUs the smallest cache wins.
type ProcCPUInfoProbe struct {
	Path string // defaults to /proc/cpuinfo
}

func (p ProcCPUInfoProbe) L2CacheSize() (uint64, error) {
	path := p.Path
	if path == "" {
		path = "/proc/cpuinfo"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	size, ok := parseCPUInfoCacheSize(data)
	if !ok {
		return 0, fmt.Errorf("no cache size in %s", path)
	}
	return size, nil
}

// parseCPUInfoCacheSize parses lines of the form "cache size : 2048 KB".
// Sizes are assumed to be in kilobytes; lines with other units are skipped.
func parseCPUInfoCacheSize(data []byte) (uint64, bool) {
	l2cache := uint64(math.MaxUint64)
	for _, line := range bytes.Split(data, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("cache size"))
		if !ok {
			continue
		}
		rest = bytes.TrimLeft(rest, " \t")
		rest, ok = bytes.CutPrefix(rest, []byte(":"))
		if !ok {
			continue
		}
		rest = bytes.TrimLeft(rest, " \t")
		end := 0
		for end < len(rest) && '0' <= rest[end] && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		number, err := strconv.ParseUint(string(rest[:end]), 10, 64)
		if err != nil {
			continue
		}
		rest = bytes.TrimLeft(rest[end:], " \t")
		if len(rest) == 0 || (rest[0] != 'K' && rest[0] != 'k') {
			continue
		}
		number *= 1024
		if number < l2cache {
			l2cache = number
		}
	}
	return l2cache, l2cache != math.MaxUint64
}

// DefaultCacheProbe returns the probe for the running operating system.
func DefaultCacheProbe() CacheSizeProbe {
	switch runtime.GOOS {
	case "linux", "android":
		return ProcCPUInfoProbe{}
	case "darwin", "ios", "freebsd", "netbsd", "openbsd":
		return SysctlProbe{}
	default:
		return NoProbe{}
	}
}
