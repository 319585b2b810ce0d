//go:build !(darwin || freebsd || netbsd || openbsd)

package gc

// SysctlProbe asks the kernel through sysctl. Name defaults to
// hw.l2cachesize. It is only available on BSD-like systems.
type SysctlProbe struct {
	Name string
}

func (p SysctlProbe) L2CacheSize() (uint64, error) {
	return 0, ErrNoCacheProbe
}
